package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"github.com/veilpay/veilpay/internal/alert"
	"github.com/veilpay/veilpay/internal/api"
	"github.com/veilpay/veilpay/internal/chain"
	"github.com/veilpay/veilpay/internal/chain/ratelimit"
	"github.com/veilpay/veilpay/internal/chain/rpc"
	"github.com/veilpay/veilpay/internal/config"
	"github.com/veilpay/veilpay/internal/flow"
	"github.com/veilpay/veilpay/internal/pool"
	"github.com/veilpay/veilpay/internal/relay"
	"github.com/veilpay/veilpay/internal/sponsor"
	"github.com/veilpay/veilpay/internal/store/postgres"
	redisstore "github.com/veilpay/veilpay/internal/store/redis"
	"github.com/veilpay/veilpay/internal/tracing"
)

func main() {
	logLevel := slog.LevelInfo
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting veilpayd",
		"rpc", cfg.Chain.RPCURL,
		"relay", cfg.Relay.BaseURL,
		"prover", cfg.Pool.ProverURL,
		"strategy", cfg.Pipeline.Strategy,
		"api_port", cfg.Server.APIPort,
		"ops_port", cfg.Server.OpsPort,
	)

	// Initialize OpenTelemetry tracing
	shutdownTracing, err := tracing.Init(context.Background(), "veilpayd", cfg.Tracing.OTLPEndpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()
	if cfg.Tracing.OTLPEndpoint != "" {
		logger.Info("tracing enabled", "endpoint", cfg.Tracing.OTLPEndpoint)
	}

	// Connect to PostgreSQL
	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("connected to database")

	// Activity event stream, optional
	var events redisstore.EventPublisher = &redisstore.NoopPublisher{}
	if cfg.Redis.URL != "" {
		publisher, err := redisstore.NewStreamPublisher(cfg.Redis.URL)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err, "redis_url", cfg.Redis.URL)
			os.Exit(1)
		}
		events = publisher
		logger.Info("activity event stream enabled")
	}
	defer events.Close()

	// Alerting
	alerter := buildAlerter(cfg, logger)

	// Chain access
	limiter := ratelimit.NewLimiter(cfg.Chain.RateLimitRPS, cfg.Chain.RateLimitBurst)
	chainClient := chain.NewClient(
		rpc.NewClient(cfg.Chain.RPCURL, logger),
		limiter,
		chain.Config{
			ConfirmInterval: cfg.Chain.ConfirmInterval,
			ConfirmTimeout:  cfg.Chain.ConfirmTimeout,
		},
		logger,
	)

	relayClient := relay.NewClient(cfg.Relay.BaseURL, cfg.Relay.Timeout, logger)
	poolClient := pool.NewClient(cfg.Pool.ProverURL, cfg.Pool.Timeout, logger)

	// Sponsor layer
	signer, err := sponsor.NewSigner(cfg.Sponsor.PrivateKey)
	if err != nil {
		logger.Error("failed to load sponsor key", "error", err)
		os.Exit(1)
	}
	logger.Info("sponsor loaded", "address", signer.PublicKey().String())

	maxDeposit, err := decimal.NewFromString(cfg.Pool.MaxDeposit)
	if err != nil {
		logger.Error("invalid POOL_MAX_DEPOSIT", "error", err, "value", cfg.Pool.MaxDeposit)
		os.Exit(1)
	}

	repo := postgres.NewActivityRepo(db)
	funder := sponsor.NewFunder(chainClient, signer, cfg.Sponsor.MinBalance, alerter, logger)
	sweeper := sponsor.NewSweeper(chainClient, signer, logger)
	builder := sponsor.NewBuilder(chainClient, poolClient, funder, sweeper, signer.PublicKey(), maxDeposit, cfg.Sponsor.FeeBuffer, cfg.Pipeline.Strategy, logger)
	pipeline := sponsor.NewPipeline(sponsor.PipelineDeps{
		Chain:   chainClient,
		Relay:   relayClient,
		Pool:    poolClient,
		Signer:  signer,
		Sweeper: sweeper,
		Repo:    repo,
		Alerter: alerter,
	}, cfg.Pipeline, logger)

	service := flow.NewService(chainClient, builder, pipeline, signer, repo, events, cfg.Sponsor.FeeBuffer, logger)

	apiServer := api.NewServer(service, logger)
	rateLimit := api.NewRateLimitMiddleware(logger)
	defer rateLimit.Stop()
	handler := api.AuditMiddleware(logger, rateLimit.Wrap(apiServer.Handler()))

	// Context with signal handling
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, "api", cfg.Server.APIPort, handler, logger)
	})
	g.Go(func() error {
		return runHTTPServer(gCtx, "ops", cfg.Server.OpsPort, opsHandler(logger), logger)
	})

	// Signal handler
	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("veilpayd exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("veilpayd shut down gracefully")
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		logger.Info("no alert channels configured")
		return &alert.NoopAlerter{}
	}
	return alert.NewMultiAlerter(cfg.Alert.Cooldown, logger, channels...)
}

func opsHandler(logger *slog.Logger) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func runHTTPServer(ctx context.Context, name string, port int, handler http.Handler, logger *slog.Logger) error {
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("server shutdown error", "server", name, "error", err)
		}
	}()

	logger.Info("http server started", "server", name, "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("%s server: %w", name, err)
	}
	return nil
}
