package sponsor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/veilpay/veilpay/internal/alert"
	"github.com/veilpay/veilpay/internal/config"
	"github.com/veilpay/veilpay/internal/domain/model"
	"github.com/veilpay/veilpay/internal/metrics"
	"github.com/veilpay/veilpay/internal/pool"
	"github.com/veilpay/veilpay/internal/relay"
	"github.com/veilpay/veilpay/internal/session"
	"github.com/veilpay/veilpay/internal/store"
	"github.com/veilpay/veilpay/internal/tracing"
)

// RelayAPI is the slice of the relay the pipeline uses.
type RelayAPI interface {
	SubmitDeposit(ctx context.Context, req relay.SubmitDepositRequest) (string, error)
	CheckUTXO(ctx context.Context, handle string) (bool, error)
}

// Pipeline executes the submit side of every flow: validate the signed
// deposit, push it through the relay, recover any prefund residue, wait for
// the output to be indexed, and run the withdraw leg. Failures split in two:
// rejections before the first side effect leave the activity open so the
// client can prepare again, while failures from the dry-run onward cancel
// the activity and surface the original error.
type Pipeline struct {
	chain        ChainClient
	relay        RelayAPI
	pool         pool.Pool
	signer       *Signer
	sweeper      *Sweeper
	repo         store.ActivityRepository
	alerter      alert.Alerter
	pollInterval time.Duration
	pollAttempts int
	tracer       trace.Tracer
	logger       *slog.Logger
}

type PipelineDeps struct {
	Chain   ChainClient
	Relay   RelayAPI
	Pool    pool.Pool
	Signer  *Signer
	Sweeper *Sweeper
	Repo    store.ActivityRepository
	Alerter alert.Alerter
}

func NewPipeline(deps PipelineDeps, pipelineCfg config.PipelineConfig, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		chain:        deps.Chain,
		relay:        deps.Relay,
		pool:         deps.Pool,
		signer:       deps.Signer,
		sweeper:      deps.Sweeper,
		repo:         deps.Repo,
		alerter:      deps.Alerter,
		pollInterval: pipelineCfg.IndexPollInterval,
		pollAttempts: pipelineCfg.IndexPollAttempts,
		tracer:       tracing.Tracer("sponsor"),
		logger:       logger.With("component", "pipeline"),
	}
}

// WithdrawLeg describes the unshield that completes a flow. Nil when the
// deposit stays shielded until a later claim.
type WithdrawLeg struct {
	Recipient  solana.PublicKey
	AmountBase uint64
	Evidence   session.Evidence
}

// SubmitParams carries one signed deposit through the pipeline.
type SubmitParams struct {
	ActivityID   uuid.UUID
	ActivityType model.ActivityType
	SignedTx     *solana.Transaction
	ExpiryHeight uint64
	OutputHandle string
	Token        model.Token
	Sender       string
	Profile      Profile
	// SignedSweep returns the prefund residue to the sponsor. Built at
	// prepare time under the prefund strategy, nil otherwise. It is
	// broadcast only after the deposit confirms.
	SignedSweep *solana.Transaction
	Withdraw    *WithdrawLeg
	// Finalize settles the activity on success. When false the deposit
	// signature is recorded and the activity stays open (claim links).
	Finalize bool
	Settle   store.SettlePatch
}

// SubmitResult reports the signatures produced by a successful run.
type SubmitResult struct {
	DepositSignature  string
	WithdrawSignature string
	SweepSignature    string
}

func (p *Pipeline) Submit(ctx context.Context, params SubmitParams) (*SubmitResult, error) {
	flow := string(params.ActivityType)
	ctx, span := p.tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("activity.id", params.ActivityID.String()),
		attribute.String("activity.type", flow),
		attribute.String("token", string(params.Token)),
	))
	defer span.End()

	result, compensate, err := p.run(ctx, params)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		metrics.SubmitsTotal.WithLabelValues(flow, "failure").Inc()
		if compensate {
			p.cancelAndAlert(ctx, params, err)
		} else {
			// Nothing happened yet: the activity stays open so the client
			// can prepare a fresh transaction and submit again.
			p.logger.Warn("submit rejected before side effects",
				"activity_id", params.ActivityID, "flow", flow, "error", err)
		}
		return nil, err
	}

	metrics.SubmitsTotal.WithLabelValues(flow, "success").Inc()
	return result, nil
}

// run executes the stages in order. The returned bool reports whether the
// failure happened past the cheap local checks: expiry and signature
// rejections are recoverable by re-preparing, anything from the dry-run
// onward involves external systems and compensates by cancelling.
func (p *Pipeline) run(ctx context.Context, params SubmitParams) (*SubmitResult, bool, error) {
	if err := p.stage(ctx, "verify", func(ctx context.Context) error {
		if err := VerifyFullySigned(params.SignedTx); err != nil {
			return err
		}
		if params.SignedSweep != nil {
			if err := VerifyFullySigned(params.SignedSweep); err != nil {
				return fmt.Errorf("sweep: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, false, err
	}

	// Fail before any side effect if the blockhash window has closed; a
	// doomed broadcast would burn a relay round-trip for nothing.
	if err := p.stage(ctx, "expiry_check", func(ctx context.Context) error {
		height, err := p.chain.CurrentHeight(ctx)
		if err != nil {
			return fmt.Errorf("read block height: %w", err)
		}
		if height > params.ExpiryHeight {
			return fmt.Errorf("%w: height %d past expiry %d", ErrTransactionExpired, height, params.ExpiryHeight)
		}
		return nil
	}); err != nil {
		return nil, false, err
	}

	if err := p.stage(ctx, "simulate", func(ctx context.Context) error {
		return p.sweeper.Validate(ctx, params.SignedTx)
	}); err != nil {
		return nil, true, err
	}

	result := &SubmitResult{}
	if err := p.stage(ctx, "relay_deposit", func(ctx context.Context) error {
		encoded, err := params.SignedTx.ToBase64()
		if err != nil {
			return fmt.Errorf("serialize deposit: %w", err)
		}
		sig, err := p.relay.SubmitDeposit(ctx, relay.SubmitDepositRequest{
			SignedTransaction: encoded,
			SenderAddress:     params.Sender,
			TokenMint:         params.Token.Info().Mint,
		})
		if err != nil {
			return err
		}
		result.DepositSignature = sig
		return nil
	}); err != nil {
		return nil, true, err
	}

	if err := p.stage(ctx, "deposit_confirm", func(ctx context.Context) error {
		return p.chain.Confirm(ctx, result.DepositSignature)
	}); err != nil {
		return nil, true, err
	}

	if params.SignedSweep != nil {
		if err := p.stage(ctx, "sweep", func(ctx context.Context) error {
			sig, err := p.chain.Send(ctx, params.SignedSweep)
			if err != nil {
				return fmt.Errorf("send sweep: %w", err)
			}
			result.SweepSignature = sig
			return p.chain.Confirm(ctx, sig)
		}); err != nil {
			return nil, true, err
		}
	}

	if err := p.stage(ctx, "index_poll", func(ctx context.Context) error {
		return p.waitForIndexing(ctx, params.OutputHandle)
	}); err != nil {
		return nil, true, err
	}

	if params.Withdraw != nil {
		if err := p.stage(ctx, "withdraw", func(ctx context.Context) error {
			sig, err := p.pool.Withdraw(ctx, pool.WithdrawParams{
				AmountBase: params.Withdraw.AmountBase,
				Token:      params.Token,
				Recipient:  params.Withdraw.Recipient,
				Evidence:   params.Withdraw.Evidence,
			})
			if err != nil {
				return err
			}
			result.WithdrawSignature = sig
			return p.chain.Confirm(ctx, sig)
		}); err != nil {
			return nil, true, err
		}
	}

	if err := p.finalize(ctx, params, result); err != nil {
		return nil, true, err
	}
	return result, false, nil
}

// waitForIndexing polls the relay's existence check until the deposit's
// encrypted output is visible. A withdraw attempted before that point would
// be rejected by the prover, so the poll budget bounds how long a submit can
// hang rather than sleeping a fixed worst-case interval.
func (p *Pipeline) waitForIndexing(ctx context.Context, handle string) error {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for attempt := 1; attempt <= p.pollAttempts; attempt++ {
		exists, err := p.relay.CheckUTXO(ctx, handle)
		if err != nil {
			p.logger.Debug("existence check failed, retrying", "handle", handle, "attempt", attempt, "error", err)
		} else if exists {
			metrics.IndexerPollAttempts.Observe(float64(attempt))
			return nil
		}

		if attempt == p.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	metrics.IndexerPollAttempts.Observe(float64(p.pollAttempts))
	return fmt.Errorf("%w: handle %s after %d polls", ErrIndexingTimeout, handle, p.pollAttempts)
}

func (p *Pipeline) finalize(ctx context.Context, params SubmitParams, result *SubmitResult) error {
	if !params.Finalize {
		updated, err := p.repo.RecordDeposit(ctx, params.ActivityID, result.DepositSignature)
		if err != nil {
			return fmt.Errorf("record deposit: %w", err)
		}
		if !updated {
			return fmt.Errorf("activity %s is no longer open", params.ActivityID)
		}
		return nil
	}

	patch := params.Settle
	if patch.TxHash == nil {
		hash := result.DepositSignature
		if result.WithdrawSignature != "" {
			hash = result.WithdrawSignature
		}
		patch.TxHash = &hash
	}
	updated, err := p.repo.Settle(ctx, params.ActivityID, patch)
	if err != nil {
		return fmt.Errorf("settle activity: %w", err)
	}
	if !updated {
		return fmt.Errorf("activity %s is no longer open", params.ActivityID)
	}
	metrics.ActivityTransitionsTotal.WithLabelValues(string(params.ActivityType), string(model.ActivityStatusSettled)).Inc()
	return nil
}

func (p *Pipeline) stage(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := p.tracer.Start(ctx, "pipeline."+name)
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	metrics.PipelineStageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PipelineFailuresTotal.WithLabelValues(name).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (p *Pipeline) cancelAndAlert(ctx context.Context, params SubmitParams, cause error) {
	flow := string(params.ActivityType)

	if _, err := p.repo.Cancel(ctx, params.ActivityID, store.CancelPatch{Reason: cause.Error()}); err != nil {
		p.logger.Error("failed to cancel activity after pipeline failure",
			"activity_id", params.ActivityID, "error", err)
	} else {
		metrics.ActivityTransitionsTotal.WithLabelValues(flow, string(model.ActivityStatusCancelled)).Inc()
	}

	alertType := alert.AlertTypePipelineFailed
	switch {
	case errors.Is(cause, relay.ErrRelayRejected):
		alertType = alert.AlertTypeRelayRejected
	case errors.Is(cause, ErrIndexingTimeout):
		alertType = alert.AlertTypeIndexingTimeout
	}
	_ = p.alerter.Send(ctx, alert.Alert{
		Type:    alertType,
		Flow:    flow,
		Title:   "Submit pipeline failed",
		Message: cause.Error(),
		Fields: map[string]string{
			"activity_id": params.ActivityID.String(),
			"token":       string(params.Token),
			"profile":     string(params.Profile),
		},
	})

	p.logger.Error("submit pipeline failed",
		"activity_id", params.ActivityID,
		"flow", flow,
		"error", cause,
	)
}
