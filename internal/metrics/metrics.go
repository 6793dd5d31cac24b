package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Pipeline and flow counters, partitioned by flow type where it matters.

var (
	// Flows
	PreparesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "flow",
		Name:      "prepares_total",
		Help:      "Total prepare calls",
	}, []string{"flow"})

	SubmitsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "flow",
		Name:      "submits_total",
		Help:      "Total submit calls by outcome",
	}, []string{"flow", "outcome"})

	ActivityTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "activity",
		Name:      "transitions_total",
		Help:      "Total activity status transitions",
	}, []string{"type", "status"})

	// Pipeline
	PipelineStageDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "veilpay",
		Subsystem: "pipeline",
		Name:      "stage_duration_seconds",
		Help:      "Duration of each submit pipeline stage",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
	}, []string{"stage"})

	PipelineFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "pipeline",
		Name:      "failures_total",
		Help:      "Pipeline failures by stage",
	}, []string{"stage"})

	IndexerPollAttempts = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veilpay",
		Subsystem: "pipeline",
		Name:      "indexer_poll_attempts",
		Help:      "Existence-check polls needed before the deposit was indexed",
		Buckets:   []float64{1, 2, 3, 5, 8, 12, 16, 20},
	})

	// Simulation
	SimulationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "veilpay",
		Subsystem: "sweep",
		Name:      "simulation_duration_seconds",
		Help:      "Deposit dry-run duration",
		Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
	})

	// Relay
	RelayRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "relay",
		Name:      "requests_total",
		Help:      "Relay HTTP requests by endpoint and status",
	}, []string{"endpoint", "status"})

	// Chain RPC
	RPCCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "rpc",
		Name:      "calls_total",
		Help:      "Chain RPC calls by method and status",
	}, []string{"method", "status"})

	RPCRateLimitWaits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "rpc",
		Name:      "rate_limit_waits_total",
		Help:      "RPC calls delayed by the client-side rate limiter",
	})

	// Sponsor account
	SponsorBalanceLamports = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "veilpay",
		Subsystem: "sponsor",
		Name:      "balance_lamports",
		Help:      "Last observed sponsor account balance",
	})

	FundingsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "sponsor",
		Name:      "fundings_total",
		Help:      "Pre-fund top-ups by outcome",
	}, []string{"outcome"})

	// Alerts
	AlertsSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "alerts",
		Name:      "sent_total",
		Help:      "Alerts sent by channel and type",
	}, []string{"channel", "type"})

	AlertsCooldownSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "veilpay",
		Subsystem: "alerts",
		Name:      "cooldown_skipped_total",
		Help:      "Alerts suppressed by cooldown",
	}, []string{"channel", "type"})
)
