package perception

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/linnemanlabs/vantage/internal/signal"
)

// Metrics holds Prometheus metrics for the perception pipeline.
type Metrics struct {
	SignalsTotal          *prometheus.CounterVec
	SignalTransitions     *prometheus.CounterVec
	LifecycleTransitions  *prometheus.CounterVec
	PosturesTotal         *prometheus.CounterVec
	IngestsTotal          *prometheus.CounterVec
	IngestDuration        *prometheus.HistogramVec
	IngestCandidates      prometheus.Histogram
	PublishFailures       *prometheus.CounterVec
	SweepExpiredTotal     prometheus.Counter
	SweepReconciledTotal  prometheus.Counter
	ReplaysTotal          *prometheus.CounterVec
	SynthesisDuration     prometheus.Histogram
	LedgerAppendsTotal    *prometheus.CounterVec
	SuppressionsPerChange prometheus.Histogram
}

// NewMetrics registers and returns perception metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		SignalsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_signals_total",
			Help: "Signal create calls by type and whether a new row was written.",
		}, []string{"type", "result"}),
		SignalTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_signal_transitions_total",
			Help: "Signal status transitions applied.",
		}, []string{"from", "to"}),
		LifecycleTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_lifecycle_transitions_total",
			Help: "Account lifecycle transitions applied.",
		}, []string{"from", "to"}),
		PosturesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_postures_total",
			Help: "Posture syntheses by resulting posture or failure.",
		}, []string{"posture"}),
		IngestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_ingests_total",
			Help: "Evidence ingests by result.",
		}, []string{"result"}),
		IngestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vantage_ingest_duration_seconds",
			Help:    "Duration of evidence ingests in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms .. ~2s
		}, []string{"result"}),
		IngestCandidates: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vantage_ingest_candidates",
			Help:    "Candidate signals produced per ingest.",
			Buckets: prometheus.LinearBuckets(0, 1, 8), // 0 .. 7
		}),
		PublishFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_event_publish_failures_total",
			Help: "Events that could not be published, by event type.",
		}, []string{"type"}),
		SweepExpiredTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vantage_sweep_expired_total",
			Help: "Signals expired by the TTL sweep.",
		}),
		SweepReconciledTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "vantage_sweep_reconciled_total",
			Help: "Missing suppression ledger entries written by reconciliation.",
		}),
		ReplaysTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_replays_total",
			Help: "Signal replays by outcome.",
		}, []string{"matched"}),
		SynthesisDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vantage_synthesis_duration_seconds",
			Help:    "Duration of posture syntheses in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms .. ~1s
		}),
		LedgerAppendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vantage_ledger_appends_total",
			Help: "Audit ledger appends by entry type and whether a new row was written.",
		}, []string{"type", "result"}),
		SuppressionsPerChange: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "vantage_suppressions_per_transition",
			Help:    "Signals suppressed per lifecycle transition.",
			Buckets: prometheus.LinearBuckets(0, 1, 11), // 0 .. 10
		}),
	}

	reg.MustRegister(
		m.SignalsTotal,
		m.SignalTransitions,
		m.LifecycleTransitions,
		m.PosturesTotal,
		m.IngestsTotal,
		m.IngestDuration,
		m.IngestCandidates,
		m.PublishFailures,
		m.SweepExpiredTotal,
		m.SweepReconciledTotal,
		m.ReplaysTotal,
		m.SynthesisDuration,
		m.LedgerAppendsTotal,
		m.SuppressionsPerChange,
	)

	return m
}

// SignalHooks returns signal.Hooks that increment the corresponding metrics.
func (m *Metrics) SignalHooks() signal.Hooks {
	return signal.Hooks{
		OnCreate: func(t signal.SignalType, created bool) {
			result := "duplicate"
			if created {
				result = "created"
			}
			m.SignalsTotal.WithLabelValues(string(t), result).Inc()
		},
		OnTransition: func(from, to signal.Status) {
			m.SignalTransitions.WithLabelValues(string(from), string(to)).Inc()
		},
	}
}

// LifecycleHook returns a transition callback for lifecycle.WithTransitionHook.
func (m *Metrics) LifecycleHook() func(from, to signal.LifecycleState) {
	return func(from, to signal.LifecycleState) {
		m.LifecycleTransitions.WithLabelValues(string(from), string(to)).Inc()
	}
}
