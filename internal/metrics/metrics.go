package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus counters for the rollout engine.
type Metrics struct {
	RoutesTotal      *prometheus.CounterVec
	RouteFallbacks   prometheus.Counter
	OutcomesRecorded *prometheus.CounterVec
	OutcomesDropped  prometheus.Counter

	ExperimentsCreated prometheus.Counter
	ExperimentsStarted prometheus.Counter
	ExperimentsStopped prometheus.Counter
	ExperimentsErrored prometheus.Counter
	RollbacksTotal     prometheus.Counter

	AnalysesTotal        prometheus.Counter
	AnalysesInsufficient prometheus.Counter
	AnalysisDuration     prometheus.Histogram

	MonitorTicks prometheus.Counter
	TickErrors   prometheus.Counter
}

// New creates and registers all metrics against the given registerer.
// Tests pass a fresh prometheus.NewRegistry() so packages can be exercised
// in isolation.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RoutesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_routes_total",
				Help: "Routing decisions per experiment and arm",
			},
			[]string{"experiment_id", "arm"},
		),
		RouteFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_route_fallbacks_total",
			Help: "Routing decisions that fell open to the baseline (missing, stopped, or unreadable experiment)",
		}),
		OutcomesRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canary_outcomes_recorded_total",
				Help: "Outcome records written per experiment and model",
			},
			[]string{"experiment_id", "model_id"},
		),
		OutcomesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_outcomes_dropped_total",
			Help: "Outcome records dropped due to store write failures (fail-open ingestion)",
		}),
		ExperimentsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_experiments_created_total",
			Help: "Experiments created",
		}),
		ExperimentsStarted: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_experiments_started_total",
			Help: "Experiments transitioned to RUNNING",
		}),
		ExperimentsStopped: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_experiments_stopped_total",
			Help: "Experiments transitioned to STOPPED",
		}),
		ExperimentsErrored: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_experiments_errored_total",
			Help: "Experiments transitioned to ERROR after a failed stop",
		}),
		RollbacksTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_rollbacks_total",
			Help: "Automatic rollbacks triggered by the monitor",
		}),
		AnalysesTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_analyses_total",
			Help: "Statistical analyses performed",
		}),
		AnalysesInsufficient: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_analyses_insufficient_total",
			Help: "Analyses short-circuited by the minimum-sample gate",
		}),
		AnalysisDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "canary_analysis_duration_seconds",
			Help:    "Wall time of one full analysis, record loading included",
			Buckets: prometheus.DefBuckets,
		}),
		MonitorTicks: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_monitor_ticks_total",
			Help: "Monitor ticks completed",
		}),
		TickErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "canary_monitor_tick_errors_total",
			Help: "Per-experiment evaluation failures inside monitor ticks",
		}),
	}
}
