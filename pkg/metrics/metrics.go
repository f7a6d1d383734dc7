package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pool metrics
	PollersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oltmon_pollers_total",
			Help: "Configured number of worker slots",
		},
	)

	PollersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oltmon_pollers_busy",
			Help: "Worker slots currently holding an outstanding execution",
		},
	)

	QueueSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oltmon_queue_size",
			Help: "Composite nodes waiting for a worker slot",
		},
	)

	QueueDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oltmon_queue_dropped_total",
			Help: "Composite nodes dropped because the queue was full",
		},
	)

	PoolSaturated = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "oltmon_pool_saturated",
			Help: "Whether the worker pool reports saturation (1 = saturated)",
		},
	)

	// Execution metrics
	ExecutionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "oltmon_executions_total",
			Help: "Executions reaching a terminal state by job type and status",
		},
		[]string{"job_type", "status"},
	)

	ExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "oltmon_execution_duration_seconds",
			Help:    "Execution duration reported by the downstream runtime",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"job_type"},
	)

	ChainDispatches = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oltmon_chain_dispatches_total",
			Help: "Chain nodes started by the completion dispatcher",
		},
	)

	// Scheduler metrics
	SchedulerTickDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "oltmon_scheduler_tick_duration_seconds",
			Help:    "Time taken by one scheduler tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	NodesScheduled = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oltmon_nodes_scheduled_total",
			Help: "Composite nodes assigned or enqueued by the scheduler",
		},
	)

	NodesDelayed = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oltmon_nodes_delayed_total",
			Help: "Composite nodes observed past a full interval at dispatch time",
		},
	)

	// Janitor metrics
	ExecutionsInterruptedByJanitor = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "oltmon_janitor_interrupted_total",
			Help: "Stale PENDING executions marked INTERRUPTED by the janitor",
		},
	)
)

func init() {
	prometheus.MustRegister(PollersTotal)
	prometheus.MustRegister(PollersBusy)
	prometheus.MustRegister(QueueSize)
	prometheus.MustRegister(QueueDropped)
	prometheus.MustRegister(PoolSaturated)
	prometheus.MustRegister(ExecutionsTotal)
	prometheus.MustRegister(ExecutionDuration)
	prometheus.MustRegister(ChainDispatches)
	prometheus.MustRegister(SchedulerTickDuration)
	prometheus.MustRegister(NodesScheduled)
	prometheus.MustRegister(NodesDelayed)
	prometheus.MustRegister(ExecutionsInterruptedByJanitor)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
