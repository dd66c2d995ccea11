package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Intake metrics
	WebhooksReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_webhooks_received_total",
			Help: "Total webhook deliveries by outcome (accepted, duplicate, rejected, dropped)",
		},
		[]string{"outcome"},
	)

	// Queue metrics
	JobsEnqueued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_jobs_enqueued_total",
			Help: "Total jobs enqueued by queue",
		},
		[]string{"queue"},
	)

	JobsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_jobs_dispatched_total",
			Help: "Total jobs handed to workers by queue",
		},
		[]string{"queue"},
	)

	JobsCompleted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_jobs_completed_total",
			Help: "Total jobs finished by queue and outcome (completed, failed, dead_lettered, cancelled)",
		},
		[]string{"queue", "outcome"},
	)

	JobRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_job_retries_total",
			Help: "Total retry schedules by queue",
		},
		[]string{"queue"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoker_queue_depth",
			Help: "Jobs per queue and bucket (waiting, delayed, active)",
		},
		[]string{"queue", "bucket"},
	)

	DispatchLatency = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stoker_dispatch_latency_seconds",
			Help:    "Time from enqueue to worker hand-off",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"queue"},
	)

	// Runner and pool metrics
	RunnersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoker_runners_total",
			Help: "Runners by pool and state",
		},
		[]string{"pool", "state"},
	)

	PoolDesired = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoker_pool_desired",
			Help: "Desired runner count per pool",
		},
		[]string{"pool"},
	)

	ScaleDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_scale_decisions_total",
			Help: "Auto-scaler decisions by direction (up, down, hold)",
		},
		[]string{"direction"},
	)

	// Container metrics
	ContainersTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoker_containers_total",
			Help: "Containers by state",
		},
		[]string{"state"},
	)

	EngineCallDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "stoker_engine_call_duration_seconds",
			Help:    "Container engine call duration by operation",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	AlertsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "stoker_alerts_active",
			Help: "Active monitoring alerts by type",
		},
		[]string{"type"},
	)

	// Scanner metrics
	SecretHits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_secret_hits_total",
			Help: "Secret pattern matches by pattern kind",
		},
		[]string{"kind"},
	)

	// Reaper metrics
	CleanupRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "stoker_cleanup_runs_total",
			Help: "Cleanup task executions by task and outcome",
		},
		[]string{"task", "outcome"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(WebhooksReceived)
	prometheus.MustRegister(JobsEnqueued)
	prometheus.MustRegister(JobsDispatched)
	prometheus.MustRegister(JobsCompleted)
	prometheus.MustRegister(JobRetries)
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(DispatchLatency)
	prometheus.MustRegister(RunnersTotal)
	prometheus.MustRegister(PoolDesired)
	prometheus.MustRegister(ScaleDecisions)
	prometheus.MustRegister(ContainersTotal)
	prometheus.MustRegister(EngineCallDuration)
	prometheus.MustRegister(AlertsActive)
	prometheus.MustRegister(SecretHits)
	prometheus.MustRegister(CleanupRuns)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}
