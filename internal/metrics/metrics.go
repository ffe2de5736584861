package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the launcher.
type Metrics struct {
	// Dispatch counters
	CallsDispatchedTotal *prometheus.CounterVec
	CallsQueuedTotal     *prometheus.CounterVec
	CallsFailedTotal     *prometheus.CounterVec
	AllExhaustedTotal    prometheus.Counter

	// Queue gauges
	QueueDepth      prometheus.Gauge
	QueueProcessing prometheus.Gauge
	QueueFailed     prometheus.Gauge

	// Credential gauges
	CredentialUsage  *prometheus.GaugeVec
	CredentialActive prometheus.Gauge

	// Job outcomes
	JobsStartedTotal    prometheus.Counter
	JobsCompletedTotal  prometheus.Counter
	JobsFailedTotal     prometheus.Counter
	JobsRolledBackTotal prometheus.Counter
	SlotsCreatedTotal   *prometheus.CounterVec

	// API metrics
	APIRequestsTotal          *prometheus.CounterVec
	APIRequestDurationSeconds *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates a Metrics instance with all metrics registered on its own
// registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		CallsDispatchedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_calls_dispatched_total",
				Help: "Total number of remote calls dispatched successfully",
			},
			[]string{"action"},
		),
		CallsQueuedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_calls_queued_total",
				Help: "Total number of calls deferred to the request queue",
			},
			[]string{"reason"},
		),
		CallsFailedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_calls_failed_total",
				Help: "Total number of calls that ended in a terminal error",
			},
			[]string{"action"},
		),
		AllExhaustedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "launcher_all_credentials_exhausted_total",
				Help: "Times every credential in a pool was simultaneously exhausted",
			},
		),
		QueueDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "launcher_queue_depth",
				Help: "Number of queued requests awaiting dispatch",
			},
		),
		QueueProcessing: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "launcher_queue_processing",
				Help: "Number of requests currently being processed",
			},
		),
		QueueFailed: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "launcher_queue_failed",
				Help: "Number of terminally failed queued requests",
			},
		),
		CredentialUsage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "launcher_credential_usage_ratio",
				Help: "Per-credential quota window usage (0-1)",
			},
			[]string{"credential"},
		),
		CredentialActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "launcher_credentials_active",
				Help: "Number of active credentials in the pool",
			},
		),
		JobsStartedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "launcher_jobs_started_total",
				Help: "Total number of bulk-creation jobs started",
			},
		),
		JobsCompletedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "launcher_jobs_completed_total",
				Help: "Total number of jobs that completed successfully",
			},
		),
		JobsFailedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "launcher_jobs_failed_total",
				Help: "Total number of jobs that failed",
			},
		),
		JobsRolledBackTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "launcher_jobs_rolled_back_total",
				Help: "Total number of jobs rolled back",
			},
		),
		SlotsCreatedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_slots_created_total",
				Help: "Total number of entities created, by type",
			},
			[]string{"entity_type"},
		),
		APIRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "launcher_api_requests_total",
				Help: "Total number of API requests",
			},
			[]string{"method", "path", "status"},
		),
		APIRequestDurationSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "launcher_api_request_duration_seconds",
				Help:    "API request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),

		registry: reg,
	}

	reg.MustRegister(
		m.CallsDispatchedTotal,
		m.CallsQueuedTotal,
		m.CallsFailedTotal,
		m.AllExhaustedTotal,
		m.QueueDepth,
		m.QueueProcessing,
		m.QueueFailed,
		m.CredentialUsage,
		m.CredentialActive,
		m.JobsStartedTotal,
		m.JobsCompletedTotal,
		m.JobsFailedTotal,
		m.JobsRolledBackTotal,
		m.SlotsCreatedTotal,
		m.APIRequestsTotal,
		m.APIRequestDurationSeconds,
	)

	return m
}

// Handler returns the HTTP handler serving this registry.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
