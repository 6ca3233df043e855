package observability

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the domain gauges/counters registered directly against the
// default Prometheus registry, which GET /metrics serves. Only
// HTTPRequestsTotal and HTTPRequestDuration are updated (by the router's
// request middleware); the other metrics are registered and exported, but
// nothing in the code sets them.
type Metrics struct {
	TileCacheHitsTotal   *prometheus.CounterVec // by source: disk, sqlite, worker, miss
	HTTPRequestsTotal    *prometheus.CounterVec // by method, path, status
	HTTPRequestDuration  *prometheus.HistogramVec
	WorkerPoolSize       prometheus.Gauge
	WorkerReloadsTotal   prometheus.Counter
	AdmissionQueueDepth  *prometheus.GaugeVec // by port
	AdmissionInFlight    *prometheus.GaugeVec // by port
	JobQueueDepth        *prometheus.GaugeVec // by status
	JobFailuresTotal     prometheus.Counter
	JobCompletionsTotal  prometheus.Counter
}

// NewMetrics registers and returns the domain metric set. Call it once per
// process: registration goes through prometheus.MustRegister, so a
// duplicate registration panics here.
func NewMetrics() *Metrics {
	m := &Metrics{
		TileCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiler_cache_hits_total",
			Help: "Tile cache lookups by resolution source.",
		}, []string{"source"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tiler_http_requests_total",
			Help: "HTTP requests by method, path and status.",
		}, []string{"method", "path", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name: "tiler_http_request_duration_seconds",
			Help: "HTTP request duration in seconds.",
		}, []string{"method", "path", "status"}),
		WorkerPoolSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tiler_worker_pool_size",
			Help: "Number of live worker subprocesses.",
		}),
		WorkerReloadsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiler_worker_reloads_total",
			Help: "Completed worker pool reloads.",
		}),
		AdmissionQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiler_admission_queue_depth",
			Help: "FIFO waiters queued per worker port.",
		}, []string{"port"}),
		AdmissionInFlight: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiler_admission_in_flight",
			Help: "Permits currently checked out per worker port.",
		}, []string{"port"}),
		JobQueueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tiler_job_queue_depth",
			Help: "Jobs in the durable queue by status.",
		}, []string{"status"}),
		JobFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiler_job_failures_total",
			Help: "Job dispatch attempts that failed.",
		}),
		JobCompletionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "tiler_job_completions_total",
			Help: "Jobs that completed successfully.",
		}),
	}

	prometheus.MustRegister(
		m.TileCacheHitsTotal, m.HTTPRequestsTotal, m.HTTPRequestDuration,
		m.WorkerPoolSize, m.WorkerReloadsTotal,
		m.AdmissionQueueDepth, m.AdmissionInFlight,
		m.JobQueueDepth, m.JobFailuresTotal, m.JobCompletionsTotal,
	)
	return m
}
