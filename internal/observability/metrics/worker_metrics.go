package metrics

import (
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	JobTally = "tally"

	BatchDeferredReasonLocked = "locked"
)

// WorkerMetrics captures tally worker health as prometheus series.
type WorkerMetrics struct {
	jobRuns        *prometheus.CounterVec
	jobDuration    *prometheus.HistogramVec
	jobTimeouts    *prometheus.CounterVec
	jobErrors      *prometheus.CounterVec
	bucketsRolled  *prometheus.CounterVec
	batchDeferred  *prometheus.CounterVec
	runLoopLag     prometheus.Histogram
	lastSuccessful *prometheus.GaugeVec
}

// NewWorkerMetrics registers the worker metrics with registerer, the default
// registerer when nil.
func NewWorkerMetrics(registerer prometheus.Registerer, cfg Config) *WorkerMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	serviceName := strings.TrimSpace(cfg.ServiceName)
	if serviceName == "" {
		serviceName = "tally"
	}
	environment := strings.TrimSpace(cfg.Environment)
	if environment == "" {
		environment = "unknown"
	}
	constLabels := prometheus.Labels{
		"service": serviceName,
		"env":     environment,
	}

	m := &WorkerMetrics{
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_worker_job_runs_total",
			Help:        "Tally worker runs by job.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:        "tally_worker_job_duration_seconds",
			Help:        "Tally worker run latency.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobTimeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_worker_job_timeouts_total",
			Help:        "Tally worker runs that hit their deadline.",
			ConstLabels: constLabels,
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_worker_job_errors_total",
			Help:        "Tally worker errors by low-cardinality reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		bucketsRolled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_worker_buckets_rolled_total",
			Help:        "Buckets rolled by granularity.",
			ConstLabels: constLabels,
		}, []string{"granularity"}),
		batchDeferred: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "tally_worker_buckets_deferred_total",
			Help:        "Buckets deferred to a later run by reason.",
			ConstLabels: constLabels,
		}, []string{"job", "reason"}),
		runLoopLag: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "tally_worker_runloop_lag_seconds",
			Help:        "Run loop lag beyond the configured interval.",
			Buckets:     []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
			ConstLabels: constLabels,
		}),
		lastSuccessful: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name:        "tally_worker_last_success_timestamp_seconds",
			Help:        "Unix time of the last run without errors.",
			ConstLabels: constLabels,
		}, []string{"job"}),
	}

	registerer.MustRegister(
		m.jobRuns,
		m.jobDuration,
		m.jobTimeouts,
		m.jobErrors,
		m.bucketsRolled,
		m.batchDeferred,
		m.runLoopLag,
		m.lastSuccessful,
	)
	return m
}

func (m *WorkerMetrics) IncJobRun(job string) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
}

func (m *WorkerMetrics) ObserveJobDuration(job string, duration time.Duration) {
	if m == nil {
		return
	}
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
}

func (m *WorkerMetrics) IncJobTimeout(job string) {
	if m == nil {
		return
	}
	m.jobTimeouts.WithLabelValues(job).Inc()
}

// IncJobError counts err under its classified reason.
func (m *WorkerMetrics) IncJobError(job string, err error) {
	if m == nil || err == nil {
		return
	}
	m.jobErrors.WithLabelValues(job, ClassifyJobReason(err)).Inc()
}

func (m *WorkerMetrics) AddBucketsRolled(granularity string, count int) {
	if m == nil || count <= 0 {
		return
	}
	m.bucketsRolled.WithLabelValues(granularity).Add(float64(count))
}

func (m *WorkerMetrics) IncBatchDeferred(job, reason string) {
	if m == nil {
		return
	}
	m.batchDeferred.WithLabelValues(job, reason).Inc()
}

// ObserveRunLoopLag records lag between the scheduled tick and actual run start.
func (m *WorkerMetrics) ObserveRunLoopLag(lag time.Duration) {
	if m == nil {
		return
	}
	m.runLoopLag.Observe(max(lag, 0).Seconds())
}

func (m *WorkerMetrics) SetLastSuccess(job string, at time.Time) {
	if m == nil {
		return
	}
	m.lastSuccessful.WithLabelValues(job).Set(float64(at.Unix()))
}
