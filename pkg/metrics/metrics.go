package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	TasksTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "conductor_tasks_total",
			Help: "Total number of tasks by state",
		},
		[]string{"state"},
	)

	TasksSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_submitted_total",
			Help: "Total number of tasks submitted, by class and priority",
		},
		[]string{"class", "priority"},
	)

	TasksCompletedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_tasks_completed_total",
			Help: "Total number of tasks that completed successfully",
		},
	)

	TasksFailedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_tasks_failed_total",
			Help: "Total number of tasks that ended in a failure state, by failure kind",
		},
		[]string{"failure_kind"},
	)

	TaskDispatchLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_task_dispatch_latency_seconds",
			Help:    "Time from task submission to first claim",
			Buckets: prometheus.DefBuckets,
		},
	)

	TaskRunDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "conductor_task_run_duration_seconds",
			Help:    "Wall time a task spent in the processing state per attempt",
			Buckets: []float64{1, 5, 15, 30, 60, 180, 600, 1800, 3600},
		},
		[]string{"class"},
	)

	WorkersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_workers_total",
			Help: "Total number of worker pool slots currently alive",
		},
	)

	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_workers_busy",
			Help: "Number of workers currently holding a task claim",
		},
	)

	RateLimitAvailable = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_rate_limit_available",
			Help: "Whether the agent CLI is currently permitted to dispatch work (1 = available)",
		},
	)

	RateLimitHitsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_rate_limit_hits_total",
			Help: "Total number of rate-limit signatures observed in agent output",
		},
	)

	SecurityFindingsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "conductor_security_findings_total",
			Help: "Total number of security gate findings, by severity",
		},
		[]string{"severity"},
	)

	RecoverySweepsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_recovery_sweeps_total",
			Help: "Total number of recovery loop sweep cycles completed",
		},
	)

	RecoveryReleasedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "conductor_recovery_released_total",
			Help: "Total number of tasks released back to retrying by the recovery loop",
		},
	)

	RecoverySweepDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "conductor_recovery_sweep_duration_seconds",
			Help:    "Time spent in one recovery loop sweep cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	DiskFreeBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "conductor_disk_free_bytes",
			Help: "Free bytes on the filesystem backing the data directory, as last observed by the recovery loop",
		},
	)
)

func init() {
	prometheus.MustRegister(
		TasksTotal,
		TasksSubmittedTotal,
		TasksCompletedTotal,
		TasksFailedTotal,
		TaskDispatchLatency,
		TaskRunDuration,
		WorkersTotal,
		WorkersBusy,
		RateLimitAvailable,
		RateLimitHitsTotal,
		SecurityFindingsTotal,
		RecoverySweepsTotal,
		RecoveryReleasedTotal,
		RecoverySweepDuration,
		DiskFreeBytes,
	)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
