package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TasksByStatus tracks the current queue depth per status.
	TasksByStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "queued_tasks_total",
			Help: "Current number of tasks by status",
		},
		[]string{"status"},
	)

	WorkersActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "queued_workers_active",
			Help: "Number of workers recorded in the workers table as of the last worker listing",
		},
	)

	// Claim protocol metrics
	ClaimLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "queued_claim_latency_seconds",
			Help:    "Time taken by a claim attempt that did not error, from candidate selection to commit, empty polls included",
			Buckets: prometheus.DefBuckets,
		},
	)

	ClaimsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_claims_total",
			Help: "Total number of claim attempts by outcome",
		},
		[]string{"outcome"}, // "claimed", "empty", "error"
	)

	// Execution metrics
	TaskExecutionDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queued_task_execution_duration_seconds",
			Help:    "Handler execution duration in seconds by task type",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"type"},
	)

	TasksSucceededTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_tasks_succeeded_total",
			Help: "Total number of tasks that completed successfully, by type",
		},
		[]string{"type"},
	)

	TasksRetriedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_tasks_retried_total",
			Help: "Total number of failed attempts that were rescheduled for retry, by type",
		},
		[]string{"type"},
	)

	TasksDeadLetteredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_tasks_dead_lettered_total",
			Help: "Total number of tasks moved to dead_letter after exhausting attempts, by type",
		},
		[]string{"type"},
	)

	TasksReclaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "queued_tasks_reclaimed_total",
			Help: "Total number of tasks reclaimed from workers with an expired lease",
		},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "queued_api_requests_total",
			Help: "Total number of HTTP API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "queued_api_request_duration_seconds",
			Help:    "HTTP API request duration in seconds by route",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)
)

func init() {
	prometheus.MustRegister(TasksByStatus)
	prometheus.MustRegister(WorkersActive)
	prometheus.MustRegister(ClaimLatency)
	prometheus.MustRegister(ClaimsTotal)
	prometheus.MustRegister(TaskExecutionDuration)
	prometheus.MustRegister(TasksSucceededTotal)
	prometheus.MustRegister(TasksRetriedTotal)
	prometheus.MustRegister(TasksDeadLetteredTotal)
	prometheus.MustRegister(TasksReclaimedTotal)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	histogram.Observe(time.Since(t.start).Seconds())
}

// ObserveDurationVec records the duration to a histogram vec with labels
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	histogram.WithLabelValues(labels...).Observe(time.Since(t.start).Seconds())
}

// Duration returns the elapsed time since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
