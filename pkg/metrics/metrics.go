// Package metrics defines the Prometheus collectors for cortex.
//
// All collectors are registered with the default registry in init and
// served on GET /metrics by the API server. Naming follows Prometheus
// conventions: cortex_ prefix, _total suffix for counters, _seconds
// suffix for duration histograms. Components update these where natural
// and never read them back; nothing in the system depends on a metric.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// QueueJobsClaimedTotal counts jobs claimed off the queue by type.
	QueueJobsClaimedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_queue_jobs_claimed_total",
			Help: "Total queue jobs claimed by workers.",
		},
		[]string{"type"},
	)

	// QueueDepth is the number of queue jobs currently runnable.
	QueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_queue_depth",
			Help: "Queue jobs pending and due to run.",
		},
	)

	// JobsTerminalTotal counts jobs reaching a terminal status.
	JobsTerminalTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_jobs_terminal_total",
			Help: "Total jobs that reached a terminal status.",
		},
		[]string{"status"},
	)

	// ExecutionDurationSeconds is a histogram of backend execution time.
	ExecutionDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "cortex_execution_duration_seconds",
			Help:    "Duration of backend task executions in seconds.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1200, 1800, 3600},
		},
		[]string{"backend", "status"},
	)

	// SSEConnections is the number of currently open event stream connections.
	SSEConnections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "cortex_sse_connections",
			Help: "Open SSE connections.",
		},
	)

	// SSEEventsDroppedTotal counts events dropped on slow SSE connections.
	SSEEventsDroppedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_sse_events_dropped_total",
			Help: "Total events dropped because an SSE connection could not keep up.",
		},
	)

	// BreakerState reports each backend's circuit breaker state:
	// 0 closed, 1 half-open, 2 open.
	BreakerState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cortex_breaker_state",
			Help: "Circuit breaker state per backend (0 closed, 1 half-open, 2 open).",
		},
		[]string{"backend"},
	)

	// PermitTimeoutsTotal counts routing attempts that gave up waiting
	// for a concurrency permit.
	PermitTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_permit_timeouts_total",
			Help: "Total permit acquisitions that timed out per backend.",
		},
		[]string{"backend"},
	)

	// ApprovalDecisionsTotal counts approval requests by outcome.
	ApprovalDecisionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cortex_approval_decisions_total",
			Help: "Total approval requests resolved, by outcome.",
		},
		[]string{"outcome"},
	)

	// JobsReapedTotal counts RUNNING jobs failed by the reaper after
	// their heartbeat went stale.
	JobsReapedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "cortex_jobs_reaped_total",
			Help: "Total running jobs reaped after losing their heartbeat.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		QueueJobsClaimedTotal,
		QueueDepth,
		JobsTerminalTotal,
		ExecutionDurationSeconds,
		SSEConnections,
		SSEEventsDroppedTotal,
		BreakerState,
		PermitTimeoutsTotal,
		ApprovalDecisionsTotal,
		JobsReapedTotal,
	)
}

// RecordJobClaimed records one claimed queue job.
func RecordJobClaimed(jobType string) {
	QueueJobsClaimedTotal.WithLabelValues(jobType).Inc()
}

// RecordJobTerminal records a job reaching a terminal status.
func RecordJobTerminal(status string) {
	JobsTerminalTotal.WithLabelValues(status).Inc()
}

// RecordExecution records one finished backend execution.
func RecordExecution(backend, status string, duration time.Duration) {
	ExecutionDurationSeconds.WithLabelValues(backend, status).Observe(duration.Seconds())
}

// SetBreakerState records a breaker state change for a backend.
func SetBreakerState(backend, state string) {
	var code float64
	switch state {
	case "closed":
		code = 0
	case "half-open":
		code = 1
	case "open":
		code = 2
	default:
		code = -1
	}
	BreakerState.WithLabelValues(backend).Set(code)
}

// RecordPermitTimeout records one permit acquisition that timed out.
func RecordPermitTimeout(backend string) {
	PermitTimeoutsTotal.WithLabelValues(backend).Inc()
}

// RecordApprovalDecision records one resolved approval request.
func RecordApprovalDecision(outcome string) {
	ApprovalDecisionsTotal.WithLabelValues(outcome).Inc()
}

// SetQueueDepth records the current number of unfinished queue jobs.
func SetQueueDepth(depth int) {
	QueueDepth.Set(float64(depth))
}

// RecordJobReaped records one job failed for losing its heartbeat.
func RecordJobReaped() {
	JobsReapedTotal.Inc()
}
