// Package queue provides the durable task queue that drives job dispatch,
// retries, and approval resumes. The control plane only consumes the Queue
// interface; the Postgres implementation is the production path and the
// in-memory one backs unit tests and single-process dev mode.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

// Sentinel errors for queue operations.
var (
	// ErrNoJobsAvailable indicates no runnable rows are in the queue.
	ErrNoJobsAvailable = errors.New("no jobs available")

	// ErrReleased indicates the queue has been shut down and no longer
	// accepts work.
	ErrReleased = errors.New("queue released")
)

// TaskHandler processes one claimed queue job. A nil return finishes the
// job; an error return requeues it until the attempt budget is spent.
type TaskHandler func(ctx context.Context, job *Job) error

// Job is the claimed row handed to a TaskHandler.
type Job struct {
	ID          int64
	TaskName    string
	Payload     json.RawMessage
	Attempt     int // 1-based delivery number
	MaxAttempts int
	RunAt       time.Time
	CreatedAt   time.Time
}

// AddJobOptions tunes a single enqueue.
type AddJobOptions struct {
	// RunAt delays the job until the given time. Zero means runnable now.
	RunAt time.Time

	// MaxAttempts overrides the delivery budget. Zero means 1.
	MaxAttempts int

	// JobKey deduplicates: while an unfinished row holds the same key,
	// further enqueues with it are silent no-ops.
	JobKey string

	// Priority orders claims; higher claims first. Zero is the default.
	Priority int
}

// RunOptions configures the worker pool started by Run.
type RunOptions struct {
	// TaskList binds task names to handlers. Workers only claim rows
	// whose task name appears here.
	TaskList map[string]TaskHandler

	// Concurrency is the number of worker goroutines. Zero falls back to
	// the configured worker count.
	Concurrency int
}

// Queue is the durable task queue contract consumed by the control plane.
type Queue interface {
	// AddJob enqueues a task. A duplicate JobKey among unfinished rows is
	// dropped silently, so enqueueing is idempotent per key.
	AddJob(ctx context.Context, taskName string, payload any, opts AddJobOptions) error

	// Run starts the worker pool and returns once all workers are up.
	Run(ctx context.Context, opts RunOptions) error

	// Release gracefully stops the pool. In-flight handlers finish their
	// current job before their worker exits.
	Release()

	// Depth returns the number of unfinished rows.
	Depth(ctx context.Context) (int, error)
}

// PoolHealth is a point-in-time snapshot of the worker pool.
type PoolHealth struct {
	IsHealthy     bool           `json:"is_healthy"`
	DBReachable   bool           `json:"db_reachable"`
	DBError       string         `json:"db_error,omitempty"`
	PodID         string         `json:"pod_id"`
	ActiveWorkers int            `json:"active_workers"`
	TotalWorkers  int            `json:"total_workers"`
	QueueDepth    int            `json:"queue_depth"`
	WorkerStats   []WorkerHealth `json:"worker_stats"`
}

// WorkerHealth is the per-worker slice of PoolHealth.
type WorkerHealth struct {
	ID            string    `json:"id"`
	Status        string    `json:"status"` // "idle" or "working"
	CurrentJobID  int64     `json:"current_job_id,omitempty"`
	JobsProcessed int       `json:"jobs_processed"`
	LastActivity  time.Time `json:"last_activity"`
}
