package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/metrics"
)

const (
	// requeueDelay is the linear per-attempt delay applied when a handler
	// fails: attempt N reruns after N*requeueDelay.
	requeueDelay = 10 * time.Second

	// reclaimAfter is how long a claimed-but-unfinished row stays
	// invisible before another worker may reclaim it. Covers pods that
	// died between claiming and finishing.
	reclaimAfter = 15 * time.Minute
)

// PostgresQueue is the durable queue over the queue_jobs table. Claims use
// FOR UPDATE SKIP LOCKED so replicas steal work without coordination.
type PostgresQueue struct {
	db    *sql.DB
	podID string
	cfg   *config.QueueConfig

	workers  []*worker
	stopCh   chan struct{}
	stopOnce sync.Once

	mu       sync.Mutex
	started  bool
	released bool
}

// NewPostgresQueue creates a queue bound to the given pool. podID tags
// claimed rows for observability.
func NewPostgresQueue(db *sql.DB, podID string, cfg *config.QueueConfig) *PostgresQueue {
	return &PostgresQueue{
		db:     db,
		podID:  podID,
		cfg:    cfg,
		stopCh: make(chan struct{}),
	}
}

// AddJob enqueues a task. An empty JobKey inserts unconditionally; a
// non-empty key is dropped silently while an unfinished row already holds it.
func (q *PostgresQueue) AddJob(ctx context.Context, taskName string, payload any, opts AddJobOptions) error {
	if q.isReleased() {
		return ErrReleased
	}
	if taskName == "" {
		return errors.New("task name is required")
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	res, err := q.db.ExecContext(ctx,
		`INSERT INTO queue_jobs (task_name, payload, job_key, priority, run_at, max_attempts)
		 VALUES ($1, $2, NULLIF($3, ''), $4, $5, $6)
		 ON CONFLICT (job_key) WHERE finished_at IS NULL DO NOTHING`,
		taskName, body, opts.JobKey, opts.Priority, runAt, maxAttempts)
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskName, err)
	}

	if n, err := res.RowsAffected(); err == nil && n == 0 {
		slog.Debug("Queue enqueue deduplicated by job key",
			"task_name", taskName, "job_key", opts.JobKey)
	}
	return nil
}

// Run starts the worker pool. Safe to call once; duplicate calls are no-ops.
func (q *PostgresQueue) Run(ctx context.Context, opts RunOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return ErrReleased
	}
	if q.started {
		slog.Warn("Queue pool already started, ignoring duplicate Run call", "pod_id", q.podID)
		return nil
	}
	if len(opts.TaskList) == 0 {
		return errors.New("run requires at least one task handler")
	}
	q.started = true

	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = q.cfg.WorkerCount
	}

	claimSQL, claimArgs := buildClaimQuery(opts.TaskList)

	slog.Info("Starting queue worker pool",
		"pod_id", q.podID,
		"concurrency", concurrency,
		"tasks", taskNames(opts.TaskList))

	for i := 0; i < concurrency; i++ {
		w := newWorker(fmt.Sprintf("%s-worker-%d", q.podID, i), q, opts.TaskList, claimSQL, claimArgs)
		q.workers = append(q.workers, w)
		w.start(ctx)
	}
	return nil
}

// Release stops the pool and rejects further enqueues. In-flight handlers
// finish their current job first. Safe to call multiple times.
func (q *PostgresQueue) Release() {
	q.mu.Lock()
	q.released = true
	workers := q.workers
	q.mu.Unlock()

	q.stopOnce.Do(func() { close(q.stopCh) })
	for _, w := range workers {
		w.stop()
	}
	slog.Info("Queue worker pool stopped", "pod_id", q.podID)
}

// Depth returns the number of unfinished rows and refreshes the queue depth
// gauge.
func (q *PostgresQueue) Depth(ctx context.Context) (int, error) {
	var depth int
	err := q.db.QueryRowContext(ctx,
		`SELECT count(*) FROM queue_jobs WHERE finished_at IS NULL`).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	metrics.SetQueueDepth(depth)
	return depth, nil
}

// Health reports pool and database reachability.
func (q *PostgresQueue) Health(ctx context.Context) *PoolHealth {
	depth, err := q.Depth(ctx)

	q.mu.Lock()
	workers := make([]*worker, len(q.workers))
	copy(workers, q.workers)
	q.mu.Unlock()

	stats := make([]WorkerHealth, len(workers))
	active := 0
	for i, w := range workers {
		stats[i] = w.health()
		if stats[i].Status == string(workerStatusWorking) {
			active++
		}
	}

	h := &PoolHealth{
		IsHealthy:     err == nil && len(workers) > 0,
		DBReachable:   err == nil,
		PodID:         q.podID,
		ActiveWorkers: active,
		TotalWorkers:  len(workers),
		QueueDepth:    depth,
		WorkerStats:   stats,
	}
	if err != nil {
		h.DBError = err.Error()
	}
	return h
}

func (q *PostgresQueue) isReleased() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.released
}

// claim atomically claims the highest-priority runnable row for the pool's
// task list. The subselect locks with SKIP LOCKED so concurrent claimers
// never block or double-claim.
func (q *PostgresQueue) claim(ctx context.Context, workerID, claimSQL string, claimArgs []any) (*Job, error) {
	args := make([]any, 0, len(claimArgs)+2)
	args = append(args, workerID, time.Now().Add(-reclaimAfter))
	args = append(args, claimArgs...)

	row := q.db.QueryRowContext(ctx, claimSQL, args...)

	var j Job
	var attempts int
	if err := row.Scan(&j.ID, &j.TaskName, &j.Payload, &attempts, &j.MaxAttempts, &j.RunAt, &j.CreatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNoJobsAvailable
		}
		return nil, fmt.Errorf("claim queue job: %w", err)
	}
	j.Attempt = attempts + 1
	metrics.RecordJobClaimed(j.TaskName)
	return &j, nil
}

// markFinished completes a row after a successful handler run.
func (q *PostgresQueue) markFinished(ctx context.Context, id int64) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs SET finished_at = now() WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("finish queue job %d: %w", id, err)
	}
	return nil
}

// markFailed burns one attempt. Rows with attempts remaining requeue after a
// linear delay; exhausted rows finish with failed = true.
func (q *PostgresQueue) markFailed(ctx context.Context, id int64, handlerErr error) error {
	msg := handlerErr.Error()
	if len(msg) > 2048 {
		msg = msg[:2048]
	}
	_, err := q.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET attempts    = attempts + 1,
		     last_error  = $2,
		     claimed_by  = NULL,
		     claimed_at  = NULL,
		     run_at      = $3,
		     failed      = attempts + 1 >= max_attempts,
		     finished_at = CASE WHEN attempts + 1 >= max_attempts THEN now() END
		 WHERE id = $1 AND finished_at IS NULL`,
		id, msg, time.Now().Add(requeueDelay))
	if err != nil {
		return fmt.Errorf("fail queue job %d: %w", id, err)
	}
	return nil
}

// buildClaimQuery renders the claim statement for a fixed task list. $1 is
// the claiming worker, $2 the reclaim cutoff; task names follow.
func buildClaimQuery(taskList map[string]TaskHandler) (string, []any) {
	names := taskNames(taskList)
	placeholders := make([]string, len(names))
	args := make([]any, len(names))
	for i, name := range names {
		placeholders[i] = fmt.Sprintf("$%d", i+3)
		args[i] = name
	}
	query := `UPDATE queue_jobs
		 SET claimed_by = $1, claimed_at = now()
		 WHERE id = (
		     SELECT id FROM queue_jobs
		     WHERE finished_at IS NULL
		       AND run_at <= now()
		       AND attempts < max_attempts
		       AND (claimed_at IS NULL OR claimed_at < $2)
		       AND task_name IN (` + strings.Join(placeholders, ", ") + `)
		     ORDER BY priority DESC, run_at, id
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING id, task_name, payload, attempts, max_attempts, run_at, created_at`
	return query, args
}

func taskNames(taskList map[string]TaskHandler) []string {
	names := make([]string, 0, len(taskList))
	for name := range taskList {
		names = append(names, name)
	}
	// Deterministic order keeps the claim statement stable across workers.
	sort.Strings(names)
	return names
}
