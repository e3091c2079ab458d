package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/cortexhq/cortex/pkg/config"
)

// MemoryQueue is an in-process Queue with the same claim and retry semantics
// as the Postgres implementation. It backs unit tests and single-process dev
// mode; nothing survives a restart.
type MemoryQueue struct {
	cfg *config.QueueConfig

	mu       sync.Mutex
	nextID   int64
	rows     map[int64]*memoryRow
	started  bool
	released bool

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

type memoryRow struct {
	id          int64
	taskName    string
	payload     json.RawMessage
	jobKey      string
	priority    int
	runAt       time.Time
	attempts    int
	maxAttempts int
	lastError   string
	failed      bool
	claimed     bool
	finished    bool
	createdAt   time.Time
}

// NewMemoryQueue creates an empty in-process queue.
func NewMemoryQueue(cfg *config.QueueConfig) *MemoryQueue {
	return &MemoryQueue{
		cfg:    cfg,
		rows:   make(map[int64]*memoryRow),
		stopCh: make(chan struct{}),
	}
}

// AddJob enqueues a task, deduplicating by JobKey among unfinished rows.
func (q *MemoryQueue) AddJob(ctx context.Context, taskName string, payload any, opts AddJobOptions) error {
	if taskName == "" {
		return errors.New("task name is required")
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal queue payload: %w", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return ErrReleased
	}

	if opts.JobKey != "" {
		for _, r := range q.rows {
			if !r.finished && r.jobKey == opts.JobKey {
				return nil
			}
		}
	}

	runAt := opts.RunAt
	if runAt.IsZero() {
		runAt = time.Now()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	q.nextID++
	q.rows[q.nextID] = &memoryRow{
		id:          q.nextID,
		taskName:    taskName,
		payload:     body,
		jobKey:      opts.JobKey,
		priority:    opts.Priority,
		runAt:       runAt,
		maxAttempts: maxAttempts,
		createdAt:   time.Now(),
	}
	return nil
}

// Run starts the worker goroutines. Safe to call once.
func (q *MemoryQueue) Run(ctx context.Context, opts RunOptions) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.released {
		return ErrReleased
	}
	if q.started {
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

	for i := 0; i < concurrency; i++ {
		q.wg.Add(1)
		go q.runWorker(ctx, opts.TaskList)
	}
	return nil
}

// Release stops the workers and rejects further enqueues.
func (q *MemoryQueue) Release() {
	q.mu.Lock()
	q.released = true
	q.mu.Unlock()
	q.stopOnce.Do(func() { close(q.stopCh) })
	q.wg.Wait()
}

// Depth returns the number of unfinished rows.
func (q *MemoryQueue) Depth(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	depth := 0
	for _, r := range q.rows {
		if !r.finished {
			depth++
		}
	}
	return depth, nil
}

func (q *MemoryQueue) runWorker(ctx context.Context, taskList map[string]TaskHandler) {
	defer q.wg.Done()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ctx.Done():
			return
		default:
			job := q.claimNext(taskList)
			if job == nil {
				q.sleep(q.pollInterval())
				continue
			}
			handler := taskList[job.TaskName]
			if err := handler(ctx, job); err != nil {
				slog.Warn("Memory queue handler failed",
					"queue_job_id", job.ID, "task_name", job.TaskName, "error", err)
				q.markFailed(job.ID, err)
			} else {
				q.markFinished(job.ID)
			}
		}
	}
}

// claimNext picks the runnable row that would win the Postgres claim order:
// priority descending, then run_at, then id.
func (q *MemoryQueue) claimNext(taskList map[string]TaskHandler) *Job {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	var best *memoryRow
	for _, r := range q.rows {
		if r.finished || r.claimed || r.runAt.After(now) || r.attempts >= r.maxAttempts {
			continue
		}
		if _, ok := taskList[r.taskName]; !ok {
			continue
		}
		if best == nil || claimBefore(r, best) {
			best = r
		}
	}
	if best == nil {
		return nil
	}
	best.claimed = true
	return &Job{
		ID:          best.id,
		TaskName:    best.taskName,
		Payload:     best.payload,
		Attempt:     best.attempts + 1,
		MaxAttempts: best.maxAttempts,
		RunAt:       best.runAt,
		CreatedAt:   best.createdAt,
	}
}

func claimBefore(a, b *memoryRow) bool {
	if a.priority != b.priority {
		return a.priority > b.priority
	}
	if !a.runAt.Equal(b.runAt) {
		return a.runAt.Before(b.runAt)
	}
	return a.id < b.id
}

func (q *MemoryQueue) markFinished(id int64) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if r, ok := q.rows[id]; ok {
		r.finished = true
		r.claimed = false
	}
}

func (q *MemoryQueue) markFailed(id int64, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	r, ok := q.rows[id]
	if !ok {
		return
	}
	r.attempts++
	r.lastError = err.Error()
	r.claimed = false
	if r.attempts >= r.maxAttempts {
		r.failed = true
		r.finished = true
	} else {
		r.runAt = time.Now().Add(requeueDelay)
	}
}

func (q *MemoryQueue) sleep(d time.Duration) {
	select {
	case <-q.stopCh:
	case <-time.After(d):
	}
}

func (q *MemoryQueue) pollInterval() time.Duration {
	base := time.Duration(q.cfg.PollInterval)
	jitter := time.Duration(q.cfg.PollIntervalJitter)
	if jitter <= 0 {
		return base
	}
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}
