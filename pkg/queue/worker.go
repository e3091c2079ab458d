package queue

import (
	"context"
	"errors"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
)

// workerStatus represents the current state of a queue worker.
type workerStatus string

const (
	workerStatusIdle    workerStatus = "idle"
	workerStatusWorking workerStatus = "working"
)

// worker is a single polling goroutine claiming and running queue jobs.
type worker struct {
	id        string
	queue     *PostgresQueue
	taskList  map[string]TaskHandler
	claimSQL  string
	claimArgs []any
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup

	// Health tracking
	mu            sync.RWMutex
	status        workerStatus
	currentJobID  int64
	jobsProcessed int
	lastActivity  time.Time
}

func newWorker(id string, q *PostgresQueue, taskList map[string]TaskHandler, claimSQL string, claimArgs []any) *worker {
	return &worker{
		id:           id,
		queue:        q,
		taskList:     taskList,
		claimSQL:     claimSQL,
		claimArgs:    claimArgs,
		stopCh:       make(chan struct{}),
		status:       workerStatusIdle,
		lastActivity: time.Now(),
	}
}

// start begins the polling loop in a goroutine.
func (w *worker) start(ctx context.Context) {
	w.wg.Add(1)
	go w.run(ctx)
}

// stop signals the worker to stop and waits for the current job to finish.
// Safe to call multiple times.
func (w *worker) stop() {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()
}

// health returns the worker's current health snapshot.
func (w *worker) health() WorkerHealth {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return WorkerHealth{
		ID:            w.id,
		Status:        string(w.status),
		CurrentJobID:  w.currentJobID,
		JobsProcessed: w.jobsProcessed,
		LastActivity:  w.lastActivity,
	}
}

// run is the main polling loop.
func (w *worker) run(ctx context.Context) {
	defer w.wg.Done()

	log := slog.With("worker_id", w.id)
	log.Info("Queue worker started")

	for {
		select {
		case <-w.stopCh:
			log.Info("Queue worker shutting down")
			return
		case <-ctx.Done():
			log.Info("Context cancelled, queue worker shutting down")
			return
		default:
			if err := w.pollAndProcess(ctx); err != nil {
				if errors.Is(err, ErrNoJobsAvailable) {
					w.sleep(w.pollInterval())
					continue
				}
				log.Error("Error processing queue job", "error", err)
				w.sleep(time.Second) // Brief backoff on error
			}
		}
	}
}

// sleep waits for the given duration or until stop is signalled.
func (w *worker) sleep(d time.Duration) {
	select {
	case <-w.stopCh:
	case <-time.After(d):
	}
}

// pollAndProcess claims the next runnable job and runs its handler.
func (w *worker) pollAndProcess(ctx context.Context) error {
	job, err := w.queue.claim(ctx, w.id, w.claimSQL, w.claimArgs)
	if err != nil {
		return err
	}

	log := slog.With("queue_job_id", job.ID, "task_name", job.TaskName, "worker_id", w.id)
	log.Info("Queue job claimed", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)

	handler, ok := w.taskList[job.TaskName]
	if !ok {
		// Claims are filtered by task name, so this means the pool was
		// misconfigured. Burn the attempt so the row cannot wedge a worker.
		err := errors.New("no handler registered for task " + job.TaskName)
		if markErr := w.queue.markFailed(ctx, job.ID, err); markErr != nil {
			return markErr
		}
		return err
	}

	w.setStatus(workerStatusWorking, job.ID)
	defer w.setStatus(workerStatusIdle, 0)

	handlerErr := handler(ctx, job)

	// Mark on a background context: a cancelled pool context must not
	// leave the row claimed until the reclaim window lapses.
	markCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if handlerErr != nil {
		log.Warn("Queue job handler failed", "attempt", job.Attempt, "error", handlerErr)
		if err := w.queue.markFailed(markCtx, job.ID, handlerErr); err != nil {
			return err
		}
	} else {
		if err := w.queue.markFinished(markCtx, job.ID); err != nil {
			return err
		}
		log.Info("Queue job finished")
	}

	w.mu.Lock()
	w.jobsProcessed++
	w.mu.Unlock()
	return nil
}

// pollInterval returns the poll duration with jitter.
func (w *worker) pollInterval() time.Duration {
	base := time.Duration(w.queue.cfg.PollInterval)
	jitter := time.Duration(w.queue.cfg.PollIntervalJitter)
	if jitter <= 0 {
		return base
	}
	// Range: [base - jitter, base + jitter]
	offset := time.Duration(rand.Int64N(int64(2 * jitter)))
	return base - jitter + offset
}

// setStatus updates the worker's health tracking state.
func (w *worker) setStatus(status workerStatus, jobID int64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.status = status
	w.currentJobID = jobID
	w.lastActivity = time.Now()
}
