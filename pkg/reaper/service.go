// Package reaper runs the cron-driven janitor tasks: expiring approval
// requests that outlived their window, failing RUNNING jobs whose
// heartbeat went dead, and pruning old rows from the event log. Reaped
// jobs with attempts left are rescheduled through the same retry chain the
// execution worker uses.
//
// All tasks are idempotent and safe to run from multiple replicas: every
// write is a conditional-put, and a row another replica got to first is
// skipped.
package reaper

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/metrics"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/store"
)

// runTimeout bounds one cron invocation so a wedged database cannot pile
// runs behind it forever.
const runTimeout = 2 * time.Minute

// ApprovalExpirer expires PENDING approval requests past their window.
// The approval service implements it.
type ApprovalExpirer interface {
	ExpireStaleRequests(ctx context.Context) (int, error)
}

// JobStore is the job persistence surface the reaper drives.
type JobStore interface {
	ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Job, error)
	ReapStale(ctx context.Context, id string, cutoff time.Time, jobErr *models.JobError) (bool, error)
	TransitionStatus(ctx context.Context, id string, from, to models.JobStatus, opts store.TransitionOpts) (bool, error)
}

// Enqueuer schedules retry deliveries for reaped jobs.
type Enqueuer interface {
	AddJob(ctx context.Context, taskName string, payload any, opts queue.AddJobOptions) error
}

// EventPruner deletes event rows past the retention window. The event
// store implements it.
type EventPruner interface {
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
}

// Service owns the janitor schedules. Start installs them on a cron
// runner; Stop waits for any in-flight run to finish.
type Service struct {
	cfg       *config.ReaperConfig
	workerCfg *config.WorkerConfig
	approvals ApprovalExpirer
	jobs      JobStore
	eventLog  EventPruner
	queue     Enqueuer
	events    events.Broadcaster
	logger    *slog.Logger

	cron *cron.Cron
}

// NewService creates a reaper. Nil configs fall back to the built-in
// defaults.
func NewService(cfg *config.ReaperConfig, workerCfg *config.WorkerConfig, approvals ApprovalExpirer, jobs JobStore, eventLog EventPruner, q Enqueuer, broadcaster events.Broadcaster, logger *slog.Logger) *Service {
	if cfg == nil {
		cfg = config.DefaultReaperConfig()
	}
	if workerCfg == nil {
		workerCfg = config.DefaultWorkerConfig()
	}
	return &Service{
		cfg:       cfg,
		workerCfg: workerCfg,
		approvals: approvals,
		jobs:      jobs,
		eventLog:  eventLog,
		queue:     q,
		events:    broadcaster,
		logger:    logger.With("component", "reaper"),
	}
}

// Start installs the schedules and begins running them. Calling Start on
// a started service is a no-op.
func (s *Service) Start() error {
	if s.cron != nil {
		return nil
	}

	// An overlapping run would only redo work the conditional-puts already
	// guard against, so skip it instead of stacking goroutines.
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cronLogger{s.logger})))
	if _, err := c.AddFunc(s.cfg.ExpireSchedule, s.expireStaleApprovals); err != nil {
		return fmt.Errorf("invalid expire_schedule %q: %w", s.cfg.ExpireSchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.ReapSchedule, s.reapDeadJobs); err != nil {
		return fmt.Errorf("invalid reap_schedule %q: %w", s.cfg.ReapSchedule, err)
	}
	if _, err := c.AddFunc(s.cfg.PruneSchedule, s.pruneEventLog); err != nil {
		return fmt.Errorf("invalid prune_schedule %q: %w", s.cfg.PruneSchedule, err)
	}
	c.Start()
	s.cron = c

	s.logger.Info("Reaper started",
		"expire_schedule", s.cfg.ExpireSchedule,
		"reap_schedule", s.cfg.ReapSchedule,
		"reap_after", s.cfg.ReapAfter,
		"prune_schedule", s.cfg.PruneSchedule,
		"event_retention", s.cfg.EventRetention)
	return nil
}

// Stop halts the schedules and waits for a running task to finish.
func (s *Service) Stop() {
	if s.cron == nil {
		return
	}
	<-s.cron.Stop().Done()
	s.cron = nil
	s.logger.Info("Reaper stopped")
}

func (s *Service) expireStaleApprovals() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	count, err := s.approvals.ExpireStaleRequests(ctx)
	if err != nil {
		s.logger.Error("Reaper: approval expiry failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Reaper: expired stale approval requests", "count", count)
	}
}

func (s *Service) reapDeadJobs() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	count, err := s.reapOnce(ctx, time.Now().UTC())
	if err != nil {
		s.logger.Error("Reaper: dead job scan failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Reaper: reaped dead jobs", "count", count)
	}
}

// pruneEventLog trims the event log to the retention window. Events are
// only a catchup buffer; a client that was gone longer than the window
// reconnects fresh instead of replaying.
func (s *Service) pruneEventLog() {
	ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
	defer cancel()

	cutoff := time.Now().UTC().Add(-s.cfg.EventRetention.Std())
	count, err := s.eventLog.DeleteOlderThan(ctx, cutoff)
	if err != nil {
		s.logger.Error("Reaper: event log prune failed", "error", err)
		return
	}
	if count > 0 {
		s.logger.Info("Reaper: pruned event log", "count", count, "cutoff", cutoff)
	}
}

// reapOnce fails every RUNNING job whose heartbeat predates the cutoff. The
// staleness predicate rides inside the ReapStale write, so a job a worker
// adopted between the scan and the write is spared. Returns how many jobs
// this pass reaped.
func (s *Service) reapOnce(ctx context.Context, now time.Time) (int, error) {
	cutoff := now.Add(-s.cfg.ReapAfter.Std())
	stale, err := s.jobs.ListStaleRunning(ctx, cutoff)
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, job := range stale {
		jobErr := &models.JobError{
			Category: string(backend.ClassTransient),
			Message:  "heartbeat lost",
		}
		won, err := s.jobs.ReapStale(ctx, job.ID, cutoff, jobErr)
		if err != nil {
			s.logger.Error("Reaper: failed to reap job", "job_id", job.ID, "error", err)
			continue
		}
		if !won {
			continue
		}
		reaped++
		metrics.RecordJobReaped()
		s.logger.Warn("Reaped job with dead heartbeat",
			"job_id", job.ID,
			"agent_id", job.AgentID,
			"heartbeat_at", job.HeartbeatAt,
			"attempt", job.Attempt,
			"max_attempts", job.MaxAttempts)

		if job.Attempt < job.MaxAttempts {
			s.rescheduleReaped(ctx, job, jobErr)
			continue
		}

		metrics.RecordJobTerminal(string(models.JobStatusFailed))
		s.broadcastComplete(ctx, job, events.AgentCompletePayload{
			JobID:  job.ID,
			Status: models.JobStatusFailed,
			Error:  jobErr,
		})
	}
	return reaped, nil
}

// rescheduleReaped walks a reaped job back through FAILED to SCHEDULED with
// a delayed delivery, exactly like the worker's own retry path.
func (s *Service) rescheduleReaped(ctx context.Context, job *models.Job, jobErr *models.JobError) {
	moved, err := s.jobs.TransitionStatus(ctx, job.ID,
		models.JobStatusFailed, models.JobStatusRetrying, store.TransitionOpts{})
	if err != nil {
		s.logger.Error("Reaper: retry marking failed", "job_id", job.ID, "error", err)
		return
	}
	if !moved {
		s.logger.Warn("Reaper: job left FAILED before the retry could be marked", "job_id", job.ID)
		return
	}

	// Unkeyed on purpose: the dead worker's delivery may still hold
	// exec:<id> unfinished, and a keyed insert would dedupe against it and
	// vanish. The worker's entry gate drops the duplicate when the queue
	// eventually reclaims that row.
	delay := s.workerCfg.RetryDelay(job.Attempt)
	runAt := time.Now().UTC().Add(delay)
	err = s.queue.AddJob(ctx, models.TaskAgentExecute,
		models.ExecutePayload{JobID: job.ID},
		queue.AddJobOptions{RunAt: runAt, MaxAttempts: 1})
	if err != nil {
		s.logger.Error("Reaper: retry enqueue failed, job parked in RETRYING",
			"job_id", job.ID, "error", err)
		return
	}

	moved, err = s.jobs.TransitionStatus(ctx, job.ID,
		models.JobStatusRetrying, models.JobStatusScheduled, store.TransitionOpts{})
	if err != nil {
		s.logger.Error("Reaper: rescheduling failed", "job_id", job.ID, "error", err)
		return
	}
	if !moved {
		s.logger.Warn("Reaper: job left RETRYING before rescheduling", "job_id", job.ID)
		return
	}

	s.logger.Info("Reaped job rescheduled",
		"job_id", job.ID,
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"run_at", runAt)
	s.broadcastState(ctx, job.AgentID, events.AgentStatePayload{
		JobID:   job.ID,
		AgentID: job.AgentID,
		Status:  models.JobStatusRetrying,
		Attempt: job.Attempt,
		Error:   jobErr,
	})
}

func (s *Service) broadcastState(ctx context.Context, agentID string, payload events.AgentStatePayload) {
	if _, err := s.events.Broadcast(ctx, events.AgentChannel(agentID), events.EventAgentState, payload); err != nil {
		s.logger.Warn("State broadcast failed", "job_id", payload.JobID, "error", err)
	}
}

func (s *Service) broadcastComplete(ctx context.Context, job *models.Job, payload events.AgentCompletePayload) {
	if _, err := s.events.Broadcast(ctx, events.AgentChannel(job.AgentID), events.EventAgentComplete, payload); err != nil {
		s.logger.Warn("Completion broadcast failed", "job_id", job.ID, "error", err)
	}
	if _, err := s.events.Broadcast(ctx, events.JobChannel(job.ID), events.EventAgentComplete, payload); err != nil {
		s.logger.Warn("Completion broadcast failed", "job_id", job.ID, "channel", "job", "error", err)
	}
}

// cronLogger adapts slog to the cron runner's logger interface. Schedule
// chatter lands at debug; only real errors surface.
type cronLogger struct {
	log *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.log.Debug(msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.log.Error(msg, append([]any{"error", err}, keysAndValues...)...)
}
