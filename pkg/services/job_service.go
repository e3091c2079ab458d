package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/metrics"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/store"
)

// JobService creates, dispatches, and administers jobs. Execution itself
// belongs to the worker; this service covers the API-facing lifecycle
// operations.
type JobService struct {
	db     *store.DB
	queue  queue.Queue
	events events.Broadcaster
	logger *slog.Logger
}

// NewJobService creates a JobService.
func NewJobService(db *store.DB, q queue.Queue, broadcaster events.Broadcaster, logger *slog.Logger) *JobService {
	return &JobService{
		db:     db,
		queue:  q,
		events: broadcaster,
		logger: logger.With("component", "job_service"),
	}
}

// Create persists a job, schedules it, and enqueues its execution. The job
// is committed in SCHEDULED before the enqueue, so a queue outage surfaces
// as an error with the job row already visible.
func (s *JobService) Create(ctx context.Context, req models.CreateJobRequest) (*models.Job, error) {
	if err := validateCreateJob(&req); err != nil {
		return nil, err
	}

	agent, err := loadActiveAgent(ctx, s.db, req.AgentID)
	if err != nil {
		return nil, err
	}

	job := &models.Job{
		AgentID:        req.AgentID,
		Priority:       req.Priority,
		Payload:        req.Payload,
		MaxAttempts:    req.MaxAttempts,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if req.SessionID != "" {
		if _, err := s.db.Sessions.Get(ctx, req.SessionID); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return nil, fmt.Errorf("session %s: %w", req.SessionID, ErrNotFound)
			}
			return nil, err
		}
		job.SessionID = &req.SessionID
	}
	applyAgentLimits(agent, job)

	err = s.db.InTx(ctx, func(tx *store.Stores) error {
		return scheduleJob(ctx, tx, job)
	})
	if err != nil {
		return nil, err
	}

	if err := enqueueExecute(ctx, s.queue, job.ID); err != nil {
		s.logger.Error("Job committed but dispatch enqueue failed", "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("job %s scheduled but enqueue failed: %w", job.ID, err)
	}
	return job, nil
}

// Get returns one job by id.
func (s *JobService) Get(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.db.Jobs.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return job, nil
}

// List returns jobs matching the filters.
func (s *JobService) List(ctx context.Context, f models.JobFilters) (*models.JobListResponse, error) {
	jobs, total, err := s.db.Jobs.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if jobs == nil {
		jobs = []*models.Job{}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return &models.JobListResponse{
		Jobs:       jobs,
		TotalCount: total,
		Limit:      limit,
		Offset:     f.Offset,
	}, nil
}

// Cancel fails a RUNNING or WAITING_FOR_APPROVAL job. A running worker's
// cancel probe observes the status change and tears the execution down;
// a parked job's pending approval requests are expired alongside.
func (s *JobService) Cancel(ctx context.Context, id, reason string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	jobErr := &models.JobError{Category: "PERMANENT", Message: cancelMessage(reason)}
	opts := store.TransitionOpts{Error: jobErr, CompletedAt: &now}

	switch job.Status {
	case models.JobStatusRunning:
		moved, err := s.db.Jobs.TransitionStatus(ctx, id, models.JobStatusRunning, models.JobStatusFailed, opts)
		if err != nil {
			return nil, err
		}
		if !moved {
			return nil, fmt.Errorf("job %s left RUNNING before cancel: %w", id, ErrConcurrentModification)
		}
	case models.JobStatusWaitingForApproval:
		err := s.db.InTx(ctx, func(tx *store.Stores) error {
			moved, err := tx.Jobs.TransitionStatus(ctx, id, models.JobStatusWaitingForApproval, models.JobStatusFailed, opts)
			if err != nil {
				return err
			}
			if !moved {
				return fmt.Errorf("job %s left WAITING_FOR_APPROVAL before cancel: %w", id, ErrConcurrentModification)
			}
			return expirePendingApprovals(ctx, tx, id, now)
		})
		if err != nil {
			return nil, err
		}
	default:
		return nil, fmt.Errorf("job %s is %s: %w", id, job.Status, ErrNotCancellable)
	}

	metrics.RecordJobTerminal(string(models.JobStatusFailed))
	s.broadcastState(ctx, job.AgentID, events.AgentStatePayload{
		JobID:   id,
		AgentID: job.AgentID,
		Status:  models.JobStatusFailed,
		Error:   jobErr,
	})
	return s.Get(ctx, id)
}

// MarkDeadLetter moves a FAILED job to DEAD_LETTER, taking it out of every
// retry path for good.
func (s *JobService) MarkDeadLetter(ctx context.Context, id string) (*models.Job, error) {
	job, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	moved, err := s.db.Jobs.TransitionStatus(ctx, id, models.JobStatusFailed, models.JobStatusDeadLetter, store.TransitionOpts{})
	if err != nil {
		return nil, err
	}
	if !moved {
		return nil, fmt.Errorf("job %s is %s, only FAILED jobs can be dead-lettered: %w", id, job.Status, ErrConcurrentModification)
	}

	metrics.RecordJobTerminal(string(models.JobStatusDeadLetter))
	s.broadcastState(ctx, job.AgentID, events.AgentStatePayload{
		JobID:   id,
		AgentID: job.AgentID,
		Status:  models.JobStatusDeadLetter,
	})
	return s.Get(ctx, id)
}

func (s *JobService) broadcastState(ctx context.Context, agentID string, payload events.AgentStatePayload) {
	if _, err := s.events.Broadcast(ctx, events.AgentChannel(agentID), events.EventAgentState, payload); err != nil {
		s.logger.Warn("State broadcast failed", "job_id", payload.JobID, "error", err)
	}
}

// loadActiveAgent fetches the agent and requires it to be ACTIVE.
func loadActiveAgent(ctx context.Context, db *store.DB, agentID string) (*models.Agent, error) {
	agent, err := db.Agents.Get(ctx, agentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", agentID, ErrNotFound)
		}
		return nil, err
	}
	if agent.Status != models.AgentStatusActive {
		return nil, NewValidationError("agent_id", "agent is not ACTIVE")
	}
	return agent, nil
}

// scheduleJob inserts the job and walks it PENDING to SCHEDULED so the
// lifecycle trigger sees every edge.
func scheduleJob(ctx context.Context, tx *store.Stores, job *models.Job) error {
	if err := tx.Jobs.Create(ctx, job); err != nil {
		return err
	}
	moved, err := tx.Jobs.TransitionStatus(ctx, job.ID, models.JobStatusPending, models.JobStatusScheduled, store.TransitionOpts{})
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("job %s could not be scheduled: %w", job.ID, ErrConcurrentModification)
	}
	job.Status = models.JobStatusScheduled
	return nil
}

// enqueueExecute enqueues one agent_execute delivery for the job, keyed so
// a job cannot sit in the queue twice.
func enqueueExecute(ctx context.Context, q queue.Queue, jobID string) error {
	return q.AddJob(ctx, models.TaskAgentExecute,
		models.ExecutePayload{JobID: jobID},
		queue.AddJobOptions{JobKey: models.ExecJobKey(jobID), MaxAttempts: 1})
}

// expirePendingApprovals expires every PENDING request on the job. Used
// when a parked job is cancelled so its gate cannot be decided afterwards.
func expirePendingApprovals(ctx context.Context, tx *store.Stores, jobID string, now time.Time) error {
	pending, _, err := tx.Approvals.List(ctx, models.ApprovalFilters{
		JobID:  jobID,
		Status: string(models.ApprovalStatusPending),
	})
	if err != nil {
		return err
	}
	for _, req := range pending {
		if _, err := tx.Approvals.Expire(ctx, req.ID, now); err != nil {
			return err
		}
	}
	return nil
}

// applyAgentLimits fills the job's attempt and timeout budgets from the
// agent's resource limits when the request left them unset.
func applyAgentLimits(agent *models.Agent, job *models.Job) {
	if len(agent.ResourceLimits) == 0 {
		return
	}
	var limits models.ResourceLimits
	if err := json.Unmarshal(agent.ResourceLimits, &limits); err != nil {
		return
	}
	if job.MaxAttempts == 0 && limits.MaxAttempts > 0 {
		job.MaxAttempts = limits.MaxAttempts
	}
	if job.TimeoutSeconds == 0 && limits.TimeoutSeconds > 0 {
		job.TimeoutSeconds = limits.TimeoutSeconds
	}
}

func cancelMessage(reason string) string {
	if reason == "" {
		return "Cancelled by operator"
	}
	return "Cancelled by operator: " + reason
}

func validateCreateJob(req *models.CreateJobRequest) error {
	if req.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	if len(req.Payload) == 0 {
		return NewValidationError("payload", "required")
	}
	var payload models.JobPayload
	if err := json.Unmarshal(req.Payload, &payload); err != nil {
		return NewValidationError("payload", "must be a JSON object")
	}
	if payload.Prompt == "" {
		return NewValidationError("payload", "prompt is required")
	}
	if req.Priority < 0 {
		return NewValidationError("priority", "must not be negative")
	}
	if req.MaxAttempts < 0 {
		return NewValidationError("max_attempts", "must not be negative")
	}
	if req.TimeoutSeconds < 0 {
		return NewValidationError("timeout_seconds", "must not be negative")
	}
	return nil
}
