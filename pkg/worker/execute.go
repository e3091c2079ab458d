package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/metrics"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/registry"
	"github.com/cortexhq/cortex/pkg/store"
)

// Handle is the queue handler for agent_execute tasks.
func (w *Worker) Handle(ctx context.Context, qjob *queue.Job) error {
	var payload models.ExecutePayload
	if err := json.Unmarshal(qjob.Payload, &payload); err != nil {
		return fmt.Errorf("malformed agent_execute payload: %w", err)
	}
	if payload.JobID == "" {
		return errors.New("agent_execute payload carries no job_id")
	}
	return w.execute(ctx, payload)
}

// execute drives one delivery. The entry gate makes redelivery harmless: a
// SCHEDULED job is claimed, an unowned RUNNING job (approval resume) is
// adopted, and anything else is dropped.
func (w *Worker) execute(ctx context.Context, payload models.ExecutePayload) error {
	log := w.logger.With("job_id", payload.JobID)

	job, err := w.deps.Jobs.Get(ctx, payload.JobID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("Job row missing, dropping delivery")
			return nil
		}
		return err
	}
	log = log.With("agent_id", job.AgentID)

	switch job.Status {
	case models.JobStatusScheduled:
		now := time.Now().UTC()
		claimed, err := w.deps.Jobs.TransitionStatus(ctx, job.ID,
			models.JobStatusScheduled, models.JobStatusRunning,
			store.TransitionOpts{
				StartedAt:        &now,
				HeartbeatAt:      &now,
				IncrementAttempt: true,
				ClearError:       true,
			})
		if err != nil {
			return err
		}
		if !claimed {
			log.Info("Job claimed elsewhere, dropping delivery")
			return nil
		}
		job.Status = models.JobStatusRunning
		job.Attempt++
		job.StartedAt = &now
		log.Info("Job claimed", "attempt", job.Attempt, "max_attempts", job.MaxAttempts)
		w.broadcastState(ctx, job.AgentID, events.AgentStatePayload{
			JobID:   job.ID,
			AgentID: job.AgentID,
			Status:  models.JobStatusRunning,
			Attempt: job.Attempt,
		})

	case models.JobStatusRunning:
		// An approval resume leaves the job RUNNING with a NULL heartbeat.
		// Adoption is a CAS on that marker: a redelivered row for a job some
		// other worker owns loses it and the delivery is dropped.
		adopted, err := w.deps.Jobs.AdoptRunning(ctx, job.ID)
		if err != nil {
			return err
		}
		if !adopted {
			log.Info("Running job already has an owner, dropping delivery")
			return nil
		}
		log.Info("Adopted resumed job", "attempt", job.Attempt)

	default:
		log.Info("Job not runnable, dropping delivery", "status", job.Status)
		return nil
	}

	return w.run(ctx, log, job, payload)
}

// run executes a claimed RUNNING job end to end.
func (w *Worker) run(ctx context.Context, log *slog.Logger, job *models.Job, payload models.ExecutePayload) error {
	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go w.runHeartbeat(hbCtx, hbDone, log, job.ID)
	defer func() {
		stopHeartbeat()
		<-hbDone
	}()

	window := w.newMemoryWindow(log, job)
	defer window.finish(context.WithoutCancel(ctx))

	agent, err := w.deps.Agents.Get(ctx, job.AgentID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return w.settleThrow(ctx, log, job, backend.NewClassifiedError(
				backend.ClassPermanent, fmt.Errorf("agent %s not found", job.AgentID)))
		}
		return err
	}
	if agent.Status != models.AgentStatusActive {
		return w.settleThrow(ctx, log, job, backend.NewClassifiedError(
			backend.ClassPermanent, fmt.Errorf("agent %s is %s", agent.ID, agent.Status)))
	}

	if agent.RequiresApproval {
		approved, err := w.deps.Approvals.HasApprovedForJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if !approved {
			return w.parkForApproval(ctx, log, job)
		}
	}

	task, preferred, err := w.buildTask(ctx, log, job, agent, payload)
	if err != nil {
		return w.settleThrow(ctx, log, job, err)
	}
	log = log.With("task_id", task.TaskID)

	route, err := w.deps.Router.RouteTask(task, preferred)
	if err != nil {
		if errors.Is(err, registry.ErrNoBackendAvailable) {
			err = backend.NewClassifiedError(backend.ClassResource, err)
		}
		return w.settleThrow(ctx, log, job, err)
	}
	log = log.With("backend_id", route.BackendID)

	permit, err := w.deps.Router.AcquirePermit(ctx, route.BackendID, w.cfg.PermitTimeout.Std())
	if err != nil {
		if errors.Is(err, registry.ErrPermitTimeout) {
			w.deps.Router.RecordOutcome(route.BackendID, false, backend.ClassResource)
			err = backend.NewClassifiedError(backend.ClassResource, err)
		}
		return w.settleThrow(ctx, log, job, err)
	}
	defer permit.Release()

	var tw TranscriptWriter
	if w.deps.Transcripts != nil {
		tw, err = w.deps.Transcripts.Open(job.ID, task.Context.WorkspacePath)
		if err != nil {
			log.Warn("Transcript open failed, continuing without one", "error", err)
			tw = nil
		} else {
			defer tw.Close()
		}
	}

	if job.Attempt <= 1 {
		window.record(ctx, models.RoleUser, task.Instruction.Prompt)
	}

	handle, err := route.Backend.ExecuteTask(ctx, task)
	if err != nil {
		w.deps.Router.RecordOutcome(route.BackendID, false, backend.Classify(err))
		return w.settleThrow(ctx, log, job, err)
	}

	probeCtx, stopProbe := context.WithCancel(ctx)
	probeDone := make(chan struct{})
	go w.runCancelProbe(probeCtx, probeDone, log, job.ID, handle)
	defer func() {
		stopProbe()
		<-probeDone
	}()

	assistant := w.relayEvents(ctx, log, job, task, tw, window, handle)

	result, err := handle.Result(ctx)
	if err != nil {
		return w.settleThrow(ctx, log, job, err)
	}
	return w.settleResult(ctx, log, job, route.BackendID, result, assistant)
}

// parkForApproval moves the job to WAITING_FOR_APPROVAL. The approval
// service resumes it with a fresh delivery once a decision lands; until
// then the job belongs to nobody.
func (w *Worker) parkForApproval(ctx context.Context, log *slog.Logger, job *models.Job) error {
	expiresAt := time.Now().UTC().Add(w.cfg.ApprovalWait.Std())
	moved, err := w.deps.Jobs.TransitionStatus(ctx, job.ID,
		models.JobStatusRunning, models.JobStatusWaitingForApproval,
		store.TransitionOpts{ApprovalExpiresAt: &expiresAt})
	if err != nil {
		return err
	}
	if !moved {
		log.Warn("Job left RUNNING before the approval gate parked it")
		return nil
	}
	log.Info("Job parked for approval", "approval_expires_at", expiresAt)
	w.broadcastState(ctx, job.AgentID, events.AgentStatePayload{
		JobID:   job.ID,
		AgentID: job.AgentID,
		Status:  models.JobStatusWaitingForApproval,
		Attempt: job.Attempt,
	})
	return nil
}

// relayEvents drains the handle's stream, fanning each event out to the
// transcript, the SSE channel, and the memory window. Returns the
// concatenated assistant text for the session log.
func (w *Worker) relayEvents(ctx context.Context, log *slog.Logger, job *models.Job, task *backend.ExecutionTask, tw TranscriptWriter, window *memoryWindow, handle backend.Handle) string {
	var assistant strings.Builder
	for ev := range handle.Events() {
		if tw != nil {
			if err := tw.Append(ev); err != nil {
				log.Warn("Transcript append failed", "error", err)
			}
		}

		if data, err := backend.MarshalEvent(ev); err != nil {
			log.Warn("Output event marshal failed", "error", err)
		} else {
			w.broadcastOutput(ctx, job.AgentID, events.AgentOutputPayload{
				JobID:  job.ID,
				TaskID: task.TaskID,
				Kind:   string(backend.Type(ev)),
				Event:  data,
			})
		}

		if text, ok := ev.(*backend.TextEvent); ok && text.Content != "" {
			assistant.WriteString(text.Content)
			window.record(ctx, models.RoleAssistant, text.Content)
		}
	}
	return assistant.String()
}

// settleResult maps the execution result onto the job row. A retryable
// failed result with attempts left goes through retry scheduling instead of
// landing terminal. Terminal writes run on a background context so shutdown
// cannot orphan a finished execution.
func (w *Worker) settleResult(ctx context.Context, log *slog.Logger, job *models.Job, backendID string, result *backend.ExecutionResult, assistant string) error {
	var class backend.Classification
	if result.Error != nil {
		class = result.Error.Classification
	}
	success := result.Status == backend.StatusCompleted
	w.deps.Router.RecordOutcome(backendID, success, class)
	metrics.RecordExecution(backendID, string(result.Status), time.Duration(result.DurationMs)*time.Millisecond)

	doc, err := json.Marshal(result)
	if err != nil {
		log.Error("Result marshal failed", "error", err)
		doc = nil
	}

	bg := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	switch result.Status {
	case backend.StatusCompleted:
		moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
			models.JobStatusRunning, models.JobStatusCompleted,
			store.TransitionOpts{CompletedAt: &now, Result: doc})
		if err != nil {
			return err
		}
		if !moved {
			log.Info("Job left RUNNING before completion could be recorded")
			return nil
		}
		w.finishTerminal(bg, log, job, models.JobStatusCompleted, nil, result.DurationMs, assistant)
		return nil

	case backend.StatusTimedOut:
		jobErr := &models.JobError{
			Category: string(backend.ClassTimeout),
			Message:  failureMessage(result.Error, "Execution timed out"),
		}
		moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
			models.JobStatusRunning, models.JobStatusTimedOut,
			store.TransitionOpts{CompletedAt: &now, Result: doc, Error: jobErr})
		if err != nil {
			return err
		}
		if !moved {
			log.Info("Timed-out job already settled elsewhere")
			return nil
		}
		w.finishTerminal(bg, log, job, models.JobStatusTimedOut, jobErr, result.DurationMs, assistant)
		return nil

	case backend.StatusCancelled:
		// External cancellation usually wins the terminal CAS before the
		// handle settles; losing here is the expected outcome.
		jobErr := &models.JobError{
			Category: string(backend.ClassPermanent),
			Message:  failureMessage(result.Error, "Execution cancelled"),
		}
		moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
			models.JobStatusRunning, models.JobStatusFailed,
			store.TransitionOpts{CompletedAt: &now, Result: doc, Error: jobErr})
		if err != nil {
			return err
		}
		if !moved {
			log.Info("Cancelled job already settled elsewhere")
			return nil
		}
		w.finishTerminal(bg, log, job, models.JobStatusFailed, jobErr, result.DurationMs, assistant)
		return nil

	default:
		jobErr := &models.JobError{
			Category: failureCategory(class),
			Message:  failureMessage(result.Error, "Execution failed"),
		}
		if class.Retryable() && job.Attempt < job.MaxAttempts {
			return w.scheduleRetry(ctx, log, job, jobErr, doc)
		}
		moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
			models.JobStatusRunning, models.JobStatusFailed,
			store.TransitionOpts{CompletedAt: &now, Result: doc, Error: jobErr})
		if err != nil {
			return err
		}
		if !moved {
			log.Info("Failed job already settled elsewhere")
			return nil
		}
		w.finishTerminal(bg, log, job, models.JobStatusFailed, jobErr, result.DurationMs, assistant)
		return nil
	}
}

// settleThrow implements the error path: classify, retry when the budget
// allows, otherwise land the terminal status. The error is returned either
// way so the queue records the failed delivery.
func (w *Worker) settleThrow(ctx context.Context, log *slog.Logger, job *models.Job, execErr error) error {
	class := backend.Classify(execErr)
	jobErr := &models.JobError{Category: string(class), Message: execErr.Error()}
	bg := context.WithoutCancel(ctx)
	now := time.Now().UTC()

	switch {
	case class == backend.ClassTimeout:
		moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
			models.JobStatusRunning, models.JobStatusTimedOut,
			store.TransitionOpts{CompletedAt: &now, Error: jobErr})
		if err != nil {
			return errors.Join(execErr, err)
		}
		if !moved {
			log.Info("Job left RUNNING before the timeout could be recorded")
			break
		}
		w.finishTerminal(bg, log, job, models.JobStatusTimedOut, jobErr, w.elapsedMs(job), "")

	case class.Retryable() && job.Attempt < job.MaxAttempts:
		if err := w.scheduleRetry(ctx, log, job, jobErr, nil); err != nil {
			return errors.Join(execErr, err)
		}

	default:
		moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
			models.JobStatusRunning, models.JobStatusFailed,
			store.TransitionOpts{CompletedAt: &now, Error: jobErr})
		if err != nil {
			return errors.Join(execErr, err)
		}
		if !moved {
			log.Info("Job left RUNNING before the failure could be recorded")
			break
		}
		w.finishTerminal(bg, log, job, models.JobStatusFailed, jobErr, w.elapsedMs(job), "")
	}
	return execErr
}

// scheduleRetry walks the retry chain: FAILED records the error, RETRYING
// marks the intent, the delayed delivery is enqueued, and SCHEDULED arms
// the entry gate for it. The chain runs on a background context; aborting
// it halfway would strand the job in a state nothing rescues.
func (w *Worker) scheduleRetry(ctx context.Context, log *slog.Logger, job *models.Job, jobErr *models.JobError, result json.RawMessage) error {
	bg := context.WithoutCancel(ctx)

	moved, err := w.deps.Jobs.TransitionStatus(bg, job.ID,
		models.JobStatusRunning, models.JobStatusFailed,
		store.TransitionOpts{Error: jobErr, Result: result})
	if err != nil {
		return err
	}
	if !moved {
		log.Info("Job left RUNNING before retry scheduling")
		return nil
	}

	moved, err = w.deps.Jobs.TransitionStatus(bg, job.ID,
		models.JobStatusFailed, models.JobStatusRetrying, store.TransitionOpts{})
	if err != nil {
		return err
	}
	if !moved {
		// Somebody dead-lettered the failure between the two writes.
		log.Warn("Job left FAILED before the retry could be marked")
		return nil
	}

	// No job key here: the delivery being handled still holds exec:<id>
	// unfinished, and a keyed insert would dedupe against it and vanish.
	// The entry gate makes a stray duplicate delivery harmless anyway.
	delay := w.cfg.RetryDelay(job.Attempt)
	runAt := time.Now().UTC().Add(delay)
	err = w.deps.Queue.AddJob(bg, models.TaskAgentExecute,
		models.ExecutePayload{JobID: job.ID},
		queue.AddJobOptions{RunAt: runAt, MaxAttempts: 1})
	if err != nil {
		log.Error("Retry enqueue failed, job parked in RETRYING", "error", err)
		return fmt.Errorf("enqueue retry for job %s: %w", job.ID, err)
	}

	moved, err = w.deps.Jobs.TransitionStatus(bg, job.ID,
		models.JobStatusRetrying, models.JobStatusScheduled, store.TransitionOpts{})
	if err != nil {
		return err
	}
	if !moved {
		log.Warn("Job left RETRYING before rescheduling")
		return nil
	}

	log.Info("Retry scheduled",
		"attempt", job.Attempt,
		"max_attempts", job.MaxAttempts,
		"delay", delay,
		"run_at", runAt,
		"category", jobErr.Category)
	w.broadcastState(bg, job.AgentID, events.AgentStatePayload{
		JobID:   job.ID,
		AgentID: job.AgentID,
		Status:  models.JobStatusRetrying,
		Attempt: job.Attempt,
		Error:   jobErr,
	})
	return nil
}

// finishTerminal records the metrics, the session turn, and the completion
// broadcast for a terminal CAS this worker won.
func (w *Worker) finishTerminal(ctx context.Context, log *slog.Logger, job *models.Job, status models.JobStatus, jobErr *models.JobError, durationMs int64, assistant string) {
	log.Info("Job settled", "status", status, "duration_ms", durationMs)
	metrics.RecordJobTerminal(string(status))
	w.appendAssistantTurn(ctx, log, job, assistant)
	w.broadcastComplete(ctx, log, job, events.AgentCompletePayload{
		JobID:      job.ID,
		Status:     status,
		Error:      jobErr,
		DurationMs: durationMs,
	})
}

// appendAssistantTurn writes the run's collected text output to the session
// log as one assistant message.
func (w *Worker) appendAssistantTurn(ctx context.Context, log *slog.Logger, job *models.Job, content string) {
	if job.SessionID == nil || content == "" {
		return
	}
	err := w.deps.Sessions.AppendMessage(ctx, &models.SessionMessage{
		SessionID: *job.SessionID,
		JobID:     &job.ID,
		Role:      models.RoleAssistant,
		Content:   content,
	})
	if err != nil {
		log.Warn("Assistant turn write failed", "error", err)
	}
}

// runHeartbeat refreshes heartbeat_at until stopped. The write is a no-op
// once the job leaves RUNNING, so a beat racing the settle is harmless.
func (w *Worker) runHeartbeat(ctx context.Context, done chan<- struct{}, log *slog.Logger, jobID string) {
	defer close(done)
	interval := w.cfg.HeartbeatInterval.Std()
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			alive, err := w.deps.Jobs.Heartbeat(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Heartbeat write failed", "error", err)
				continue
			}
			if !alive {
				log.Debug("Heartbeat skipped, job no longer RUNNING")
			}
		}
	}
}

// runCancelProbe polls the job row and cancels the handle once the status
// leaves RUNNING, which is how external cancellation reaches a live
// execution.
func (w *Worker) runCancelProbe(ctx context.Context, done chan<- struct{}, log *slog.Logger, jobID string, handle backend.Handle) {
	defer close(done)
	interval := w.cfg.CancelProbeInterval.Std()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			job, err := w.deps.Jobs.Get(ctx, jobID)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn("Cancel probe read failed", "error", err)
				continue
			}
			if job.Status != models.JobStatusRunning {
				log.Info("Job left RUNNING externally, cancelling execution", "status", job.Status)
				handle.Cancel("job moved to " + string(job.Status))
				return
			}
		}
	}
}

func (w *Worker) broadcastState(ctx context.Context, agentID string, payload events.AgentStatePayload) {
	if _, err := w.deps.Events.Broadcast(ctx, events.AgentChannel(agentID), events.EventAgentState, payload); err != nil {
		w.logger.Warn("State broadcast failed", "job_id", payload.JobID, "error", err)
	}
}

func (w *Worker) broadcastOutput(ctx context.Context, agentID string, payload events.AgentOutputPayload) {
	if _, err := w.deps.Events.Broadcast(ctx, events.AgentChannel(agentID), events.EventAgentOutput, payload); err != nil {
		w.logger.Warn("Output broadcast failed", "job_id", payload.JobID, "error", err)
	}
}

// broadcastComplete announces a terminal result on the agent channel and on
// the job channel, so a job-scoped subscriber sees it without following the
// whole agent stream.
func (w *Worker) broadcastComplete(ctx context.Context, log *slog.Logger, job *models.Job, payload events.AgentCompletePayload) {
	if _, err := w.deps.Events.Broadcast(ctx, events.AgentChannel(job.AgentID), events.EventAgentComplete, payload); err != nil {
		log.Warn("Completion broadcast failed", "error", err)
	}
	if _, err := w.deps.Events.Broadcast(ctx, events.JobChannel(job.ID), events.EventAgentComplete, payload); err != nil {
		log.Warn("Completion broadcast failed", "channel", "job", "error", err)
	}
}

// elapsedMs measures wall time since the claim, for throw-path completions
// where no backend-reported duration exists.
func (w *Worker) elapsedMs(job *models.Job) int64 {
	if job.StartedAt == nil {
		return 0
	}
	return time.Since(*job.StartedAt).Milliseconds()
}

// failureCategory defaults an unclassified failure to PERMANENT.
func failureCategory(class backend.Classification) string {
	if class == "" {
		return string(backend.ClassPermanent)
	}
	return string(class)
}

func failureMessage(e *backend.ExecutionError, fallback string) string {
	if e != nil && e.Message != "" {
		return e.Message
	}
	return fallback
}

// memoryWindow buffers memory-extract writes for one execution: full
// batches flush at the configured threshold mid-run, and finish hands over
// whatever remains when the job ends, including rows a previous crashed run
// left behind.
type memoryWindow struct {
	worker  *Worker
	log     *slog.Logger
	job     *models.Job
	pending int
}

func (w *Worker) newMemoryWindow(log *slog.Logger, job *models.Job) *memoryWindow {
	return &memoryWindow{worker: w, log: log, job: job}
}

func (m *memoryWindow) enabled() bool {
	return m.job.SessionID != nil && m.worker.memory.MemoryEnabled()
}

func (m *memoryWindow) record(ctx context.Context, role models.MessageRole, content string) {
	if !m.enabled() || content == "" {
		return
	}
	err := m.worker.deps.Memory.RecordMessage(ctx, &models.MemoryExtractMessage{
		SessionID: *m.job.SessionID,
		JobID:     &m.job.ID,
		Role:      string(role),
		Content:   content,
	})
	if err != nil {
		m.log.Warn("Memory record failed", "role", role, "error", err)
		return
	}
	m.pending++
	if threshold := m.worker.memory.FlushThreshold; threshold > 0 && m.pending >= threshold {
		m.flush(ctx)
	}
}

func (m *memoryWindow) flush(ctx context.Context) {
	flushed, err := m.worker.deps.Memory.MarkFlushed(ctx, *m.job.SessionID, time.Now().UTC())
	if err != nil {
		m.log.Warn("Memory flush failed", "error", err)
		return
	}
	m.pending = 0
	m.log.Debug("Memory window flushed", "messages", flushed)
}

func (m *memoryWindow) finish(ctx context.Context) {
	if !m.enabled() {
		return
	}
	state, err := m.worker.deps.Memory.GetState(ctx, *m.job.SessionID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			m.log.Warn("Memory state read failed", "error", err)
		}
		return
	}
	if state.PendingCount == 0 {
		return
	}
	m.flush(ctx)
}
