package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/registry"
)

func TestExecuteHappyPath(t *testing.T) {
	env := newWorkerEnv(t)
	env.jobs.job = scheduledJob()
	env.handle.emit(&backend.TextEvent{Content: "analyzing "})
	env.handle.emit(&backend.ToolUseEvent{ToolName: "go_test"})
	env.handle.emit(&backend.TextEvent{Content: "fixed"})
	env.handle.finish(completedResult(), nil)

	require.NoError(t, env.deliver())

	job := env.jobs.current()
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	require.NotNil(t, job.CompletedAt)
	require.NotEmpty(t, job.Result)
	var result backend.ExecutionResult
	require.NoError(t, json.Unmarshal(job.Result, &result))
	assert.Equal(t, backend.StatusCompleted, result.Status)

	assert.Equal(t, 1, env.permit.releaseCount())

	outcomes := env.router.recorded()
	require.Len(t, outcomes, 1)
	assert.Equal(t, routerOutcome{backendID: "alpha", success: true}, outcomes[0])

	outputs := env.broadcasts.byEvent(events.EventAgentOutput)
	require.Len(t, outputs, 3)
	first, ok := outputs[0].payload.(events.AgentOutputPayload)
	require.True(t, ok)
	assert.Equal(t, "job-1", first.JobID)
	assert.Equal(t, string(backend.EventTypeText), first.Kind)
	assert.NotEmpty(t, first.Event)

	completes := env.broadcasts.byEvent(events.EventAgentComplete)
	require.Len(t, completes, 2, "terminal results go to the agent channel and the job channel")
	assert.Equal(t, events.AgentChannel("agent-1"), completes[0].channel)
	assert.Equal(t, events.JobChannel("job-1"), completes[1].channel)
	done, ok := completes[0].payload.(events.AgentCompletePayload)
	require.True(t, ok)
	assert.Equal(t, models.JobStatusCompleted, done.Status)
	assert.Nil(t, done.Error)
	assert.Equal(t, int64(1200), done.DurationMs)

	require.Len(t, env.transcripts.writers, 1)
	tw := env.transcripts.writers[0]
	assert.Len(t, tw.recorded(), 3)
	assert.True(t, tw.isClosed())

	// no session on this job, so nothing reaches the session or memory stores
	assert.Empty(t, env.sessions.turns())
	assert.Empty(t, env.memory.all())
}

func TestExecuteAgentGate(t *testing.T) {
	t.Run("fails permanently when the agent is missing", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.agents.agent = nil

		err := env.deliver()
		require.Error(t, err)

		job := env.jobs.current()
		assert.Equal(t, models.JobStatusFailed, job.Status)
		require.NotNil(t, job.Error)
		assert.Equal(t, string(backend.ClassPermanent), job.Error.Category)
		assert.Contains(t, job.Error.Message, "not found")
		assert.Empty(t, env.queue.added(), "permanent failures never retry")

		completes := env.broadcasts.byEvent(events.EventAgentComplete)
		require.Len(t, completes, 2)
		done := completes[0].payload.(events.AgentCompletePayload)
		assert.Equal(t, models.JobStatusFailed, done.Status)
		require.NotNil(t, done.Error)
	})

	t.Run("fails permanently when the agent is not active", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.agents.agent.Status = models.AgentStatusInactive

		require.Error(t, env.deliver())
		job := env.jobs.current()
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Contains(t, job.Error.Message, "INACTIVE")
	})
}

func TestExecuteApprovalGate(t *testing.T) {
	t.Run("parks an unapproved job", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.agents.agent.RequiresApproval = true

		require.NoError(t, env.deliver())

		job := env.jobs.current()
		assert.Equal(t, models.JobStatusWaitingForApproval, job.Status)
		require.NotNil(t, job.ApprovalExpiresAt)
		assert.WithinDuration(t, time.Now().UTC().Add(time.Hour), *job.ApprovalExpiresAt, time.Minute)

		states := env.broadcasts.byEvent(events.EventAgentState)
		require.Len(t, states, 2)
		parked := states[1].payload.(events.AgentStatePayload)
		assert.Equal(t, models.JobStatusWaitingForApproval, parked.Status)

		assert.Zero(t, env.router.routedCount(), "a parked job never reaches routing")
		assert.Empty(t, env.broadcasts.byEvent(events.EventAgentComplete))
	})

	t.Run("runs an approved job through", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.agents.agent.RequiresApproval = true
		env.approvals.approved = true
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())
		assert.Equal(t, models.JobStatusCompleted, env.jobs.current().Status)
	})

	t.Run("skips the gate for agents without approval", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())
		assert.Zero(t, env.approvals.calls)
	})
}

func TestExecuteRoutingFailures(t *testing.T) {
	t.Run("schedules a retry when no backend is available", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.router.routeErr = registry.ErrNoBackendAvailable

		err := env.deliver()
		require.Error(t, err)
		assert.ErrorIs(t, err, registry.ErrNoBackendAvailable)

		assert.Equal(t, []string{
			"SCHEDULED>RUNNING",
			"RUNNING>FAILED",
			"FAILED>RETRYING",
			"RETRYING>SCHEDULED",
		}, env.jobs.edges())
		assert.Equal(t, models.JobStatusScheduled, env.jobs.current().Status)

		added := env.queue.added()
		require.Len(t, added, 1)
		assert.Equal(t, models.TaskAgentExecute, added[0].task)
		assert.Equal(t, 1, added[0].opts.MaxAttempts)
		assert.Empty(t, added[0].opts.JobKey,
			"a keyed retry would dedupe against the in-flight delivery and vanish")
		assert.True(t, added[0].opts.RunAt.After(time.Now()))
		payload, ok := added[0].payload.(models.ExecutePayload)
		require.True(t, ok)
		assert.Equal(t, "job-1", payload.JobID)

		states := env.broadcasts.byEvent(events.EventAgentState)
		last := states[len(states)-1].payload.(events.AgentStatePayload)
		assert.Equal(t, models.JobStatusRetrying, last.Status)
		require.NotNil(t, last.Error)
		assert.Equal(t, string(backend.ClassResource), last.Error.Category)

		assert.Empty(t, env.router.recorded(), "no backend to attribute the failure to")
	})

	t.Run("fails terminally when attempts are exhausted", func(t *testing.T) {
		env := newWorkerEnv(t)
		job := scheduledJob()
		job.MaxAttempts = 1
		env.jobs.job = job
		env.router.routeErr = registry.ErrNoBackendAvailable

		require.Error(t, env.deliver())
		final := env.jobs.current()
		assert.Equal(t, models.JobStatusFailed, final.Status)
		assert.Equal(t, string(backend.ClassResource), final.Error.Category)
		assert.Empty(t, env.queue.added())
	})

	t.Run("counts a permit timeout toward the breaker", func(t *testing.T) {
		env := newWorkerEnv(t)
		job := scheduledJob()
		job.MaxAttempts = 1
		env.jobs.job = job
		env.router.permitErr = registry.ErrPermitTimeout

		err := env.deliver()
		require.Error(t, err)
		assert.ErrorIs(t, err, registry.ErrPermitTimeout)

		outcomes := env.router.recorded()
		require.Len(t, outcomes, 1)
		assert.Equal(t, routerOutcome{backendID: "alpha", success: false, class: backend.ClassResource}, outcomes[0])
		assert.Equal(t, models.JobStatusFailed, env.jobs.current().Status)
	})

	t.Run("records the outcome when the backend rejects the task", func(t *testing.T) {
		env := newWorkerEnv(t)
		job := scheduledJob()
		job.MaxAttempts = 1
		env.jobs.job = job
		env.backend.execErr = backend.NewClassifiedError(backend.ClassPermanent,
			errors.New("unsupported instruction"))

		require.Error(t, env.deliver())

		outcomes := env.router.recorded()
		require.Len(t, outcomes, 1)
		assert.False(t, outcomes[0].success)
		assert.Equal(t, backend.ClassPermanent, outcomes[0].class)
		assert.Equal(t, models.JobStatusFailed, env.jobs.current().Status)
		assert.Equal(t, 1, env.permit.releaseCount(), "the permit is released on the error path")
	})
}

func TestExecuteSettlesResults(t *testing.T) {
	t.Run("lands TIMED_OUT for a timed out result", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.handle.finish(&backend.ExecutionResult{
			Status:     backend.StatusTimedOut,
			DurationMs: 1800000,
			Error: &backend.ExecutionError{
				Message:        "deadline exceeded after 30m",
				Classification: backend.ClassTimeout,
			},
		}, nil)

		require.NoError(t, env.deliver())

		job := env.jobs.current()
		assert.Equal(t, models.JobStatusTimedOut, job.Status)
		require.NotNil(t, job.Error)
		assert.Equal(t, string(backend.ClassTimeout), job.Error.Category)
		assert.Equal(t, "deadline exceeded after 30m", job.Error.Message)
		assert.Empty(t, env.queue.added(), "timeouts are terminal")
	})

	t.Run("retries a retryable failure with attempts left", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.handle.finish(&backend.ExecutionResult{
			Status: backend.StatusFailed,
			Error: &backend.ExecutionError{
				Message:        "connection reset by peer",
				Classification: backend.ClassTransient,
			},
		}, nil)

		// a settled result consumes the delivery cleanly even when it retries
		require.NoError(t, env.deliver())

		assert.Equal(t, []string{
			"SCHEDULED>RUNNING",
			"RUNNING>FAILED",
			"FAILED>RETRYING",
			"RETRYING>SCHEDULED",
		}, env.jobs.edges())

		final := env.jobs.current()
		assert.Equal(t, models.JobStatusScheduled, final.Status)
		require.NotNil(t, final.Error)
		assert.Equal(t, string(backend.ClassTransient), final.Error.Category)
		assert.NotEmpty(t, final.Result, "the failed attempt's result stays on the row")

		added := env.queue.added()
		require.Len(t, added, 1)
		delay := time.Until(added[0].opts.RunAt)
		assert.Greater(t, delay, 500*time.Millisecond)
		assert.Less(t, delay, 2*time.Second)

		outcomes := env.router.recorded()
		require.Len(t, outcomes, 1)
		assert.Equal(t, routerOutcome{backendID: "alpha", success: false, class: backend.ClassTransient}, outcomes[0])

		assert.Empty(t, env.broadcasts.byEvent(events.EventAgentComplete),
			"a retry is not a terminal result")
	})

	t.Run("fails terminally on a permanent failure", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.handle.finish(&backend.ExecutionResult{
			Status: backend.StatusFailed,
			Error: &backend.ExecutionError{
				Message:        "instruction rejected",
				Classification: backend.ClassPermanent,
			},
		}, nil)

		require.NoError(t, env.deliver())

		job := env.jobs.current()
		assert.Equal(t, models.JobStatusFailed, job.Status)
		assert.Equal(t, string(backend.ClassPermanent), job.Error.Category)
		assert.Empty(t, env.queue.added())
		require.Len(t, env.broadcasts.byEvent(events.EventAgentComplete), 2)
	})

	t.Run("maps a cancelled result to FAILED", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.handle.finish(&backend.ExecutionResult{Status: backend.StatusCancelled}, nil)

		require.NoError(t, env.deliver())

		job := env.jobs.current()
		assert.Equal(t, models.JobStatusFailed, job.Status)
		require.NotNil(t, job.Error)
		assert.Equal(t, string(backend.ClassPermanent), job.Error.Category)
		assert.Equal(t, "Execution cancelled", job.Error.Message)
	})

	t.Run("lands TIMED_OUT when the result itself is lost to a timeout", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.handle.finish(nil, context.DeadlineExceeded)

		err := env.deliver()
		require.Error(t, err)
		assert.ErrorIs(t, err, context.DeadlineExceeded)

		job := env.jobs.current()
		assert.Equal(t, models.JobStatusTimedOut, job.Status)
		assert.Equal(t, string(backend.ClassTimeout), job.Error.Category)
	})

	t.Run("parks the job in RETRYING when the retry enqueue fails", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.router.routeErr = registry.ErrNoBackendAvailable
		env.queue.err = errors.New("queue unavailable")

		require.Error(t, env.deliver())
		assert.Equal(t, models.JobStatusRetrying, env.jobs.current().Status)
	})
}

func TestExecuteTranscripts(t *testing.T) {
	t.Run("continues when the transcript cannot be opened", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.jobs.job = scheduledJob()
		env.transcripts.openErr = errors.New("disk full")
		env.handle.emit(&backend.TextEvent{Content: "still streaming"})
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())
		assert.Equal(t, models.JobStatusCompleted, env.jobs.current().Status)
		assert.Len(t, env.broadcasts.byEvent(events.EventAgentOutput), 1)
	})

	t.Run("runs without a transcript store at all", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.worker.deps.Transcripts = nil
		env.jobs.job = scheduledJob()
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())
		assert.Equal(t, models.JobStatusCompleted, env.jobs.current().Status)
	})
}

func TestExecuteSessionFlow(t *testing.T) {
	env := newWorkerEnv(t)
	job := scheduledJob()
	sid := "sess-1"
	job.SessionID = &sid
	env.jobs.job = job
	env.sessions.history = []*models.SessionMessage{
		{SessionID: sid, Role: models.RoleUser, Content: "earlier question"},
		{SessionID: sid, Role: models.RoleAssistant, Content: "earlier answer"},
	}
	env.memory.pending = []*models.MemoryExtractMessage{
		{SessionID: sid, Content: "prefers table-driven tests"},
	}
	env.handle.emit(&backend.TextEvent{Content: "working on it. "})
	env.handle.emit(&backend.TextEvent{Content: "done."})
	env.handle.finish(completedResult(), nil)

	require.NoError(t, env.deliver())

	tasks := env.backend.executed()
	require.Len(t, tasks, 1)
	require.Len(t, tasks[0].Context.History, 2)
	assert.Equal(t, "earlier question", tasks[0].Context.History[0].Content)
	assert.Equal(t, []string{"prefers table-driven tests"}, tasks[0].Context.Memories)
	assert.Equal(t, sid, tasks[0].Context.SessionID)

	// the user turn plus both text chunks hit the extraction window
	recorded := env.memory.all()
	require.Len(t, recorded, 3)
	assert.Equal(t, string(models.RoleUser), recorded[0].Role)
	assert.Equal(t, "fix the flaky build", recorded[0].Content)
	assert.Equal(t, string(models.RoleAssistant), recorded[1].Role)
	assert.Equal(t, "working on it. ", recorded[1].Content)

	// threshold 3 flushed mid-run, leaving nothing for the end-of-job flush
	assert.Equal(t, 1, env.memory.flushCount())
	assert.Zero(t, env.memory.pendingCount())

	turns := env.sessions.turns()
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleAssistant, turns[0].Role)
	assert.Equal(t, "working on it. done.", turns[0].Content)
	require.NotNil(t, turns[0].JobID)
	assert.Equal(t, "job-1", *turns[0].JobID)
}

func TestExecuteMemoryWindow(t *testing.T) {
	t.Run("flushes the remainder when the job ends", func(t *testing.T) {
		env := newWorkerEnv(t)
		job := scheduledJob()
		sid := "sess-1"
		job.SessionID = &sid
		env.jobs.job = job
		env.handle.emit(&backend.TextEvent{Content: "short answer"})
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())

		assert.Len(t, env.memory.all(), 2)
		assert.Equal(t, 1, env.memory.flushCount())
		assert.Zero(t, env.memory.pendingCount())
	})

	t.Run("stays quiet when memory extraction is disabled", func(t *testing.T) {
		env := newWorkerEnv(t)
		env.worker.memory = &config.MemoryConfig{Enabled: config.BoolPtr(false)}
		job := scheduledJob()
		sid := "sess-1"
		job.SessionID = &sid
		env.jobs.job = job
		env.handle.emit(&backend.TextEvent{Content: "short answer"})
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())

		assert.Empty(t, env.memory.all())
		assert.Zero(t, env.memory.flushCount())
		assert.Zero(t, env.memory.listCalls, "pending memories are not read either")
	})

	t.Run("survives record failures", func(t *testing.T) {
		env := newWorkerEnv(t)
		job := scheduledJob()
		sid := "sess-1"
		job.SessionID = &sid
		env.jobs.job = job
		env.memory.recordErr = errors.New("table locked")
		env.handle.emit(&backend.TextEvent{Content: "short answer"})
		env.handle.finish(completedResult(), nil)

		require.NoError(t, env.deliver())
		assert.Equal(t, models.JobStatusCompleted, env.jobs.current().Status)
	})
}

func TestExecuteHeartbeat(t *testing.T) {
	env := newWorkerEnv(t)
	env.jobs.job = scheduledJob()

	done := make(chan error, 1)
	go func() { done <- env.deliver() }()

	require.Eventually(t, func() bool { return env.jobs.beatCount() >= 2 },
		time.Second, 5*time.Millisecond, "the heartbeat never fired")

	env.handle.finish(completedResult(), nil)
	require.NoError(t, <-done)
	assert.Equal(t, models.JobStatusCompleted, env.jobs.current().Status)
}

func TestExecuteCancelProbe(t *testing.T) {
	env := newWorkerEnv(t)
	env.jobs.job = scheduledJob()
	env.handle.finishOnCancel = &backend.ExecutionResult{
		Status: backend.StatusCancelled,
		Error: &backend.ExecutionError{
			Message:        "cancelled by operator",
			Classification: backend.ClassPermanent,
		},
	}

	done := make(chan error, 1)
	go func() { done <- env.deliver() }()

	require.Eventually(t, func() bool {
		return env.jobs.current().Status == models.JobStatusRunning
	}, time.Second, 5*time.Millisecond)

	// an external cancel moves the job out of RUNNING; the probe notices
	env.jobs.forceStatus(models.JobStatusFailed)

	require.NoError(t, <-done)
	cancels := env.handle.cancelled()
	require.NotEmpty(t, cancels)
	assert.Contains(t, cancels[0], "FAILED")
	assert.Equal(t, models.JobStatusFailed, env.jobs.current().Status)
}
