package store

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/test/util"
)

func newTestDB(t *testing.T) *DB {
	t.Helper()
	db, _ := util.SetupTestDatabase(t)
	return NewDB(db)
}

func newAgent(t *testing.T, ctx context.Context, db *DB) *models.Agent {
	t.Helper()
	a := &models.Agent{
		Name: "Deploy Bot",
		Slug: "deploy-bot-" + uuid.NewString()[:8],
	}
	require.NoError(t, db.Agents.Create(ctx, a))
	return a
}

func newJob(t *testing.T, ctx context.Context, db *DB, agentID string) *models.Job {
	t.Helper()
	j := &models.Job{
		AgentID: agentID,
		Payload: json.RawMessage(`{"prompt":"run the deploy"}`),
	}
	require.NoError(t, db.Jobs.Create(ctx, j))
	return j
}

// newRunningJob walks a fresh job through the legal edges up to RUNNING.
func newRunningJob(t *testing.T, ctx context.Context, db *DB, agentID string) *models.Job {
	t.Helper()
	j := newJob(t, ctx, db, agentID)
	mustTransition(t, ctx, db, j.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})
	now := time.Now().UTC()
	mustTransition(t, ctx, db, j.ID, models.JobStatusScheduled, models.JobStatusRunning,
		TransitionOpts{StartedAt: &now, HeartbeatAt: &now})
	return j
}

func mustTransition(t *testing.T, ctx context.Context, db *DB, id string, from, to models.JobStatus, opts TransitionOpts) {
	t.Helper()
	ok, err := db.Jobs.TransitionStatus(ctx, id, from, to, opts)
	require.NoError(t, err)
	require.True(t, ok, "transition %s -> %s should win", from, to)
}

func newTokenHash() string {
	sum := sha256.Sum256([]byte(uuid.NewString()))
	return hex.EncodeToString(sum[:])
}

func newApproval(t *testing.T, ctx context.Context, db *DB, jobID, agentID string) *models.ApprovalRequest {
	t.Helper()
	a := &models.ApprovalRequest{
		JobID:         jobID,
		AgentID:       agentID,
		ActionType:    "shell_command",
		ActionSummary: "rm -rf /tmp/build",
		TokenHash:     newTokenHash(),
		RiskLevel:     models.RiskP1,
		ExpiresAt:     time.Now().UTC().Add(24 * time.Hour),
	}
	require.NoError(t, db.Approvals.Create(ctx, a))
	return a
}

func TestAgentStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t.Run("create fills defaults and round-trips", func(t *testing.T) {
		a := &models.Agent{
			Name:        "Review Bot",
			Slug:        "review-bot",
			Role:        "reviewer",
			ModelConfig: json.RawMessage(`{"model":"large","max_turns":20}`),
		}
		require.NoError(t, db.Agents.Create(ctx, a))
		assert.NotEmpty(t, a.ID)
		assert.Equal(t, models.AgentStatusActive, a.Status)
		assert.False(t, a.CreatedAt.IsZero())

		got, err := db.Agents.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, "Review Bot", got.Name)
		assert.JSONEq(t, `{"model":"large","max_turns":20}`, string(got.ModelConfig))

		bySlug, err := db.Agents.GetBySlug(ctx, "review-bot")
		require.NoError(t, err)
		assert.Equal(t, a.ID, bySlug.ID)
	})

	t.Run("missing rows map to ErrNotFound", func(t *testing.T) {
		_, err := db.Agents.Get(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)

		_, err = db.Agents.GetBySlug(ctx, "no-such-agent")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("duplicate slug is rejected", func(t *testing.T) {
		first := &models.Agent{Name: "One", Slug: "dup-slug"}
		require.NoError(t, db.Agents.Create(ctx, first))

		second := &models.Agent{Name: "Two", Slug: "dup-slug"}
		assert.Error(t, db.Agents.Create(ctx, second))
	})

	t.Run("update status", func(t *testing.T) {
		a := newAgent(t, ctx, db)

		ok, err := db.Agents.UpdateStatus(ctx, a.ID, models.AgentStatusInactive)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := db.Agents.Get(ctx, a.ID)
		require.NoError(t, err)
		assert.Equal(t, models.AgentStatusInactive, got.Status)

		ok, err = db.Agents.UpdateStatus(ctx, uuid.NewString(), models.AgentStatusInactive)
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("delete is blocked while jobs reference the agent", func(t *testing.T) {
		a := newAgent(t, ctx, db)
		newJob(t, ctx, db, a.ID)

		assert.Error(t, db.Agents.Delete(ctx, a.ID), "FK should reject the delete")

		b := newAgent(t, ctx, db)
		require.NoError(t, db.Agents.Delete(ctx, b.ID))
		_, err := db.Agents.Get(ctx, b.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestJobStoreCreate(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)

	j := newJob(t, ctx, db, agent.ID)
	assert.NotEmpty(t, j.ID)
	assert.Equal(t, models.JobStatusPending, j.Status)
	assert.Equal(t, DefaultPriority, j.Priority)
	assert.Equal(t, DefaultMaxAttempts, j.MaxAttempts)
	assert.Equal(t, DefaultTimeoutSeconds, j.TimeoutSeconds)
	assert.Equal(t, 0, j.Attempt)

	got, err := db.Jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.JSONEq(t, `{"prompt":"run the deploy"}`, string(got.Payload))
	assert.Nil(t, got.SessionID)
	assert.Nil(t, got.StartedAt)

	_, err = db.Jobs.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestJobStoreTransitionStatus(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)

	t.Run("legal chain carries column writes", func(t *testing.T) {
		j := newJob(t, ctx, db, agent.ID)

		mustTransition(t, ctx, db, j.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})

		started := time.Now().UTC().Truncate(time.Millisecond)
		mustTransition(t, ctx, db, j.ID, models.JobStatusScheduled, models.JobStatusRunning,
			TransitionOpts{StartedAt: &started, HeartbeatAt: &started, IncrementAttempt: true})

		got, err := db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, got.Status)
		assert.Equal(t, 1, got.Attempt)
		require.NotNil(t, got.StartedAt)
		assert.WithinDuration(t, started, *got.StartedAt, time.Second)

		done := time.Now().UTC()
		mustTransition(t, ctx, db, j.ID, models.JobStatusRunning, models.JobStatusCompleted,
			TransitionOpts{CompletedAt: &done, Result: json.RawMessage(`{"exit_code":0}`)})

		got, err = db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusCompleted, got.Status)
		assert.JSONEq(t, `{"exit_code":0}`, string(got.Result))
		assert.NotNil(t, got.CompletedAt)
	})

	t.Run("lost race returns false without error", func(t *testing.T) {
		j := newJob(t, ctx, db, agent.ID)
		mustTransition(t, ctx, db, j.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})

		// The job is SCHEDULED now, so a writer still assuming PENDING loses.
		ok, err := db.Jobs.TransitionStatus(ctx, j.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusScheduled, got.Status)
	})

	t.Run("illegal edge surfaces the trigger error", func(t *testing.T) {
		j := newRunningJob(t, ctx, db, agent.ID)

		_, err := db.Jobs.TransitionStatus(ctx, j.ID, models.JobStatusRunning, models.JobStatusScheduled, TransitionOpts{})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "illegal job status transition")
	})

	t.Run("error document is written and cleared", func(t *testing.T) {
		j := newRunningJob(t, ctx, db, agent.ID)

		mustTransition(t, ctx, db, j.ID, models.JobStatusRunning, models.JobStatusFailed,
			TransitionOpts{Error: &models.JobError{Category: "TRANSIENT", Message: "backend unavailable"}})

		got, err := db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		require.NotNil(t, got.Error)
		assert.Equal(t, "TRANSIENT", got.Error.Category)

		mustTransition(t, ctx, db, j.ID, models.JobStatusFailed, models.JobStatusRetrying, TransitionOpts{})
		mustTransition(t, ctx, db, j.ID, models.JobStatusRetrying, models.JobStatusScheduled,
			TransitionOpts{ClearError: true})

		got, err = db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Nil(t, got.Error)
	})
}

func TestJobStoreHeartbeat(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)
	j := newRunningJob(t, ctx, db, agent.ID)

	before, err := db.Jobs.Get(ctx, j.ID)
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)
	ok, err := db.Jobs.Heartbeat(ctx, j.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	after, err := db.Jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	require.NotNil(t, after.HeartbeatAt)
	assert.True(t, after.HeartbeatAt.After(*before.HeartbeatAt), "heartbeat_at should move forward")

	done := time.Now().UTC()
	mustTransition(t, ctx, db, j.ID, models.JobStatusRunning, models.JobStatusCompleted,
		TransitionOpts{CompletedAt: &done})

	ok, err = db.Jobs.Heartbeat(ctx, j.ID)
	require.NoError(t, err)
	assert.False(t, ok, "heartbeat against a finished job must report false")
}

func TestJobStoreAdoptRunning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)

	t.Run("claims an unowned resume exactly once", func(t *testing.T) {
		j := newRunningJob(t, ctx, db, agent.ID)
		mustTransition(t, ctx, db, j.ID, models.JobStatusRunning, models.JobStatusWaitingForApproval, TransitionOpts{})
		mustTransition(t, ctx, db, j.ID, models.JobStatusWaitingForApproval, models.JobStatusRunning,
			TransitionOpts{ClearHeartbeat: true})

		got, err := db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Nil(t, got.HeartbeatAt, "a resumed job starts unowned")

		ok, err := db.Jobs.AdoptRunning(ctx, j.ID)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err = db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.NotNil(t, got.HeartbeatAt)

		ok, err = db.Jobs.AdoptRunning(ctx, j.ID)
		require.NoError(t, err)
		assert.False(t, ok, "a second adopter must lose")
	})

	t.Run("never adopts a job that has an owner", func(t *testing.T) {
		j := newRunningJob(t, ctx, db, agent.ID)

		ok, err := db.Jobs.AdoptRunning(ctx, j.ID)
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestJobStoreReapStale(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)
	jobErr := &models.JobError{Category: "TRANSIENT", Message: "heartbeat lost"}

	t.Run("fails a job whose heartbeat stayed stale", func(t *testing.T) {
		j := newJob(t, ctx, db, agent.ID)
		mustTransition(t, ctx, db, j.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})
		old := time.Now().UTC().Add(-5 * time.Minute)
		mustTransition(t, ctx, db, j.ID, models.JobStatusScheduled, models.JobStatusRunning,
			TransitionOpts{StartedAt: &old, HeartbeatAt: &old})

		ok, err := db.Jobs.ReapStale(ctx, j.ID, time.Now().UTC().Add(-90*time.Second), jobErr)
		require.NoError(t, err)
		assert.True(t, ok)

		got, err := db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "heartbeat lost", got.Error.Message)
	})

	t.Run("fails an unowned resume nobody adopted", func(t *testing.T) {
		j := newRunningJob(t, ctx, db, agent.ID)
		mustTransition(t, ctx, db, j.ID, models.JobStatusRunning, models.JobStatusWaitingForApproval, TransitionOpts{})
		mustTransition(t, ctx, db, j.ID, models.JobStatusWaitingForApproval, models.JobStatusRunning,
			TransitionOpts{ClearHeartbeat: true})

		ok, err := db.Jobs.ReapStale(ctx, j.ID, time.Now().UTC().Add(-90*time.Second), jobErr)
		require.NoError(t, err)
		assert.True(t, ok, "a NULL heartbeat counts as stale")
	})

	t.Run("spares a job adopted after the scan", func(t *testing.T) {
		// Scanned as stale, but a worker beat the heart before the write.
		j := newRunningJob(t, ctx, db, agent.ID)

		ok, err := db.Jobs.ReapStale(ctx, j.ID, time.Now().UTC().Add(-90*time.Second), jobErr)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.Jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusRunning, got.Status)
	})
}

func TestJobStoreListStaleRunning(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)

	// Stale: last heartbeat five minutes ago.
	stale := newJob(t, ctx, db, agent.ID)
	mustTransition(t, ctx, db, stale.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})
	old := time.Now().UTC().Add(-5 * time.Minute)
	mustTransition(t, ctx, db, stale.ID, models.JobStatusScheduled, models.JobStatusRunning,
		TransitionOpts{StartedAt: &old, HeartbeatAt: &old})

	// Stale: RUNNING but never heartbeat at all.
	silent := newJob(t, ctx, db, agent.ID)
	mustTransition(t, ctx, db, silent.ID, models.JobStatusPending, models.JobStatusScheduled, TransitionOpts{})
	mustTransition(t, ctx, db, silent.ID, models.JobStatusScheduled, models.JobStatusRunning, TransitionOpts{})

	// Healthy: fresh heartbeat.
	newRunningJob(t, ctx, db, agent.ID)
	// Not RUNNING at all.
	newJob(t, ctx, db, agent.ID)

	got, err := db.Jobs.ListStaleRunning(ctx, time.Now().UTC().Add(-90*time.Second))
	require.NoError(t, err)
	require.Len(t, got, 2)
	// NULL heartbeats sort first.
	assert.Equal(t, silent.ID, got[0].ID)
	assert.Equal(t, stale.ID, got[1].ID)
}

func TestJobStoreList(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agentA := newAgent(t, ctx, db)
	agentB := newAgent(t, ctx, db)

	sess := &models.Session{AgentID: agentA.ID, UserAccountID: "U100"}
	require.NoError(t, db.Sessions.Create(ctx, sess))

	j1 := newJob(t, ctx, db, agentA.ID)
	j2 := &models.Job{AgentID: agentA.ID, SessionID: &sess.ID}
	require.NoError(t, db.Jobs.Create(ctx, j2))
	j3 := newRunningJob(t, ctx, db, agentA.ID)
	j4 := newJob(t, ctx, db, agentB.ID)

	t.Run("agent filter with count", func(t *testing.T) {
		jobs, total, err := db.Jobs.List(ctx, models.JobFilters{AgentID: agentA.ID})
		require.NoError(t, err)
		assert.Equal(t, 3, total)
		assert.Len(t, jobs, 3)
	})

	t.Run("status filter", func(t *testing.T) {
		jobs, total, err := db.Jobs.List(ctx, models.JobFilters{Status: string(models.JobStatusRunning)})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, j3.ID, jobs[0].ID)
	})

	t.Run("session filter", func(t *testing.T) {
		jobs, total, err := db.Jobs.List(ctx, models.JobFilters{SessionID: sess.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, jobs, 1)
		assert.Equal(t, j2.ID, jobs[0].ID)
	})

	t.Run("since filter in the future matches nothing", func(t *testing.T) {
		future := time.Now().UTC().Add(time.Hour)
		jobs, total, err := db.Jobs.List(ctx, models.JobFilters{Since: &future})
		require.NoError(t, err)
		assert.Zero(t, total)
		assert.Empty(t, jobs)
	})

	t.Run("pagination keeps the total", func(t *testing.T) {
		jobs, total, err := db.Jobs.List(ctx, models.JobFilters{Limit: 2})
		require.NoError(t, err)
		assert.Equal(t, 4, total)
		assert.Len(t, jobs, 2)

		rest, _, err := db.Jobs.List(ctx, models.JobFilters{Limit: 2, Offset: 2})
		require.NoError(t, err)
		assert.Len(t, rest, 2)

		seen := map[string]bool{}
		for _, j := range append(jobs, rest...) {
			seen[j.ID] = true
		}
		for _, id := range []string{j1.ID, j2.ID, j3.ID, j4.ID} {
			assert.True(t, seen[id], "job %s missing from pages", id)
		}
	})
}

func TestApprovalStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)

	t.Run("create defaults and token lookup", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)

		assert.NotEmpty(t, apr.ID)
		assert.Equal(t, models.ApprovalStatusPending, apr.Status)
		assert.WithinDuration(t, time.Now(), apr.RequestedAt, 10*time.Second)

		got, err := db.Approvals.Get(ctx, apr.ID)
		require.NoError(t, err)
		assert.Equal(t, "shell_command", got.ActionType)
		assert.JSONEq(t, `[]`, string(got.NotificationChannels))

		byHash, err := db.Approvals.GetPendingByTokenHash(ctx, apr.TokenHash)
		require.NoError(t, err)
		assert.Equal(t, apr.ID, byHash.ID)
	})

	t.Run("decide is a one-shot compare-and-set", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)
		decidedAt := time.Now().UTC()

		ok, err := db.Approvals.Decide(ctx, apr.ID, models.DecisionApproved, "U042", "looks safe", decidedAt)
		require.NoError(t, err)
		assert.True(t, ok)

		// Second decision loses, whatever the verdict.
		ok, err = db.Approvals.Decide(ctx, apr.ID, models.DecisionRejected, "U043", "", decidedAt)
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.Approvals.Get(ctx, apr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalStatusApproved, got.Status)
		require.NotNil(t, got.DecidedBy)
		assert.Equal(t, "U042", *got.DecidedBy)
		require.NotNil(t, got.DecisionNote)
		assert.Equal(t, "looks safe", *got.DecisionNote)
		assert.NotNil(t, got.DecidedAt)

		// A spent token is indistinguishable from an unknown one.
		_, err = db.Approvals.GetPendingByTokenHash(ctx, apr.TokenHash)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("one pending gate per job", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)

		dup := &models.ApprovalRequest{
			JobID:         job.ID,
			AgentID:       agent.ID,
			ActionType:    "shell_command",
			ActionSummary: "second gate",
			TokenHash:     newTokenHash(),
			RiskLevel:     models.RiskP2,
			ExpiresAt:     time.Now().UTC().Add(time.Hour),
		}
		assert.Error(t, db.Approvals.Create(ctx, dup), "second PENDING gate for the same job must be rejected")

		// Once decided, the job can gate again.
		ok, err := db.Approvals.Decide(ctx, apr.ID, models.DecisionRejected, "U100", "", time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)
		assert.NoError(t, db.Approvals.Create(ctx, dup))
	})

	t.Run("concurrent decisions elect exactly one winner", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)

		const callers = 8
		wins := make(chan string, callers)
		var wg sync.WaitGroup
		for i := 0; i < callers; i++ {
			wg.Add(1)
			go func(n int) {
				defer wg.Done()
				who := fmt.Sprintf("user-%d", n)
				ok, err := db.Approvals.Decide(ctx, apr.ID, models.DecisionApproved, who, "", time.Now().UTC())
				if err != nil {
					t.Errorf("decide by %s: %v", who, err)
					return
				}
				if ok {
					wins <- who
				}
			}(i)
		}
		wg.Wait()
		close(wins)

		var winners []string
		for w := range wins {
			winners = append(winners, w)
		}
		require.Len(t, winners, 1, "exactly one caller may win the CAS")

		got, err := db.Approvals.Get(ctx, apr.ID)
		require.NoError(t, err)
		require.NotNil(t, got.DecidedBy)
		assert.Equal(t, winners[0], *got.DecidedBy)
	})

	t.Run("expire and list expired", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := &models.ApprovalRequest{
			JobID:         job.ID,
			AgentID:       agent.ID,
			ActionType:    "http_call",
			ActionSummary: "POST to billing API",
			TokenHash:     newTokenHash(),
			RiskLevel:     models.RiskP0,
			ExpiresAt:     time.Now().UTC().Add(-time.Minute),
		}
		require.NoError(t, db.Approvals.Create(ctx, apr))

		expired, err := db.Approvals.ListExpired(ctx, time.Now().UTC())
		require.NoError(t, err)
		ids := make(map[string]bool, len(expired))
		for _, e := range expired {
			ids[e.ID] = true
		}
		assert.True(t, ids[apr.ID], "overdue pending request should be listed")

		ok, err := db.Approvals.Expire(ctx, apr.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.True(t, ok)

		// Already expired: the CAS refuses a second write.
		ok, err = db.Approvals.Expire(ctx, apr.ID, time.Now().UTC())
		require.NoError(t, err)
		assert.False(t, ok)

		got, err := db.Approvals.Get(ctx, apr.ID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalStatusExpired, got.Status)
	})

	t.Run("has approved for job", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)

		has, err := db.Approvals.HasApprovedForJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, has)

		ok, err := db.Approvals.Decide(ctx, apr.ID, models.DecisionApproved, "U007", "", time.Now().UTC())
		require.NoError(t, err)
		require.True(t, ok)

		has, err = db.Approvals.HasApprovedForJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, has)
	})

	t.Run("notification receipts accumulate", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)

		first := models.NotificationReceipt{Channel: "slack", Target: "#deploys", MessageID: "1712.001", SentAt: time.Now().UTC()}
		require.NoError(t, db.Approvals.AppendNotificationReceipt(ctx, apr.ID, first))
		second := models.NotificationReceipt{Channel: "slack", Target: "@oncall", SentAt: time.Now().UTC()}
		require.NoError(t, db.Approvals.AppendNotificationReceipt(ctx, apr.ID, second))

		got, err := db.Approvals.Get(ctx, apr.ID)
		require.NoError(t, err)
		var receipts []models.NotificationReceipt
		require.NoError(t, json.Unmarshal(got.NotificationChannels, &receipts))
		require.Len(t, receipts, 2)
		assert.Equal(t, "#deploys", receipts[0].Target)
		assert.Equal(t, "@oncall", receipts[1].Target)

		err = db.Approvals.AppendNotificationReceipt(ctx, uuid.NewString(), first)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list with filters", func(t *testing.T) {
		job := newJob(t, ctx, db, agent.ID)
		apr := newApproval(t, ctx, db, job.ID, agent.ID)

		byJob, total, err := db.Approvals.List(ctx, models.ApprovalFilters{JobID: job.ID})
		require.NoError(t, err)
		assert.Equal(t, 1, total)
		require.Len(t, byJob, 1)
		assert.Equal(t, apr.ID, byJob[0].ID)

		pending, total, err := db.Approvals.List(ctx, models.ApprovalFilters{
			AgentID: agent.ID,
			Status:  string(models.ApprovalStatusPending),
		})
		require.NoError(t, err)
		assert.Equal(t, total, len(pending))
		for _, p := range pending {
			assert.Equal(t, models.ApprovalStatusPending, p.Status)
		}
	})
}

func TestAuditStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)
	job := newJob(t, ctx, db, agent.ID)
	apr := newApproval(t, ctx, db, job.ID, agent.ID)

	actor := "system"
	entries := []*models.AuditEntry{
		{ApprovalRequestID: apr.ID, JobID: job.ID, EventType: models.AuditRequestCreated, Actor: &actor},
		{ApprovalRequestID: apr.ID, JobID: job.ID, EventType: models.AuditNotificationSent, Actor: &actor},
		{ApprovalRequestID: apr.ID, JobID: job.ID, EventType: models.AuditRequestDecided, Actor: &actor,
			Details: json.RawMessage(`{"decision":"APPROVED","entry_hash":"abc"}`)},
	}
	for _, e := range entries {
		require.NoError(t, db.Audit.Insert(ctx, e))
		assert.NotEmpty(t, e.ID)
	}

	// Noise on a different request must not leak into the trail.
	otherJob := newJob(t, ctx, db, agent.ID)
	other := newApproval(t, ctx, db, otherJob.ID, agent.ID)
	require.NoError(t, db.Audit.Insert(ctx, &models.AuditEntry{
		ApprovalRequestID: other.ID, JobID: otherJob.ID, EventType: models.AuditRequestCreated,
	}))

	trail, err := db.Audit.ListByRequest(ctx, apr.ID)
	require.NoError(t, err)
	require.Len(t, trail, 3)
	assert.Equal(t, models.AuditRequestCreated, trail[0].EventType)
	assert.Equal(t, models.AuditNotificationSent, trail[1].EventType)
	assert.Equal(t, models.AuditRequestDecided, trail[2].EventType)

	last, err := db.Audit.LastEntry(ctx, apr.ID)
	require.NoError(t, err)
	assert.Equal(t, entries[2].ID, last.ID)
	assert.JSONEq(t, `{"decision":"APPROVED","entry_hash":"abc"}`, string(last.Details))

	_, err = db.Audit.LastEntry(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSessionStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)

	t.Run("ensure reuses the active session", func(t *testing.T) {
		first, err := db.Sessions.Ensure(ctx, agent.ID, "U200")
		require.NoError(t, err)
		assert.Equal(t, models.SessionStatusActive, first.Status)

		again, err := db.Sessions.Ensure(ctx, agent.ID, "U200")
		require.NoError(t, err)
		assert.Equal(t, first.ID, again.ID)

		otherUser, err := db.Sessions.Ensure(ctx, agent.ID, "U201")
		require.NoError(t, err)
		assert.NotEqual(t, first.ID, otherUser.ID)
	})

	t.Run("messages come back in append order", func(t *testing.T) {
		sess, err := db.Sessions.Ensure(ctx, agent.ID, "U300")
		require.NoError(t, err)
		job := newJob(t, ctx, db, agent.ID)

		for i := 1; i <= 5; i++ {
			role := models.RoleUser
			if i%2 == 0 {
				role = models.RoleAssistant
			}
			msg := &models.SessionMessage{
				SessionID: sess.ID,
				JobID:     &job.ID,
				Role:      role,
				Content:   fmt.Sprintf("turn %d", i),
			}
			require.NoError(t, db.Sessions.AppendMessage(ctx, msg))
			assert.NotEmpty(t, msg.ID)
		}

		all, err := db.Sessions.ListMessages(ctx, sess.ID, 10)
		require.NoError(t, err)
		require.Len(t, all, 5)
		for i := 0; i < 5; i++ {
			assert.Equal(t, fmt.Sprintf("turn %d", i+1), all[i].Content)
		}

		// Limit keeps the newest turns but returns them chronologically.
		tail, err := db.Sessions.ListMessages(ctx, sess.ID, 3)
		require.NoError(t, err)
		require.Len(t, tail, 3)
		assert.Equal(t, "turn 3", tail[0].Content)
		assert.Equal(t, "turn 5", tail[2].Content)
	})
}

func TestMemoryStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	agent := newAgent(t, ctx, db)
	sess, err := db.Sessions.Ensure(ctx, agent.ID, "U400")
	require.NoError(t, err)
	job := newJob(t, ctx, db, agent.ID)

	_, err = db.Memory.GetState(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrNotFound, "no state before the first message")

	for i := 0; i < 3; i++ {
		err := db.Memory.RecordMessage(ctx, &models.MemoryExtractMessage{
			SessionID: sess.ID,
			JobID:     &job.ID,
			Role:      "assistant",
			Content:   fmt.Sprintf("observation %d", i),
		})
		require.NoError(t, err)
	}

	state, err := db.Memory.GetState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, state.PendingCount)
	assert.Nil(t, state.LastFlushAt)

	pending, err := db.Memory.ListPending(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, pending, 3)
	assert.Equal(t, "observation 0", pending[0].Content)

	flushedAt := time.Now().UTC()
	n, err := db.Memory.MarkFlushed(ctx, sess.ID, flushedAt)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	state, err = db.Memory.GetState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Zero(t, state.PendingCount)
	assert.NotNil(t, state.LastFlushAt)

	pending, err = db.Memory.ListPending(ctx, sess.ID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	// The counter climbs again after a flush.
	require.NoError(t, db.Memory.RecordMessage(ctx, &models.MemoryExtractMessage{
		SessionID: sess.ID, Role: "assistant", Content: "post-flush",
	}))
	state, err = db.Memory.GetState(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, state.PendingCount)
}

func TestEventStore(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	insert := func(channel, payload string) int64 {
		var id int64
		err := db.Pool().QueryRowContext(ctx,
			`INSERT INTO events (channel, payload) VALUES ($1, $2) RETURNING id`,
			channel, []byte(payload)).Scan(&id)
		require.NoError(t, err)
		return id
	}

	id1 := insert("job:alpha", `{"type":"agent:state","status":"RUNNING"}`)
	id2 := insert("job:alpha", `{"type":"agent:output","text":"hi"}`)
	insert("job:beta", `{"type":"agent:state","status":"COMPLETED"}`)

	t.Run("since id scopes to one channel", func(t *testing.T) {
		all, err := db.Events.GetEventsSince(ctx, "job:alpha", 0, 100)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, id1, all[0].ID)
		assert.Equal(t, id2, all[1].ID)

		tail, err := db.Events.GetEventsSince(ctx, "job:alpha", id1, 100)
		require.NoError(t, err)
		require.Len(t, tail, 1)
		assert.Equal(t, id2, tail[0].ID)

		limited, err := db.Events.GetEventsSince(ctx, "job:alpha", 0, 1)
		require.NoError(t, err)
		assert.Len(t, limited, 1)
	})

	t.Run("get single event", func(t *testing.T) {
		ev, err := db.Events.GetEvent(ctx, id2)
		require.NoError(t, err)
		assert.Equal(t, "job:alpha", ev.Channel)
		assert.JSONEq(t, `{"type":"agent:output","text":"hi"}`, string(ev.Payload))

		_, err = db.Events.GetEvent(ctx, 99999999)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("retention prune", func(t *testing.T) {
		var oldID int64
		err := db.Pool().QueryRowContext(ctx,
			`INSERT INTO events (channel, payload, created_at)
			 VALUES ('job:old', '{}', now() - interval '2 hours') RETURNING id`).Scan(&oldID)
		require.NoError(t, err)

		n, err := db.Events.DeleteOlderThan(ctx, time.Now().UTC().Add(-time.Hour))
		require.NoError(t, err)
		assert.Equal(t, int64(1), n)

		_, err = db.Events.GetEvent(ctx, oldID)
		assert.ErrorIs(t, err, ErrNotFound)

		// Recent rows survive.
		_, err = db.Events.GetEvent(ctx, id1)
		assert.NoError(t, err)
	})
}

func TestInTx(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	t.Run("commit makes writes visible", func(t *testing.T) {
		var id string
		err := db.InTx(ctx, func(tx *Stores) error {
			a := &models.Agent{Name: "Tx Bot", Slug: "tx-bot"}
			if err := tx.Agents.Create(ctx, a); err != nil {
				return err
			}
			id = a.ID
			return nil
		})
		require.NoError(t, err)

		_, err = db.Agents.Get(ctx, id)
		assert.NoError(t, err)
	})

	t.Run("error rolls back and keeps the sentinel", func(t *testing.T) {
		var id string
		err := db.InTx(ctx, func(tx *Stores) error {
			a := &models.Agent{Name: "Doomed Bot", Slug: "doomed-bot"}
			if err := tx.Agents.Create(ctx, a); err != nil {
				return err
			}
			id = a.ID
			_, err := tx.Agents.Get(ctx, uuid.NewString())
			return err
		})
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotFound, "sentinel must survive the rollback")

		_, err = db.Agents.Get(ctx, id)
		assert.ErrorIs(t, err, ErrNotFound, "rolled back agent must not exist")
	})
}
