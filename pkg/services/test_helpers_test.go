package services

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/store"
	"github.com/cortexhq/cortex/test/util"
)

// testEnv bundles what every service test needs: a migrated per-test
// schema, an in-process queue, and the durable broadcaster.
type testEnv struct {
	db    *store.DB
	queue *queue.MemoryQueue
	bus   *events.Publisher
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	sqlDB, _ := util.SetupTestDatabase(t)
	q := queue.NewMemoryQueue(config.DefaultQueueConfig())
	t.Cleanup(q.Release)
	return &testEnv{
		db:    store.NewDB(sqlDB),
		queue: q,
		bus:   events.NewPublisher(sqlDB),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func (e *testEnv) approvalService(t *testing.T) *ApprovalService {
	t.Helper()
	return NewApprovalService(e.db, e.queue, e.bus, config.DefaultApprovalConfig(), testLogger())
}

func (e *testEnv) jobService(t *testing.T) *JobService {
	t.Helper()
	return NewJobService(e.db, e.queue, e.bus, testLogger())
}

func (e *testEnv) queueDepth(t *testing.T) int {
	t.Helper()
	depth, err := e.queue.Depth(context.Background())
	require.NoError(t, err)
	return depth
}

func (e *testEnv) mkAgent(t *testing.T, slug string) *models.Agent {
	t.Helper()
	a := &models.Agent{Name: "Agent " + slug, Slug: slug}
	require.NoError(t, e.db.Agents.Create(context.Background(), a))
	return a
}

func (e *testEnv) mkScheduledJob(t *testing.T, agentID string) *models.Job {
	t.Helper()
	ctx := context.Background()
	j := &models.Job{AgentID: agentID, Payload: json.RawMessage(`{"prompt":"deploy"}`)}
	require.NoError(t, e.db.Jobs.Create(ctx, j))
	e.mustMove(t, j.ID, models.JobStatusPending, models.JobStatusScheduled, store.TransitionOpts{})
	return j
}

func (e *testEnv) mkRunningJob(t *testing.T, agentID string) *models.Job {
	t.Helper()
	j := e.mkScheduledJob(t, agentID)
	now := time.Now().UTC()
	e.mustMove(t, j.ID, models.JobStatusScheduled, models.JobStatusRunning,
		store.TransitionOpts{StartedAt: &now, HeartbeatAt: &now, IncrementAttempt: true})
	return j
}

func (e *testEnv) mustMove(t *testing.T, id string, from, to models.JobStatus, opts store.TransitionOpts) {
	t.Helper()
	ok, err := e.db.Jobs.TransitionStatus(context.Background(), id, from, to, opts)
	require.NoError(t, err)
	require.True(t, ok, "transition %s -> %s should win", from, to)
}

func (e *testEnv) jobStatus(t *testing.T, id string) models.JobStatus {
	t.Helper()
	j, err := e.db.Jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return j.Status
}
