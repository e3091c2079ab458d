// Package e2e provides end-to-end test infrastructure for the cortex control
// plane. Each test boots a complete instance against a real database: the
// durable queue, the execution worker, the backend registry with a scriptable
// echo backend, the approval service, and the SSE streaming path through the
// HTTP API.
package e2e

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/api"
	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/masking"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/registry"
	"github.com/cortexhq/cortex/pkg/services"
	"github.com/cortexhq/cortex/pkg/store"
	"github.com/cortexhq/cortex/pkg/transcript"
	"github.com/cortexhq/cortex/pkg/worker"
	"github.com/cortexhq/cortex/test/util"
)

// TestApp boots a complete cortex instance for e2e testing.
type TestApp struct {
	Config *config.Config
	Pool   *sql.DB
	Stores *store.DB

	// Test wiring: set Echo.ScriptFunc before creating jobs to control
	// what the backend streams and how the task settles.
	Echo *backend.EchoBackend

	// Real infrastructure
	Registry  *registry.Registry
	Publisher *events.Publisher
	Streams   *events.Manager
	Listener  *events.NotifyListener
	Queue     *queue.PostgresQueue

	Agents    *services.AgentService
	Jobs      *services.JobService
	Approvals *services.ApprovalService
	Sessions  *services.SessionService

	Server  *api.Server
	BaseURL string // e.g. "http://127.0.0.1:54321"

	t *testing.T
}

// testAppConfig holds options accumulated before creating the TestApp.
type testAppConfig struct {
	workerCount int
	workerCfg   func(*config.WorkerConfig)
}

// TestAppOption configures the test app.
type TestAppOption func(*testAppConfig)

// WithWorkerCount sets the number of queue worker goroutines.
func WithWorkerCount(n int) TestAppOption {
	return func(c *testAppConfig) { c.workerCount = n }
}

// WithWorkerConfig mutates the worker config after the fast test defaults
// are applied.
func WithWorkerConfig(fn func(*config.WorkerConfig)) TestAppOption {
	return func(c *testAppConfig) { c.workerCfg = fn }
}

// NewTestApp creates and starts a full cortex test instance. Shutdown is
// registered via t.Cleanup automatically.
func NewTestApp(t *testing.T, opts ...TestAppOption) *TestApp {
	t.Helper()

	tc := &testAppConfig{workerCount: 2}
	for _, opt := range opts {
		opt(tc)
	}

	ctx := context.Background()
	logger := testLogger()
	cfg := testConfig(tc.workerCount)
	if tc.workerCfg != nil {
		tc.workerCfg(cfg.Worker)
	}

	// 1. Database — isolated, fully migrated schema.
	db, _ := util.SetupTestDatabase(t)
	storeDB := store.NewDB(db)

	// 2. Streaming: durable publisher + NOTIFY listener + SSE manager, the
	// same relay the production wiring uses. The listener dials the base
	// connection string because LISTEN channels are database-global.
	publisher := events.NewPublisher(db)
	manager := events.NewManager(cfg.SSE)
	listener := events.NewNotifyListener(util.GetBaseConnectionString(t), manager, storeDB.Events)
	require.NoError(t, listener.Start(ctx))
	manager.SetListener(listener)

	// 3. Backend registry with one scriptable echo backend.
	echoBackend := backend.NewEchoBackend("echo-primary")
	reg := registry.New(logger)
	require.NoError(t, reg.Register(ctx, echoBackend, registry.RegisterOptions{MaxConcurrent: 4}))

	// 4. Durable queue, polled fast enough that deliveries land promptly.
	podID := fmt.Sprintf("e2e-%s", t.Name())
	q := queue.NewPostgresQueue(db, podID, cfg.Queue)

	// 5. Services.
	agentService := services.NewAgentService(storeDB, logger)
	jobService := services.NewJobService(storeDB, q, publisher, logger)
	approvalService := services.NewApprovalService(storeDB, q, publisher, cfg.Approval, logger)
	sessionService := services.NewSessionService(storeDB, q, logger)

	// 6. Execution worker bound to the queue pool.
	masker := masking.NewService(cfg.Masking)
	transcripts := transcript.NewStore(t.TempDir(), masker, logger)
	execWorker := worker.New(worker.Deps{
		Jobs:        storeDB.Jobs,
		Agents:      storeDB.Agents,
		Approvals:   storeDB.Approvals,
		Sessions:    storeDB.Sessions,
		Memory:      storeDB.Memory,
		Router:      worker.NewRegistryRouter(reg),
		Queue:       q,
		Events:      publisher,
		Transcripts: worker.NewTranscriptOpener(transcripts),
	}, cfg.Worker, cfg.Memory, logger)

	require.NoError(t, q.Run(ctx, queue.RunOptions{
		TaskList: map[string]queue.TaskHandler{
			models.TaskAgentExecute: execWorker.Handle,
		},
		Concurrency: tc.workerCount,
	}))

	// 7. HTTP server on a random port. The nil database client only
	// disables healthz; every route the scenarios touch works without it.
	server := api.NewServer(cfg, nil,
		agentService, jobService, approvalService, sessionService,
		reg, manager, logger)
	server.SetQueueHealth(q)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		_ = server.StartWithListener(ln)
	}()

	app := &TestApp{
		Config:    cfg,
		Pool:      db,
		Stores:    storeDB,
		Echo:      echoBackend,
		Registry:  reg,
		Publisher: publisher,
		Streams:   manager,
		Listener:  listener,
		Queue:     q,
		Agents:    agentService,
		Jobs:      jobService,
		Approvals: approvalService,
		Sessions:  sessionService,
		Server:    server,
		BaseURL:   fmt.Sprintf("http://%s", ln.Addr().String()),
		t:         t,
	}

	// Cleanup in reverse-creation order. Release drains the worker pool
	// before the streaming and HTTP surfaces go away.
	t.Cleanup(func() {
		q.Release()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		manager.Shutdown()
		listener.Stop(context.Background())
		_ = reg.Shutdown(context.Background())
	})

	return app
}

// testConfig builds a config with intervals tightened for tests: fast queue
// polling, sub-second heartbeats and cancel probes, and retry backoffs in
// the tens of milliseconds.
func testConfig(workerCount int) *config.Config {
	return &config.Config{
		Defaults: config.DefaultDefaults(),
		Server:   config.DefaultServerConfig(),
		Queue: &config.QueueConfig{
			WorkerCount:             workerCount,
			PollInterval:            config.Duration(50 * time.Millisecond),
			PollIntervalJitter:      config.Duration(20 * time.Millisecond),
			GracefulShutdownTimeout: config.Duration(10 * time.Second),
		},
		Worker: &config.WorkerConfig{
			HeartbeatInterval:   config.Duration(200 * time.Millisecond),
			CancelProbeInterval: config.Duration(50 * time.Millisecond),
			PermitTimeout:       config.Duration(2 * time.Second),
			ApprovalWait:        config.Duration(1 * time.Hour),
			RetryBackoffBase:    config.Duration(20 * time.Millisecond),
			RetryBackoffCap:     config.Duration(100 * time.Millisecond),
		},
		SSE: &config.SSEConfig{
			HeartbeatInterval: config.Duration(time.Minute),
			BufferSize:        256,
			ConnectionBuffer:  64,
			OverflowGrace:     config.Duration(5 * time.Second),
			MaxConnections:    100,
		},
		Approval: config.DefaultApprovalConfig(),
		Reaper:   config.DefaultReaperConfig(),
		Notifier: config.DefaultNotifierConfig(),
		Memory:   config.DefaultMemoryConfig(),
		Masking:  config.DefaultMaskingConfig(),
	}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelWarn,
	}))
}
