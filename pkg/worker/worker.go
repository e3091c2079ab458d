// Package worker executes agent_execute queue deliveries: it claims the job
// row, gates on approval, builds the execution task, routes it to a backend,
// relays the output stream, and settles the terminal status, scheduling a
// retry when the failure classification allows one.
//
// Every collaborator is an interface so the unit tests drive the worker with
// in-memory fakes; the adapters at the bottom bind the concrete registry and
// transcript store.
package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/registry"
	"github.com/cortexhq/cortex/pkg/store"
	"github.com/cortexhq/cortex/pkg/transcript"
)

// historyLimit caps how many prior session turns a task carries.
const historyLimit = 50

// JobStore is the job persistence surface the worker drives.
type JobStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	TransitionStatus(ctx context.Context, id string, from, to models.JobStatus, opts store.TransitionOpts) (bool, error)
	Heartbeat(ctx context.Context, id string) (bool, error)
	AdoptRunning(ctx context.Context, id string) (bool, error)
}

// AgentStore loads agent configuration records.
type AgentStore interface {
	Get(ctx context.Context, id string) (*models.Agent, error)
}

// ApprovalReader answers the worker's approval gate.
type ApprovalReader interface {
	HasApprovedForJob(ctx context.Context, jobID string) (bool, error)
}

// SessionStore reads conversation history and appends assistant turns.
type SessionStore interface {
	AppendMessage(ctx context.Context, m *models.SessionMessage) error
	ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.SessionMessage, error)
}

// MemoryRecorder buffers message bodies for the external memory extractor.
type MemoryRecorder interface {
	RecordMessage(ctx context.Context, m *models.MemoryExtractMessage) error
	ListPending(ctx context.Context, sessionID string) ([]*models.MemoryExtractMessage, error)
	GetState(ctx context.Context, sessionID string) (*models.MemoryExtractState, error)
	MarkFlushed(ctx context.Context, sessionID string, flushedAt time.Time) (int, error)
}

// Permit is one held unit of backend capacity.
type Permit interface {
	Release()
}

// Router picks a backend for a task and manages its capacity and breaker.
type Router interface {
	RouteTask(task *backend.ExecutionTask, preferredID string) (*registry.Route, error)
	AcquirePermit(ctx context.Context, backendID string, timeout time.Duration) (Permit, error)
	RecordOutcome(backendID string, success bool, class backend.Classification)
}

// Enqueuer schedules follow-up queue deliveries.
type Enqueuer interface {
	AddJob(ctx context.Context, taskName string, payload any, opts queue.AddJobOptions) error
}

// TranscriptWriter persists one job's output stream.
type TranscriptWriter interface {
	Append(ev backend.OutputEvent) error
	Close() error
}

// TranscriptOpener opens per-job transcript writers.
type TranscriptOpener interface {
	Open(jobID, workspacePath string) (TranscriptWriter, error)
}

// Deps bundles the worker's collaborators. Transcripts may be nil, which
// disables transcript capture; every other field is required.
type Deps struct {
	Jobs        JobStore
	Agents      AgentStore
	Approvals   ApprovalReader
	Sessions    SessionStore
	Memory      MemoryRecorder
	Router      Router
	Queue       Enqueuer
	Events      events.Broadcaster
	Transcripts TranscriptOpener
}

// Worker runs agent_execute deliveries through the job lifecycle. One Worker
// serves the whole queue pool; all per-delivery state is local to Handle.
type Worker struct {
	deps   Deps
	cfg    *config.WorkerConfig
	memory *config.MemoryConfig
	logger *slog.Logger
}

// New creates a Worker. Nil configs fall back to the built-in defaults.
func New(deps Deps, cfg *config.WorkerConfig, memCfg *config.MemoryConfig, logger *slog.Logger) *Worker {
	if cfg == nil {
		cfg = config.DefaultWorkerConfig()
	}
	if memCfg == nil {
		memCfg = config.DefaultMemoryConfig()
	}
	return &Worker{
		deps:   deps,
		cfg:    cfg,
		memory: memCfg,
		logger: logger.With("component", "execution_worker"),
	}
}

// NewRegistryRouter adapts the concrete registry to the Router interface.
// AcquirePermit returns *registry.Permit, which fakes cannot construct, so
// the adapter rewraps it behind Permit.
func NewRegistryRouter(r *registry.Registry) Router {
	return &registryRouter{r: r}
}

type registryRouter struct {
	r *registry.Registry
}

func (a *registryRouter) RouteTask(task *backend.ExecutionTask, preferredID string) (*registry.Route, error) {
	return a.r.RouteTask(task, preferredID)
}

func (a *registryRouter) AcquirePermit(ctx context.Context, backendID string, timeout time.Duration) (Permit, error) {
	permit, err := a.r.AcquirePermit(ctx, backendID, timeout)
	if err != nil {
		return nil, err
	}
	return permit, nil
}

func (a *registryRouter) RecordOutcome(backendID string, success bool, class backend.Classification) {
	a.r.RecordOutcome(backendID, success, class)
}

// NewTranscriptOpener adapts the transcript store to TranscriptOpener.
func NewTranscriptOpener(s *transcript.Store) TranscriptOpener {
	return &transcriptOpener{s: s}
}

type transcriptOpener struct {
	s *transcript.Store
}

func (o *transcriptOpener) Open(jobID, workspacePath string) (TranscriptWriter, error) {
	tw, err := o.s.Open(jobID, workspacePath)
	if err != nil {
		return nil, err
	}
	return tw, nil
}
