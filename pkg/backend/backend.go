package backend

import (
	"context"
	"sync"
	"time"
)

// Kind identifies the adapter implementation behind a backend.
type Kind string

const (
	KindLocal  Kind = "local"
	KindRemote Kind = "remote"
	KindEcho   Kind = "echo"
)

// Backend runs execution tasks on a concrete agent runtime.
//
// ExecuteTask returns once the task has been accepted and streaming has
// begun; the returned Handle delivers output events and the final result.
// Implementations must honor ctx cancellation for the accept phase and the
// Handle's own lifecycle thereafter.
type Backend interface {
	// ID returns the stable backend identifier used in routing and metrics.
	ID() string

	// Kind returns the adapter kind.
	Kind() Kind

	// Capabilities describes what this backend supports.
	Capabilities() Capabilities

	// Start prepares the backend for use. The registry calls it once
	// before the backend can receive tasks; a non-nil error aborts
	// registration.
	Start(ctx context.Context) error

	// Stop releases any resources held by the backend. Called at most
	// once, after Start succeeded.
	Stop(ctx context.Context) error

	// ExecuteTask starts the task and returns a streaming handle.
	ExecuteTask(ctx context.Context, task *ExecutionTask) (Handle, error)

	// HealthCheck probes the backend. It must respect ctx deadlines and
	// never block indefinitely.
	HealthCheck(ctx context.Context) HealthStatus
}

// Handle is a live execution in flight.
type Handle interface {
	// TaskID returns the task this handle tracks.
	TaskID() string

	// Events returns the output event stream. The channel is closed once
	// the execution settles; the final event on a clean stream is a
	// CompleteEvent.
	Events() <-chan OutputEvent

	// Result blocks until the execution settles and returns the final
	// result. It returns an error only when the execution could not
	// produce a result at all, or when ctx expires first.
	Result(ctx context.Context) (*ExecutionResult, error)

	// Cancel requests cooperative cancellation. It is idempotent and safe
	// to call from any goroutine.
	Cancel(reason string)
}

// eventBufferSize bounds how many events a handle buffers before the
// producer blocks on a slow consumer.
const eventBufferSize = 256

// baseHandle implements the settle-once mechanics shared by all adapters.
type baseHandle struct {
	taskID string
	events chan OutputEvent
	done   chan struct{}

	settleOnce sync.Once
	cancelOnce sync.Once
	cancelFn   func(reason string)

	mu     sync.Mutex
	result *ExecutionResult
	err    error
}

func newBaseHandle(taskID string, cancelFn func(reason string)) *baseHandle {
	return &baseHandle{
		taskID:   taskID,
		events:   make(chan OutputEvent, eventBufferSize),
		done:     make(chan struct{}),
		cancelFn: cancelFn,
	}
}

func (h *baseHandle) TaskID() string { return h.taskID }

func (h *baseHandle) Events() <-chan OutputEvent { return h.events }

// emit delivers an event to the consumer, dropping it if the execution has
// already settled.
func (h *baseHandle) emit(ev OutputEvent) {
	select {
	case <-h.done:
	case h.events <- ev:
	}
}

// settle records the final outcome exactly once and closes the stream.
func (h *baseHandle) settle(result *ExecutionResult, err error) {
	h.settleOnce.Do(func() {
		h.mu.Lock()
		h.result = result
		h.err = err
		h.mu.Unlock()
		close(h.done)
		close(h.events)
	})
}

func (h *baseHandle) Result(ctx context.Context) (*ExecutionResult, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}

func (h *baseHandle) Cancel(reason string) {
	h.cancelOnce.Do(func() {
		if h.cancelFn != nil {
			h.cancelFn(reason)
		}
	})
}

// failedResult builds a failure result for a task that produced no result
// of its own.
func failedResult(taskID string, status ExecutionStatus, class Classification, msg string, started time.Time, partial bool) *ExecutionResult {
	return &ExecutionResult{
		TaskID:     taskID,
		Status:     status,
		ExitCode:   -1,
		DurationMs: time.Since(started).Milliseconds(),
		Error: &ExecutionError{
			Message:          msg,
			Classification:   class,
			PartialExecution: partial,
		},
	}
}
