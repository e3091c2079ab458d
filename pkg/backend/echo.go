package backend

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// EchoScript tells an EchoBackend what to do with a task.
type EchoScript struct {
	// AcceptErr, when set, is returned from ExecuteTask before any
	// streaming begins.
	AcceptErr error
	// Events are emitted in order before the result settles.
	Events []OutputEvent
	// Result is the final result. When nil a succeeded result echoing the
	// prompt is synthesized.
	Result *ExecutionResult
	// PerEventDelay spaces out event emission.
	PerEventDelay time.Duration
	// Hang keeps the task running after its events until it is cancelled
	// or times out.
	Hang bool
}

// EchoBackend is an in-process backend for tests. By default it echoes the
// task prompt back as a text event and succeeds; a ScriptFunc makes it fail,
// stall, or stream arbitrary events on demand.
type EchoBackend struct {
	id   string
	caps Capabilities

	// ScriptFunc, when set, decides the behavior per task.
	ScriptFunc func(task *ExecutionTask) EchoScript

	// StartErr, when set, is returned from Start to simulate a backend
	// that cannot come up.
	StartErr error

	mu      sync.Mutex
	health  HealthStatus
	tasks   []*ExecutionTask
	stopped bool
}

// NewEchoBackend builds an echo backend with the given id.
func NewEchoBackend(id string) *EchoBackend {
	return &EchoBackend{
		id: id,
		caps: Capabilities{
			Streaming:      true,
			FileEdit:       true,
			Shell:          true,
			UsageReporting: true,
			Cancellation:   true,
		},
		health: HealthStatus{State: HealthHealthy},
	}
}

func (b *EchoBackend) ID() string                 { return b.id }
func (b *EchoBackend) Kind() Kind                 { return KindEcho }
func (b *EchoBackend) Capabilities() Capabilities { return b.caps }

func (b *EchoBackend) Start(ctx context.Context) error { return b.StartErr }

func (b *EchoBackend) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

// Stopped reports whether Stop has been called.
func (b *EchoBackend) Stopped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stopped
}

// SetCapabilities replaces the advertised capabilities.
func (b *EchoBackend) SetCapabilities(caps Capabilities) { b.caps = caps }

// SetHealth overrides the health probe response.
func (b *EchoBackend) SetHealth(status HealthStatus) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.health = status
}

func (b *EchoBackend) HealthCheck(ctx context.Context) HealthStatus {
	b.mu.Lock()
	defer b.mu.Unlock()
	status := b.health
	status.CheckedAt = time.Now().UTC()
	return status
}

// Tasks returns every task this backend has accepted, in order.
func (b *EchoBackend) Tasks() []*ExecutionTask {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*ExecutionTask, len(b.tasks))
	copy(out, b.tasks)
	return out
}

func (b *EchoBackend) ExecuteTask(ctx context.Context, task *ExecutionTask) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	script := EchoScript{}
	if b.ScriptFunc != nil {
		script = b.ScriptFunc(task)
	}
	if script.AcceptErr != nil {
		return nil, script.AcceptErr
	}

	b.mu.Lock()
	b.tasks = append(b.tasks, task)
	b.mu.Unlock()

	parentCtx, cancelParent := context.WithCancel(context.Background())
	runCtx, cancelRun := parentCtx, cancelParent
	if d := task.Constraints.Timeout(); d > 0 {
		var cancelTimeout context.CancelFunc
		runCtx, cancelTimeout = context.WithTimeout(parentCtx, d)
		cancelRun = func() {
			cancelTimeout()
			cancelParent()
		}
	}

	h := &echoHandle{runCtx: runCtx}
	h.baseHandle = newBaseHandle(task.TaskID, func(reason string) {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		cancelRun()
	})

	go b.play(h, task, script, cancelRun, time.Now())
	return h, nil
}

type echoHandle struct {
	*baseHandle
	runCtx    context.Context
	cancelled bool
}

func (h *echoHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

func (b *EchoBackend) play(h *echoHandle, task *ExecutionTask, script EchoScript, cancelRun context.CancelFunc, started time.Time) {
	defer cancelRun()

	events := script.Events
	if events == nil && script.Result == nil {
		now := time.Now().UTC()
		events = []OutputEvent{
			&TextEvent{Timestamp: now, Content: fmt.Sprintf("echo: %s", task.Instruction.Prompt)},
			&UsageEvent{Timestamp: now, TokenUsage: TokenUsage{InputTokens: len(task.Instruction.Prompt), OutputTokens: 7}},
		}
	}

	interrupted := false
	for _, ev := range events {
		if script.PerEventDelay > 0 {
			select {
			case <-h.runCtx.Done():
				interrupted = true
			case <-time.After(script.PerEventDelay):
			}
		}
		if interrupted {
			break
		}
		select {
		case <-h.runCtx.Done():
			interrupted = true
		case h.events <- ev:
		}
	}

	if script.Hang && !interrupted {
		<-h.runCtx.Done()
		interrupted = true
	}

	switch {
	case interrupted && h.wasCancelled():
		h.settle(failedResult(h.taskID, StatusCancelled, ClassTransient, "task cancelled", started, len(events) > 0), nil)
		return
	case interrupted:
		h.settle(failedResult(h.taskID, StatusTimedOut, ClassTimeout, "task deadline exceeded", started, len(events) > 0), nil)
		return
	}

	result := script.Result
	if result == nil {
		usage := TokenUsage{InputTokens: len(task.Instruction.Prompt), OutputTokens: 7}
		result = &ExecutionResult{
			TaskID:     task.TaskID,
			Status:     StatusCompleted,
			Summary:    fmt.Sprintf("echo: %s", task.Instruction.Prompt),
			TokenUsage: usage,
		}
	}
	fillResult(result, h.taskID, time.Since(started).Milliseconds(), "")

	complete := &CompleteEvent{Timestamp: time.Now().UTC(), Result: result}
	select {
	case <-h.runCtx.Done():
	case h.events <- complete:
	}
	h.settle(result, nil)
}
