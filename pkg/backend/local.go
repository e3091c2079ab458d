package backend

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"
)

const (
	defaultKillGrace = 5 * time.Second

	// scanner limits for the line-delimited JSON protocol
	scanInitialBuf = 64 * 1024
	scanMaxToken   = 4 * 1024 * 1024

	// stderrCap bounds how much agent stderr is retained per task.
	stderrCap = 64 * 1024
)

// LocalConfig configures a subprocess CLI backend.
type LocalConfig struct {
	ID           string
	Command      string
	Args         []string
	KillGrace    time.Duration
	Capabilities Capabilities
}

// LocalBackend runs agent tasks as local subprocesses. The task is written
// to the agent's stdin as JSON and output events are read from stdout as
// newline-delimited JSON frames.
type LocalBackend struct {
	id        string
	command   string
	args      []string
	killGrace time.Duration
	caps      Capabilities
	logger    *slog.Logger
}

// NewLocalBackend builds a local CLI backend from its config.
func NewLocalBackend(cfg LocalConfig, logger *slog.Logger) (*LocalBackend, error) {
	if cfg.ID == "" {
		return nil, errors.New("local backend: id is required")
	}
	if cfg.Command == "" {
		return nil, errors.New("local backend: command is required")
	}
	grace := cfg.KillGrace
	if grace <= 0 {
		grace = defaultKillGrace
	}
	return &LocalBackend{
		id:        cfg.ID,
		command:   cfg.Command,
		args:      cfg.Args,
		killGrace: grace,
		caps:      cfg.Capabilities,
		logger:    logger.With("backend_id", cfg.ID, "backend_kind", KindLocal),
	}, nil
}

func (b *LocalBackend) ID() string                 { return b.id }
func (b *LocalBackend) Kind() Kind                 { return KindLocal }
func (b *LocalBackend) Capabilities() Capabilities { return b.caps }

// Start verifies the agent binary resolves. Nothing is kept running
// between tasks, so there is no warm state to set up.
func (b *LocalBackend) Start(ctx context.Context) error {
	if _, err := exec.LookPath(b.command); err != nil {
		return fmt.Errorf("local backend %s: %w", b.id, err)
	}
	return nil
}

// Stop is a no-op; each task owns its own subprocess.
func (b *LocalBackend) Stop(ctx context.Context) error { return nil }

// HealthCheck verifies the agent binary is resolvable on PATH.
func (b *LocalBackend) HealthCheck(ctx context.Context) HealthStatus {
	started := time.Now()
	status := HealthStatus{State: HealthHealthy, CheckedAt: started}
	if _, err := exec.LookPath(b.command); err != nil {
		status.State = HealthUnhealthy
		status.Reason = fmt.Sprintf("command %q not found: %v", b.command, err)
	}
	status.LatencyMs = time.Since(started).Milliseconds()
	return status
}

// ExecuteTask starts the agent subprocess and returns a streaming handle.
// The accept phase (spawn) honors ctx; once the process is running the task
// lives on its own timeout derived from the task constraints.
func (b *LocalBackend) ExecuteTask(ctx context.Context, task *ExecutionTask) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	taskJSON, err := json.Marshal(task)
	if err != nil {
		return nil, NewClassifiedError(ClassPermanent, fmt.Errorf("encode task: %w", err))
	}

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

	cmd := exec.CommandContext(runCtx, b.command, b.args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = b.killGrace
	cmd.Stdin = bytes.NewReader(taskJSON)
	cmd.Env = BuildEnv(task.Secrets, task.Context.Environment)
	if task.Context.WorkspacePath != "" {
		cmd.Dir = task.Context.WorkspacePath
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancelRun()
		return nil, NewClassifiedError(ClassTransient, fmt.Errorf("stdout pipe: %w", err))
	}
	stderr := newCapBuffer(stderrCap)
	cmd.Stderr = stderr

	if err := cmd.Start(); err != nil {
		cancelRun()
		return nil, NewClassifiedError(Classify(err), fmt.Errorf("start %s: %w", b.command, err))
	}

	h := &localHandle{runCtx: runCtx}
	h.baseHandle = newBaseHandle(task.TaskID, func(reason string) {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		cancelRun()
	})

	b.logger.Info("agent process started",
		"task_id", task.TaskID,
		"job_id", task.JobID,
		"pid", cmd.Process.Pid,
		"env_keys", EnvKeyNames(cmd.Env))

	go b.run(h, cmd, stdout, stderr, cancelRun, time.Now())
	return h, nil
}

type localHandle struct {
	*baseHandle
	runCtx    context.Context
	cancelled bool
}

func (h *localHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// run pumps stdout events, waits for process exit, and settles the handle.
func (b *LocalBackend) run(h *localHandle, cmd *exec.Cmd, stdout io.ReadCloser, stderr *capBuffer, cancelRun context.CancelFunc, started time.Time) {
	defer cancelRun()

	var (
		protoResult *ExecutionResult
		sawEvents   bool
	)

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, scanInitialBuf), scanMaxToken)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		sawEvents = true

		ev, err := UnmarshalEvent(line)
		if err != nil {
			// Agents are allowed to write plain text between frames;
			// surface it rather than dropping it.
			ev = &TextEvent{Timestamp: time.Now().UTC(), Content: string(line)}
		}
		if ce, ok := ev.(*CompleteEvent); ok && ce.Result != nil {
			protoResult = ce.Result
		}

		select {
		case <-h.runCtx.Done():
			// Stop delivering but keep draining stdout so the process
			// can exit without blocking on a full pipe.
		case h.events <- ev:
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, io.ErrClosedPipe) {
		b.logger.Warn("agent stdout read failed", "task_id", h.taskID, "error", err)
	}

	waitErr := cmd.Wait()
	h.settle(b.finalize(h, protoResult, waitErr, cmd, stderr.String(), sawEvents, started), nil)
}

// finalize reconciles the protocol-level result with the process exit state.
func (b *LocalBackend) finalize(h *localHandle, protoResult *ExecutionResult, waitErr error, cmd *exec.Cmd, stderrTail string, sawEvents bool, started time.Time) *ExecutionResult {
	duration := time.Since(started).Milliseconds()

	switch {
	case h.wasCancelled():
		res := failedResult(h.taskID, StatusCancelled, ClassTransient, "task cancelled", started, sawEvents)
		res.Stderr = stderrTail
		b.logger.Info("agent task cancelled", "task_id", h.taskID)
		return res

	case h.runCtx.Err() == context.DeadlineExceeded:
		res := failedResult(h.taskID, StatusTimedOut, ClassTimeout, "task deadline exceeded", started, sawEvents)
		res.Stderr = stderrTail
		b.logger.Warn("agent task timed out", "task_id", h.taskID, "duration_ms", duration)
		return res
	}

	if waitErr == nil {
		if protoResult != nil {
			fillResult(protoResult, h.taskID, duration, stderrTail)
			return protoResult
		}
		// Clean exit without a complete frame. Treat it as success with
		// nothing to report.
		return &ExecutionResult{
			TaskID:     h.taskID,
			Status:     StatusCompleted,
			ExitCode:   0,
			Stderr:     stderrTail,
			DurationMs: duration,
		}
	}

	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}

	msg := fmt.Sprintf("agent exited with code %d", exitCode)
	if tail := strings.TrimSpace(stderrTail); tail != "" {
		msg = fmt.Sprintf("%s: %s", msg, lastLine(tail))
	}
	class := Classify(errors.New(msg))

	if protoResult != nil && protoResult.Error != nil && protoResult.Error.Classification != "" {
		class = protoResult.Error.Classification
	}

	b.logger.Warn("agent task failed",
		"task_id", h.taskID,
		"exit_code", exitCode,
		"classification", class,
		"duration_ms", duration)

	res := failedResult(h.taskID, StatusFailed, class, msg, started, sawEvents)
	res.ExitCode = exitCode
	res.Stderr = stderrTail
	if protoResult != nil {
		res.FileChanges = protoResult.FileChanges
		res.TokenUsage = protoResult.TokenUsage
		res.Summary = protoResult.Summary
	}
	return res
}

// fillResult backfills fields an agent's complete frame commonly omits.
func fillResult(res *ExecutionResult, taskID string, durationMs int64, stderrTail string) {
	if res.TaskID == "" {
		res.TaskID = taskID
	}
	if res.Status == "" {
		res.Status = StatusCompleted
	}
	if res.DurationMs == 0 {
		res.DurationMs = durationMs
	}
	if res.Stderr == "" {
		res.Stderr = stderrTail
	}
}

func lastLine(s string) string {
	if idx := strings.LastIndexByte(strings.TrimRight(s, "\n"), '\n'); idx >= 0 {
		return strings.TrimSpace(s[idx+1:])
	}
	return strings.TrimSpace(s)
}

// capBuffer retains the first limit bytes written and counts the rest so a
// noisy agent cannot balloon memory.
type capBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	limit   int
	dropped int
}

func newCapBuffer(limit int) *capBuffer {
	return &capBuffer{limit: limit}
}

func (c *capBuffer) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(p)
	remaining := c.limit - c.buf.Len()
	if remaining <= 0 {
		c.dropped += n
		return n, nil
	}
	if len(p) > remaining {
		c.dropped += len(p) - remaining
		p = p[:remaining]
	}
	c.buf.Write(p)
	return n, nil
}

func (c *capBuffer) String() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dropped > 0 {
		return fmt.Sprintf("%s\n... (%d bytes truncated)", c.buf.String(), c.dropped)
	}
	return c.buf.String()
}
