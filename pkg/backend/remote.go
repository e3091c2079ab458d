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
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultExecutePath  = "/v1/execute"
	defaultHealthPath   = "/healthz"
	defaultCancelPath   = "/v1/tasks/{task_id}/cancel"
	cancelRequestBudget = 5 * time.Second

	// errorBodyCap bounds how much of a non-200 response body is read for
	// the error message.
	errorBodyCap = 8 * 1024
)

// RemoteConfig configures an HTTP agent service backend.
type RemoteConfig struct {
	ID           string
	BaseURL      string
	APIKey       string
	ExecutePath  string
	HealthPath   string
	CancelPath   string
	Capabilities Capabilities
}

// RemoteBackend executes tasks on a remote agent service. Tasks are
// submitted with a single POST; the response body is a server-sent event
// stream of output event frames.
type RemoteBackend struct {
	id          string
	baseURL     string
	apiKey      string
	executePath string
	healthPath  string
	cancelPath  string
	caps        Capabilities
	client      *http.Client
	logger      *slog.Logger
}

// NewRemoteBackend builds a remote HTTP backend from its config.
func NewRemoteBackend(cfg RemoteConfig, logger *slog.Logger) (*RemoteBackend, error) {
	if cfg.ID == "" {
		return nil, errors.New("remote backend: id is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("remote backend: base_url is required")
	}
	executePath := cfg.ExecutePath
	if executePath == "" {
		executePath = defaultExecutePath
	}
	healthPath := cfg.HealthPath
	if healthPath == "" {
		healthPath = defaultHealthPath
	}
	cancelPath := cfg.CancelPath
	if cancelPath == "" {
		cancelPath = defaultCancelPath
	}
	return &RemoteBackend{
		id:          cfg.ID,
		baseURL:     strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:      cfg.APIKey,
		executePath: executePath,
		healthPath:  healthPath,
		cancelPath:  cancelPath,
		caps:        cfg.Capabilities,
		// Streaming responses stay open for the life of a task, so the
		// client carries no global timeout. Deadlines come from the
		// per-task context.
		client: &http.Client{},
		logger: logger.With("backend_id", cfg.ID, "backend_kind", KindRemote),
	}, nil
}

func (b *RemoteBackend) ID() string                 { return b.id }
func (b *RemoteBackend) Kind() Kind                 { return KindRemote }
func (b *RemoteBackend) Capabilities() Capabilities { return b.caps }

// Start validates the configured base URL. Connections are established
// lazily per request.
func (b *RemoteBackend) Start(ctx context.Context) error {
	u, err := url.Parse(b.baseURL)
	if err != nil {
		return fmt.Errorf("remote backend %s: parse base_url: %w", b.id, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("remote backend %s: base_url scheme must be http or https, got %q", b.id, u.Scheme)
	}
	return nil
}

// Stop drops any idle keep-alive connections.
func (b *RemoteBackend) Stop(ctx context.Context) error {
	b.client.CloseIdleConnections()
	return nil
}

// HealthCheck probes the service health endpoint.
func (b *RemoteBackend) HealthCheck(ctx context.Context) HealthStatus {
	started := time.Now()
	status := HealthStatus{CheckedAt: started}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+b.healthPath, nil)
	if err != nil {
		status.State = HealthUnhealthy
		status.Reason = err.Error()
		return status
	}
	b.authorize(req)

	resp, err := b.client.Do(req)
	status.LatencyMs = time.Since(started).Milliseconds()
	if err != nil {
		status.State = HealthUnhealthy
		status.Reason = err.Error()
		return status
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyCap))

	switch {
	case resp.StatusCode == http.StatusOK:
		status.State = HealthHealthy
	case resp.StatusCode == http.StatusServiceUnavailable:
		status.State = HealthUnhealthy
		status.Reason = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	default:
		status.State = HealthDegraded
		status.Reason = fmt.Sprintf("health endpoint returned %d", resp.StatusCode)
	}
	return status
}

// ExecuteTask submits the task and returns a handle over the event stream.
func (b *RemoteBackend) ExecuteTask(ctx context.Context, task *ExecutionTask) (Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	body, err := json.Marshal(task)
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

	req, err := http.NewRequestWithContext(runCtx, http.MethodPost, b.baseURL+b.executePath, bytes.NewReader(body))
	if err != nil {
		cancelRun()
		return nil, NewClassifiedError(ClassPermanent, fmt.Errorf("build request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("X-Task-ID", task.TaskID)
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		cancelRun()
		return nil, NewClassifiedError(ClassTransient, fmt.Errorf("submit task: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyCap))
		resp.Body.Close()
		cancelRun()
		class := ClassifyHTTPStatus(resp.StatusCode)
		return nil, NewClassifiedError(class, fmt.Errorf("submit task: status %d: %s", resp.StatusCode, strings.TrimSpace(string(detail))))
	}

	h := &remoteHandle{runCtx: runCtx}
	h.baseHandle = newBaseHandle(task.TaskID, func(reason string) {
		h.mu.Lock()
		h.cancelled = true
		h.mu.Unlock()
		b.requestCancel(task.TaskID, reason)
		cancelRun()
	})

	b.logger.Info("remote task accepted", "task_id", task.TaskID, "job_id", task.JobID)

	go b.consume(h, resp.Body, cancelRun, time.Now())
	return h, nil
}

type remoteHandle struct {
	*baseHandle
	runCtx    context.Context
	cancelled bool
}

func (h *remoteHandle) wasCancelled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.cancelled
}

// consume reads SSE frames off the response body until the stream ends,
// then settles the handle.
func (b *RemoteBackend) consume(h *remoteHandle, body io.ReadCloser, cancelRun context.CancelFunc, started time.Time) {
	defer cancelRun()
	defer body.Close()

	var (
		protoResult *ExecutionResult
		sawEvents   bool
		streamErr   error
	)

	reader := bufio.NewReaderSize(body, scanInitialBuf)
	for {
		frame, err := readSSEFrame(reader)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				streamErr = err
			}
			break
		}
		if len(frame) == 0 {
			continue
		}
		sawEvents = true

		ev, err := UnmarshalEvent(frame)
		if err != nil {
			b.logger.Warn("dropping malformed stream frame", "task_id", h.taskID, "error", err)
			continue
		}
		if ce, ok := ev.(*CompleteEvent); ok && ce.Result != nil {
			protoResult = ce.Result
		}

		select {
		case <-h.runCtx.Done():
		case h.events <- ev:
		}
	}

	h.settle(b.finalize(h, protoResult, streamErr, sawEvents, started), nil)
}

func (b *RemoteBackend) finalize(h *remoteHandle, protoResult *ExecutionResult, streamErr error, sawEvents bool, started time.Time) *ExecutionResult {
	switch {
	case h.wasCancelled():
		b.logger.Info("remote task cancelled", "task_id", h.taskID)
		return failedResult(h.taskID, StatusCancelled, ClassTransient, "task cancelled", started, sawEvents)

	case h.runCtx.Err() == context.DeadlineExceeded:
		b.logger.Warn("remote task timed out", "task_id", h.taskID)
		return failedResult(h.taskID, StatusTimedOut, ClassTimeout, "task deadline exceeded", started, sawEvents)
	}

	if protoResult != nil {
		fillResult(protoResult, h.taskID, time.Since(started).Milliseconds(), "")
		return protoResult
	}

	msg := "stream ended without a completion frame"
	if streamErr != nil {
		msg = fmt.Sprintf("stream read failed: %v", streamErr)
	}
	b.logger.Warn("remote task failed", "task_id", h.taskID, "error", msg)
	return failedResult(h.taskID, StatusFailed, ClassTransient, msg, started, sawEvents)
}

// requestCancel tells the remote service to stop the task. Best effort; the
// local context teardown is what guarantees the handle settles.
func (b *RemoteBackend) requestCancel(taskID, reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), cancelRequestBudget)
	defer cancel()

	path := strings.ReplaceAll(b.cancelPath, "{task_id}", taskID)
	payload, _ := json.Marshal(map[string]string{"reason": reason})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		b.logger.Warn("remote cancel request failed", "task_id", taskID, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, errorBodyCap))
}

func (b *RemoteBackend) authorize(req *http.Request) {
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}
}

// readSSEFrame reads one server-sent event and returns its data payload.
// Comment lines are skipped, multi-line data is joined with newlines, and
// io.EOF is returned once the stream is exhausted.
func readSSEFrame(r *bufio.Reader) ([]byte, error) {
	var data bytes.Buffer
	sawField := false
	for {
		line, err := r.ReadString('\n')
		trimmed := strings.TrimRight(line, "\r\n")

		switch {
		case trimmed == "":
		case strings.HasPrefix(trimmed, ":"):
			// Heartbeat comment.
		case strings.HasPrefix(trimmed, "data:"):
			sawField = true
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(trimmed, "data:"), " "))
		default:
			// Other fields (event, id, retry) carry no payload we use;
			// the frame type lives inside the JSON data.
			sawField = true
		}

		if err != nil {
			if errors.Is(err, io.EOF) && sawField && data.Len() > 0 {
				return data.Bytes(), nil
			}
			return nil, err
		}
		if trimmed == "" && sawField {
			return data.Bytes(), nil
		}
	}
}
