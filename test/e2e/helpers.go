package e2e

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/models"
)

// ────────────────────────────────────────────────────────────
// HTTP client helpers
// ────────────────────────────────────────────────────────────

// CreateAgent posts an agent definition and returns the created record.
func (app *TestApp) CreateAgent(t *testing.T, req models.CreateAgentRequest) *models.Agent {
	t.Helper()
	var agent models.Agent
	app.postJSON(t, "/api/v1/agents", req, http.StatusCreated, &agent)
	require.NotEmpty(t, agent.ID)
	return &agent
}

// CreateJob posts a job and returns the scheduled record.
func (app *TestApp) CreateJob(t *testing.T, req models.CreateJobRequest) *models.Job {
	t.Helper()
	var job models.Job
	app.postJSON(t, "/api/v1/jobs", req, http.StatusAccepted, &job)
	require.NotEmpty(t, job.ID)
	require.Equal(t, models.JobStatusScheduled, job.Status)
	return &job
}

// CancelJob posts a cancellation for the job.
func (app *TestApp) CancelJob(t *testing.T, jobID, reason string) {
	t.Helper()
	body := map[string]string{"reason": reason}
	app.postJSON(t, "/api/v1/jobs/"+jobID+"/cancel", body, http.StatusOK, nil)
}

// DecideByToken posts a token decision and returns the parsed result.
func (app *TestApp) DecideByToken(t *testing.T, token string, decision models.Decision, reason string) *models.DecideResult {
	t.Helper()
	body := map[string]string{
		"token":    token,
		"decision": string(decision),
		"reason":   reason,
	}
	var result models.DecideResult
	app.postJSON(t, "/api/v1/approvals/decide", body, http.StatusOK, &result)
	return &result
}

func (app *TestApp) postJSON(t *testing.T, path string, body any, expectedStatus int, out any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, app.BaseURL+path, reader)
	require.NoError(t, err)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, expectedStatus, resp.StatusCode, "POST %s: unexpected status, body: %s", path, raw)
	if out != nil {
		require.NoError(t, json.Unmarshal(raw, out))
	}
}

// ────────────────────────────────────────────────────────────
// State wait helpers
// ────────────────────────────────────────────────────────────

// WaitJobStatus polls the job row until it reaches the wanted status and
// returns the final read.
func (app *TestApp) WaitJobStatus(t *testing.T, jobID string, want models.JobStatus) *models.Job {
	t.Helper()
	var job *models.Job
	require.Eventually(t, func() bool {
		j, err := app.Stores.Jobs.Get(context.Background(), jobID)
		if err != nil {
			return false
		}
		job = j
		return j.Status == want
	}, 20*time.Second, 25*time.Millisecond, "job %s never reached %s", jobID, want)
	return job
}

// WaitTaskCount waits until the echo backend has accepted n tasks.
func (app *TestApp) WaitTaskCount(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(app.Echo.Tasks()) >= n
	}, 20*time.Second, 25*time.Millisecond, "echo backend never accepted %d tasks", n)
}

// WaitQueueDrained waits until no unfinished queue rows remain.
func (app *TestApp) WaitQueueDrained(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		depth, err := app.Queue.Depth(context.Background())
		return err == nil && depth == 0
	}, 20*time.Second, 50*time.Millisecond, "queue never drained")
}

// BackdateApproval rewrites an approval request's expiry, simulating the
// passage of time for expiry sweep tests.
func (app *TestApp) BackdateApproval(t *testing.T, requestID string, to time.Time) {
	t.Helper()
	res, err := app.Pool.ExecContext(context.Background(),
		`UPDATE approval_requests SET expires_at = $1 WHERE id = $2`, to, requestID)
	require.NoError(t, err)
	n, err := res.RowsAffected()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

// jobPayload builds the minimal job payload document.
func jobPayload(t *testing.T, prompt string) json.RawMessage {
	t.Helper()
	doc, err := json.Marshal(models.JobPayload{Prompt: prompt})
	require.NoError(t, err)
	return doc
}

// ────────────────────────────────────────────────────────────
// SSE client
// ────────────────────────────────────────────────────────────

// sseFrame is one parsed server-sent event.
type sseFrame struct {
	id      string
	event   string
	data    string
	comment string
}

// sseClient reads frames off a live SSE response on a background goroutine
// so tests can receive with a timeout.
type sseClient struct {
	frames chan sseFrame
	resp   *http.Response
}

// ConnectStream opens an SSE connection to the channel through the HTTP API.
func (app *TestApp) ConnectStream(t *testing.T, channel string) *sseClient {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, app.BaseURL+"/api/v1/stream/"+channel, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { _ = resp.Body.Close() })

	c := &sseClient{frames: make(chan sseFrame, 256), resp: resp}
	go func() {
		defer close(c.frames)
		br := bufio.NewReader(resp.Body)
		var f sseFrame
		for {
			line, err := br.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\n")
			switch {
			case line == "":
				if f != (sseFrame{}) {
					c.frames <- f
					f = sseFrame{}
				}
			case strings.HasPrefix(line, "id: "):
				f.id = strings.TrimPrefix(line, "id: ")
			case strings.HasPrefix(line, "event: "):
				f.event = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				f.data = strings.TrimPrefix(line, "data: ")
			case strings.HasPrefix(line, ": "):
				f.comment = strings.TrimPrefix(line, ": ")
			}
		}
	}()
	return c
}

// readEvent skips heartbeat comments and returns the next event frame.
func (c *sseClient) readEvent(t *testing.T) sseFrame {
	t.Helper()
	deadline := time.After(20 * time.Second)
	for {
		select {
		case f, ok := <-c.frames:
			require.True(t, ok, "stream closed before a frame arrived")
			if f.event != "" {
				return f
			}
		case <-deadline:
			t.Fatal("timed out waiting for SSE frame")
			return sseFrame{}
		}
	}
}

// collectUntil reads event frames until one with the given type arrives,
// returning everything read including the terminator.
func (c *sseClient) collectUntil(t *testing.T, eventType string) []sseFrame {
	t.Helper()
	var frames []sseFrame
	for {
		f := c.readEvent(t)
		frames = append(frames, f)
		if f.event == eventType {
			return frames
		}
	}
}

// assertAscendingIDs verifies every frame id parses and strictly increases.
func assertAscendingIDs(t *testing.T, frames []sseFrame) {
	t.Helper()
	last := int64(-1)
	for _, f := range frames {
		id, err := strconv.ParseInt(f.id, 10, 64)
		require.NoError(t, err, "frame id %q is not numeric", f.id)
		require.Greater(t, id, last, "frame ids must be strictly increasing")
		last = id
	}
}
