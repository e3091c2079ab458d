package events

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/config"
)

func testSSEConfig() *config.SSEConfig {
	return &config.SSEConfig{
		HeartbeatInterval: config.Duration(time.Minute),
		BufferSize:        16,
		ConnectionBuffer:  8,
		OverflowGrace:     config.Duration(10 * time.Second),
	}
}

// fakeListener records Subscribe/Unsubscribe calls.
type fakeListener struct {
	mu           sync.Mutex
	subscribed   []string
	unsubscribed []string
	subscribeErr error
}

func (f *fakeListener) Subscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subscribeErr != nil {
		return f.subscribeErr
	}
	f.subscribed = append(f.subscribed, channel)
	return nil
}

func (f *fakeListener) Unsubscribe(_ context.Context, channel string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.unsubscribed = append(f.unsubscribed, channel)
	return nil
}

func (f *fakeListener) subscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.subscribed...)
}

func (f *fakeListener) unsubscribeCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.unsubscribed...)
}

func setupTestManager(t *testing.T, cfg *config.SSEConfig) (*Manager, *httptest.Server) {
	t.Helper()

	manager := NewManager(cfg)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		channel := r.URL.Query().Get("channel")
		lastID := int64(-1)
		if v := r.Header.Get("Last-Event-ID"); v != "" {
			parsed, err := strconv.ParseInt(v, 10, 64)
			if err == nil {
				lastID = parsed
			}
		}
		if err := manager.Connect(r.Context(), w, channel, lastID); err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
		}
	}))

	t.Cleanup(func() {
		manager.Shutdown()
		server.Close()
	})
	return manager, server
}

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

func connectSSE(t *testing.T, server *httptest.Server, channel string, lastEventID int64) *sseClient {
	t.Helper()

	req, err := http.NewRequest(http.MethodGet, server.URL+"?channel="+channel, nil)
	require.NoError(t, err)
	if lastEventID >= 0 {
		req.Header.Set("Last-Event-ID", strconv.FormatInt(lastEventID, 10))
	}

	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	t.Cleanup(func() { resp.Body.Close() })

	c := &sseClient{frames: make(chan sseFrame, 64), resp: resp}
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

func (c *sseClient) read(t *testing.T) sseFrame {
	t.Helper()
	select {
	case f, ok := <-c.frames:
		require.True(t, ok, "stream closed before a frame arrived")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SSE frame")
		return sseFrame{}
	}
}

// readEvent skips heartbeat comments and returns the next event frame.
func (c *sseClient) readEvent(t *testing.T) sseFrame {
	t.Helper()
	for {
		f := c.read(t)
		if f.event != "" {
			return f
		}
	}
}

func (c *sseClient) expectNoFrame(t *testing.T) {
	t.Helper()
	select {
	case f := <-c.frames:
		t.Fatalf("unexpected frame: %+v", f)
	case <-time.After(200 * time.Millisecond):
	}
}

func waitForSubscribers(t *testing.T, m *Manager, channel string, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		return m.subscriberCount(channel) == n
	}, 5*time.Second, 10*time.Millisecond)
}

func TestManager_BroadcastAssignsMonotonicIDs(t *testing.T) {
	m := NewManager(testSSEConfig())
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		id, err := m.Broadcast(ctx, "job:abc", "agent:output", map[string]string{"n": "x"})
		require.NoError(t, err)
		assert.Equal(t, want, id)
	}

	// Each channel counts independently.
	id, err := m.Broadcast(ctx, "job:other", "agent:output", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestManager_LiveTail(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())

	client := connectSSE(t, server, "job:live", -1)
	waitForSubscribers(t, m, "job:live", 1)

	_, err := m.Broadcast(context.Background(), "job:live", "agent:output", map[string]string{"chunk": "hello"})
	require.NoError(t, err)

	f := client.readEvent(t)
	assert.Equal(t, "1", f.id)
	assert.Equal(t, "agent:output", f.event)
	assert.JSONEq(t, `{"chunk":"hello"}`, f.data)
}

func TestManager_LiveTailSkipsHistory(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := m.Broadcast(ctx, "job:tail", "agent:output", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	// No Last-Event-ID header: history is not replayed.
	client := connectSSE(t, server, "job:tail", -1)
	waitForSubscribers(t, m, "job:tail", 1)

	_, err := m.Broadcast(ctx, "job:tail", "agent:output", map[string]int{"seq": 3})
	require.NoError(t, err)

	f := client.readEvent(t)
	assert.Equal(t, "4", f.id)
	assert.JSONEq(t, `{"seq":3}`, f.data)
}

func TestManager_ResumeReplaysMissedEvents(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())
	ctx := context.Background()

	for i := 1; i <= 5; i++ {
		_, err := m.Broadcast(ctx, "job:resume", "agent:output", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	// Resume after event 2: replay 3, 4, 5 in order, then go live.
	client := connectSSE(t, server, "job:resume", 2)
	for want := 3; want <= 5; want++ {
		f := client.readEvent(t)
		assert.Equal(t, strconv.Itoa(want), f.id)
		assert.JSONEq(t, fmt.Sprintf(`{"seq":%d}`, want), f.data)
	}

	waitForSubscribers(t, m, "job:resume", 1)
	_, err := m.Broadcast(ctx, "job:resume", "agent:complete", map[string]string{"status": "COMPLETED"})
	require.NoError(t, err)

	f := client.readEvent(t)
	assert.Equal(t, "6", f.id)
	assert.Equal(t, "agent:complete", f.event)
}

func TestManager_RingBufferTrimsOldest(t *testing.T) {
	cfg := testSSEConfig()
	cfg.BufferSize = 4
	m, server := setupTestManager(t, cfg)
	ctx := context.Background()

	for i := 1; i <= 6; i++ {
		_, err := m.Broadcast(ctx, "job:ring", "agent:output", map[string]int{"seq": i})
		require.NoError(t, err)
	}

	// Only the last BufferSize events survive; resume from 0 replays 3..6.
	client := connectSSE(t, server, "job:ring", 0)
	for want := 3; want <= 6; want++ {
		f := client.readEvent(t)
		assert.Equal(t, strconv.Itoa(want), f.id)
	}
	client.expectNoFrame(t)
}

func TestManager_ChannelIsolation(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())
	ctx := context.Background()

	client := connectSSE(t, server, "job:mine", -1)
	waitForSubscribers(t, m, "job:mine", 1)

	_, err := m.Broadcast(ctx, "job:other", "agent:output", map[string]string{"target": "other"})
	require.NoError(t, err)
	_, err = m.Broadcast(ctx, "job:mine", "agent:output", map[string]string{"target": "mine"})
	require.NoError(t, err)

	f := client.readEvent(t)
	assert.JSONEq(t, `{"target":"mine"}`, f.data)
	client.expectNoFrame(t)
}

func TestManager_Heartbeat(t *testing.T) {
	cfg := testSSEConfig()
	cfg.HeartbeatInterval = config.Duration(30 * time.Millisecond)
	_, server := setupTestManager(t, cfg)

	client := connectSSE(t, server, "job:beat", -1)

	f := client.read(t)
	assert.Equal(t, "heartbeat", f.comment)
	assert.Empty(t, f.event)
}

func TestManager_FanOut(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())

	client1 := connectSSE(t, server, "job:fan", -1)
	client2 := connectSSE(t, server, "job:fan", -1)
	waitForSubscribers(t, m, "job:fan", 2)
	assert.Equal(t, 2, m.ActiveConnections())

	_, err := m.Broadcast(context.Background(), "job:fan", "agent:state", map[string]string{"status": "RUNNING"})
	require.NoError(t, err)

	for _, client := range []*sseClient{client1, client2} {
		f := client.readEvent(t)
		assert.Equal(t, "agent:state", f.event)
		assert.JSONEq(t, `{"status":"RUNNING"}`, f.data)
	}
}

func TestManager_BroadcastWithoutSubscribers(t *testing.T) {
	m := NewManager(testSSEConfig())

	id, err := m.Broadcast(context.Background(), "job:nobody", "agent:output", map[string]string{"x": "y"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)
}

func TestManager_RawPayloadPassesThrough(t *testing.T) {
	m := NewManager(testSSEConfig())

	_, err := m.Broadcast(context.Background(), "job:raw", "agent:output", []byte(`{"already":"encoded"}`))
	require.NoError(t, err)

	m.mu.Lock()
	ring := m.channels["job:raw"].ring
	m.mu.Unlock()
	require.Len(t, ring, 1)
	assert.JSONEq(t, `{"already":"encoded"}`, string(ring[0].Data))
}

func TestManager_ListenOnFirstSubscriberOnly(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())
	listener := &fakeListener{}
	m.SetListener(listener)

	connectSSE(t, server, "job:listen", -1)
	waitForSubscribers(t, m, "job:listen", 1)
	connectSSE(t, server, "job:listen", -1)
	waitForSubscribers(t, m, "job:listen", 2)

	assert.Equal(t, []string{"job:listen"}, listener.subscribeCalls())
}

func TestManager_UnlistenAfterLastSubscriber(t *testing.T) {
	m, server := setupTestManager(t, testSSEConfig())
	listener := &fakeListener{}
	m.SetListener(listener)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL+"?channel=job:unlisten", nil)
	require.NoError(t, err)
	resp, err := server.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	waitForSubscribers(t, m, "job:unlisten", 1)

	cancel()

	require.Eventually(t, func() bool {
		return len(listener.unsubscribeCalls()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"job:unlisten"}, listener.unsubscribeCalls())
	assert.Equal(t, 0, m.ActiveConnections())
}

func TestManager_SubscribeFailureFailsConnect(t *testing.T) {
	m := NewManager(testSSEConfig())
	m.SetListener(&fakeListener{subscribeErr: errors.New("bridge down")})

	err := m.Connect(context.Background(), httptest.NewRecorder(), "job:bad", -1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge down")
	assert.Equal(t, 0, m.ActiveConnections())
}

func TestManager_MaxConnections(t *testing.T) {
	cfg := testSSEConfig()
	cfg.MaxConnections = 1
	m, server := setupTestManager(t, cfg)

	connectSSE(t, server, "job:cap", -1)
	waitForSubscribers(t, m, "job:cap", 1)

	err := m.Connect(context.Background(), httptest.NewRecorder(), "job:cap", -1)
	assert.ErrorIs(t, err, ErrTooManyConnections)
}

func TestManager_Shutdown(t *testing.T) {
	m := NewManager(testSSEConfig())
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = m.Connect(r.Context(), w, r.URL.Query().Get("channel"), -1)
	}))
	defer server.Close()

	client := connectSSE(t, server, "job:down", -1)
	waitForSubscribers(t, m, "job:down", 1)

	m.Shutdown()

	// The serve loop exits and the response body drains.
	require.Eventually(t, func() bool {
		select {
		case _, ok := <-client.frames:
			return !ok
		default:
			return false
		}
	}, 5*time.Second, 10*time.Millisecond)

	_, err := m.Broadcast(context.Background(), "job:down", "agent:output", nil)
	assert.ErrorIs(t, err, ErrManagerClosed)
	err = m.Connect(context.Background(), httptest.NewRecorder(), "job:down", -1)
	assert.ErrorIs(t, err, ErrManagerClosed)
	assert.Equal(t, 0, m.ActiveConnections())

	// Idempotent.
	m.Shutdown()
}

// testStream is a goroutine-safe ResponseWriter whose writes block while the
// test holds its mutex, forcing backpressure on the serve loop.
type testStream struct {
	mu     sync.Mutex
	buf    bytes.Buffer
	header http.Header
}

func newTestStream() *testStream { return &testStream{header: make(http.Header)} }

func (s *testStream) Header() http.Header { return s.header }
func (s *testStream) WriteHeader(int)     {}
func (s *testStream) Flush()              {}

func (s *testStream) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.Write(p)
}

func (s *testStream) contents() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func TestManager_OverflowClosesSlowConnection(t *testing.T) {
	cfg := testSSEConfig()
	cfg.ConnectionBuffer = 2
	cfg.OverflowGrace = 0
	m := NewManager(cfg)
	t.Cleanup(m.Shutdown)

	stream := newTestStream()
	ctx := context.Background()
	done := make(chan error, 1)
	go func() {
		done <- m.Connect(ctx, stream, "job:slow", -1)
	}()
	waitForSubscribers(t, m, "job:slow", 1)

	// Hold the stream shut so the serve loop blocks mid-write, then flood
	// the connection past its queue.
	stream.mu.Lock()
	for i := 0; i < 10; i++ {
		_, err := m.Broadcast(ctx, "job:slow", "agent:output", map[string]int{"seq": i})
		require.NoError(t, err)
	}
	stream.mu.Unlock()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("overflowed connection did not close")
	}

	out := stream.contents()
	assert.Contains(t, out, "event: "+EventStreamOverflow)
	assert.Contains(t, out, `"dropped":`)
	assert.Equal(t, 0, m.ActiveConnections())
}

func TestConnection_OfferDropsWhenFull(t *testing.T) {
	conn := &connection{
		events:     make(chan Event, 1),
		overflowCh: make(chan struct{}),
	}

	conn.offer(Event{ID: 1}, time.Minute)
	conn.offer(Event{ID: 2}, time.Minute)
	conn.offer(Event{ID: 3}, time.Minute)

	assert.Equal(t, int64(2), conn.dropCount())
	select {
	case <-conn.overflowCh:
		t.Fatal("overflow signalled before grace elapsed")
	default:
	}

	// Draining clears the backpressure mark.
	<-conn.events
	conn.offer(Event{ID: 4}, time.Minute)
	conn.mu.Lock()
	assert.True(t, conn.backpressuredSince.IsZero())
	conn.mu.Unlock()
}

func TestConnection_OverflowAfterGrace(t *testing.T) {
	conn := &connection{
		events:     make(chan Event, 1),
		overflowCh: make(chan struct{}),
	}

	conn.offer(Event{ID: 1}, 0)
	conn.offer(Event{ID: 2}, 0) // first drop starts the clock
	time.Sleep(time.Millisecond)
	conn.offer(Event{ID: 3}, 0) // still backpressured past the zero grace

	select {
	case <-conn.overflowCh:
	default:
		t.Fatal("expected overflow signal after grace elapsed")
	}
}
