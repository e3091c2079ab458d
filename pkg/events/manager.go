package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/metrics"
)

// listenTimeout bounds the synchronous LISTEN issued for a channel's first
// subscriber. Without it a stalled bridge connection would block the
// client's Connect call indefinitely.
const listenTimeout = 10 * time.Second

// Manager fans events out to SSE connections. Each channel owns a monotonic
// event counter and a bounded ring buffer for resume-by-Last-Event-ID; each
// connection owns a bounded write queue so one slow client never stalls the
// rest.
type Manager struct {
	cfg *config.SSEConfig

	mu        sync.Mutex
	channels  map[string]*channelState
	connCount int
	closed    bool

	listenerMu sync.RWMutex
	listener   ChannelListener

	done chan struct{}
	wg   sync.WaitGroup
}

type channelState struct {
	nextID int64
	ring   []Event
	conns  map[string]*connection
}

// since returns the buffered events with id greater than lastEventID, in
// broadcast order.
func (st *channelState) since(lastEventID int64) []Event {
	if len(st.ring) == 0 {
		return nil
	}
	out := make([]Event, 0, len(st.ring))
	for _, ev := range st.ring {
		if ev.ID > lastEventID {
			out = append(out, ev)
		}
	}
	return out
}

type connection struct {
	id      string
	channel string
	events  chan Event

	overflowOnce sync.Once
	overflowCh   chan struct{}

	mu                 sync.Mutex
	dropped            int64
	backpressuredSince time.Time
}

// offer queues an event without blocking. A full queue drops the event for
// this connection only; staying backpressured past the grace window flags
// the connection for an overflow close.
func (c *connection) offer(ev Event, grace time.Duration) {
	select {
	case c.events <- ev:
		c.mu.Lock()
		c.backpressuredSince = time.Time{}
		c.mu.Unlock()
	default:
		metrics.SSEEventsDroppedTotal.Inc()
		c.mu.Lock()
		c.dropped++
		now := time.Now()
		if c.backpressuredSince.IsZero() {
			c.backpressuredSince = now
		}
		overflowed := now.Sub(c.backpressuredSince) > grace
		c.mu.Unlock()
		if overflowed {
			c.signalOverflow()
		}
	}
}

func (c *connection) signalOverflow() {
	c.overflowOnce.Do(func() { close(c.overflowCh) })
}

func (c *connection) dropCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropped
}

// NewManager creates an SSE fan-out manager.
func NewManager(cfg *config.SSEConfig) *Manager {
	return &Manager{
		cfg:      cfg,
		channels: make(map[string]*channelState),
		done:     make(chan struct{}),
	}
}

// SetListener installs the LISTEN/UNLISTEN hook. Called once during startup
// after both the manager and the notify listener exist.
func (m *Manager) SetListener(l ChannelListener) {
	m.listenerMu.Lock()
	defer m.listenerMu.Unlock()
	m.listener = l
}

func (m *Manager) channelListener() ChannelListener {
	m.listenerMu.RLock()
	defer m.listenerMu.RUnlock()
	return m.listener
}

// Broadcast assigns the next channel id to the event, retains it in the
// ring buffer, and fans it out to subscribers without blocking. Payloads
// already holding marshaled JSON pass through untouched.
func (m *Manager) Broadcast(ctx context.Context, channel, eventType string, payload any) (int64, error) {
	data, err := marshalData(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return 0, ErrManagerClosed
	}
	st := m.state(channel)
	st.nextID++
	ev := Event{ID: st.nextID, Channel: channel, Type: eventType, Data: data}
	st.ring = append(st.ring, ev)
	if len(st.ring) > m.cfg.BufferSize {
		st.ring = st.ring[len(st.ring)-m.cfg.BufferSize:]
	}
	conns := make([]*connection, 0, len(st.conns))
	for _, c := range st.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	grace := time.Duration(m.cfg.OverflowGrace)
	for _, c := range conns {
		c.offer(ev, grace)
	}
	return ev.ID, nil
}

// Connect serves an SSE response on w until ctx is cancelled, the client
// stops accepting writes, or the manager shuts down. A non-negative
// lastEventID replays buffered events with greater ids before tailing live;
// pass -1 for a live tail only.
func (m *Manager) Connect(ctx context.Context, w http.ResponseWriter, channel string, lastEventID int64) error {
	// First decide whether this channel needs a LISTEN on the bridge. The
	// LISTEN completes before the replay snapshot so no remote event can
	// fall between the two.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	if m.cfg.MaxConnections > 0 && m.connCount >= m.cfg.MaxConnections {
		m.mu.Unlock()
		return ErrTooManyConnections
	}
	st := m.state(channel)
	needsListen := len(st.conns) == 0
	m.mu.Unlock()

	if needsListen {
		if l := m.channelListener(); l != nil {
			lctx, cancel := context.WithTimeout(ctx, listenTimeout)
			err := l.Subscribe(lctx, channel)
			cancel()
			if err != nil {
				return fmt.Errorf("listen on channel %s: %w", channel, err)
			}
		}
	}

	conn := &connection{
		id:         uuid.New().String(),
		channel:    channel,
		events:     make(chan Event, m.cfg.ConnectionBuffer),
		overflowCh: make(chan struct{}),
	}

	// Snapshot the replay window and register in one critical section so
	// every event lands in exactly one of: replay slice, live queue.
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrManagerClosed
	}
	st = m.state(channel)
	var replay []Event
	if lastEventID >= 0 {
		replay = st.since(lastEventID)
	}
	st.conns[conn.id] = conn
	m.connCount++
	// Add under the lock: Shutdown flips closed before waiting, so every
	// registered connection is counted.
	m.wg.Add(1)
	m.mu.Unlock()
	metrics.SSEConnections.Inc()
	defer m.unregister(conn)

	log := slog.With("connection_id", conn.id, "channel", channel)
	log.Debug("Stream connection opened", "last_event_id", lastEventID)

	rc := http.NewResponseController(w)
	header := w.Header()
	header.Set("Content-Type", "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	// Flush the headers now so the client sees the stream open before the
	// first event or heartbeat.
	_ = rc.Flush()

	heartbeat := time.Duration(m.cfg.HeartbeatInterval)

	for _, ev := range replay {
		if err := writeEvent(w, rc, heartbeat, ev); err != nil {
			log.Debug("Stream replay write failed", "error", err)
			return nil
		}
	}

	ticker := time.NewTicker(heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Debug("Stream connection closed by client")
			return nil
		case <-m.done:
			return nil
		case <-conn.overflowCh:
			m.writeOverflow(w, rc, heartbeat, conn)
			log.Warn("Stream connection closed after overflow",
				"dropped", conn.dropCount())
			return nil
		case ev := <-conn.events:
			if err := writeEvent(w, rc, heartbeat, ev); err != nil {
				log.Debug("Stream write failed", "error", err)
				return nil
			}
		case <-ticker.C:
			if err := writeComment(w, rc, heartbeat, "heartbeat"); err != nil {
				log.Debug("Stream heartbeat failed", "error", err)
				return nil
			}
		}
	}
}

// Shutdown closes every connection and rejects further connects and
// broadcasts. It blocks until all serve loops have returned.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()

	m.mu.Lock()
	m.channels = make(map[string]*channelState)
	m.connCount = 0
	m.mu.Unlock()
	slog.Info("Event manager shut down")
}

// ActiveConnections returns the number of open stream connections.
func (m *Manager) ActiveConnections() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connCount
}

// subscriberCount returns the subscriber count for a channel. Unexported;
// tests poll it instead of sleeping.
func (m *Manager) subscriberCount(channel string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.channels[channel]; ok {
		return len(st.conns)
	}
	return 0
}

// state returns the channel state, creating it on first use. Caller holds
// m.mu.
func (m *Manager) state(channel string) *channelState {
	st, ok := m.channels[channel]
	if !ok {
		st = &channelState{conns: make(map[string]*connection)}
		m.channels[channel] = st
	}
	return st
}

func (m *Manager) unregister(conn *connection) {
	m.mu.Lock()
	lastSubscriber := false
	if st, ok := m.channels[conn.channel]; ok {
		if _, registered := st.conns[conn.id]; registered {
			delete(st.conns, conn.id)
			m.connCount--
			metrics.SSEConnections.Dec()
		}
		lastSubscriber = len(st.conns) == 0
	}
	closed := m.closed
	m.mu.Unlock()
	m.wg.Done()

	if !lastSubscriber || closed {
		return
	}
	l := m.channelListener()
	if l == nil {
		return
	}
	// UNLISTEN out of band, re-checking first: a quick disconnect/reconnect
	// cycle must not drop an active LISTEN.
	go func() {
		if m.subscriberCount(conn.channel) > 0 {
			return
		}
		if err := l.Unsubscribe(context.Background(), conn.channel); err != nil {
			slog.Error("Failed to UNLISTEN channel", "channel", conn.channel, "error", err)
		}
	}()
}

func (m *Manager) writeOverflow(w http.ResponseWriter, rc *http.ResponseController, budget time.Duration, conn *connection) {
	data, err := json.Marshal(overflowPayload{Dropped: conn.dropCount()})
	if err != nil {
		return
	}
	setWriteBudget(rc, budget)
	if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", EventStreamOverflow, data); err != nil {
		return
	}
	_ = rc.Flush()
}

// writeEvent writes one SSE frame. JSON payloads never contain raw
// newlines, so a single data: line is always a complete frame.
func writeEvent(w http.ResponseWriter, rc *http.ResponseController, budget time.Duration, ev Event) error {
	setWriteBudget(rc, budget)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.ID, ev.Type, ev.Data); err != nil {
		return err
	}
	return rc.Flush()
}

func writeComment(w http.ResponseWriter, rc *http.ResponseController, budget time.Duration, text string) error {
	setWriteBudget(rc, budget)
	if _, err := fmt.Fprintf(w, ": %s\n\n", text); err != nil {
		return err
	}
	return rc.Flush()
}

// setWriteBudget gives the next write one heartbeat period to complete, so a
// client that stops accepting is dropped. Writers without deadline support
// (test recorders, h2 streams) are left unbounded.
func setWriteBudget(rc *http.ResponseController, budget time.Duration) {
	if budget <= 0 {
		return
	}
	_ = rc.SetWriteDeadline(time.Now().Add(budget))
}

func marshalData(payload any) (json.RawMessage, error) {
	switch v := payload.(type) {
	case json.RawMessage:
		return v, nil
	case []byte:
		return json.RawMessage(v), nil
	default:
		return json.Marshal(payload)
	}
}
