// Package events provides real-time event streaming: an SSE fan-out manager
// for connected clients, and a Postgres NOTIFY bridge that carries events
// between control-plane replicas.
//
// One event takes one of two paths:
//
//   - Single replica / tests: components call Manager.Broadcast directly.
//   - Multi replica: components call Publisher.Broadcast, which persists the
//     event and fires pg_notify in one transaction. Every replica's
//     NotifyListener re-broadcasts received frames into its local Manager.
//
// SSE ids are assigned per channel by each replica's Manager, so resume via
// Last-Event-ID is a contract between a client and the replica it was
// talking to.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/cortexhq/cortex/pkg/models"
)

// Event types on the wire (the SSE "event:" field).
const (
	// EventAgentState announces a job lifecycle transition.
	EventAgentState = "agent:state"

	// EventAgentOutput relays one backend output event.
	EventAgentOutput = "agent:output"

	// EventAgentComplete carries a job's terminal execution result.
	EventAgentComplete = "agent:complete"

	// EventChannelHealth is the periodic replica health beat.
	EventChannelHealth = "channel:health"

	// EventStreamOverflow is the final event written to a connection that
	// stayed backpressured past the grace window.
	EventStreamOverflow = "stream:overflow"
)

// HealthChannel carries replica health beats.
const HealthChannel = "_channel_health"

// AgentChannel names the stream channel for one agent.
func AgentChannel(agentID string) string { return "agent:" + agentID }

// JobChannel names the stream channel for one job.
func JobChannel(jobID string) string { return "job:" + jobID }

// Sentinel errors for stream connections.
var (
	// ErrManagerClosed indicates the manager has shut down.
	ErrManagerClosed = errors.New("event manager closed")

	// ErrTooManyConnections indicates the connection cap was hit.
	ErrTooManyConnections = errors.New("too many stream connections")
)

// Event is one broadcast element: the id is channel-scoped and strictly
// increasing, so clients resume with Last-Event-ID.
type Event struct {
	ID      int64           `json:"id"`
	Channel string          `json:"channel"`
	Type    string          `json:"type"`
	Data    json.RawMessage `json:"data"`
}

// Broadcaster publishes one event to a channel and returns its id. Manager
// satisfies it for single-replica setups, Publisher for durable
// cross-replica delivery.
type Broadcaster interface {
	Broadcast(ctx context.Context, channel, eventType string, payload any) (int64, error)
}

// ChannelListener is told when a channel gains its first local subscriber or
// loses its last one. The NOTIFY listener implements it so LISTEN traffic
// stays scoped to channels somebody is watching.
type ChannelListener interface {
	Subscribe(ctx context.Context, channel string) error
	Unsubscribe(ctx context.Context, channel string) error
}

// notifyFrame is the JSON document carried by pg_notify. Frames over the
// NOTIFY size limit drop Data and set Truncated; receivers re-fetch the
// stored payload by EventID.
type notifyFrame struct {
	EventID   int64           `json:"event_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	Truncated bool            `json:"truncated,omitempty"`
}

// storedDoc is the events.payload column layout.
type storedDoc struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// AgentStatePayload is the data document for agent:state events.
type AgentStatePayload struct {
	JobID   string           `json:"job_id"`
	AgentID string           `json:"agent_id,omitempty"`
	Status  models.JobStatus `json:"status"`
	Attempt int              `json:"attempt,omitempty"`
	Error   *models.JobError `json:"error,omitempty"`
}

// AgentOutputPayload is the data document for agent:output events. Event
// holds the marshaled backend output event, Kind its discriminator.
type AgentOutputPayload struct {
	JobID  string          `json:"job_id"`
	TaskID string          `json:"task_id,omitempty"`
	Kind   string          `json:"kind"`
	Event  json.RawMessage `json:"event"`
}

// AgentCompletePayload is the data document for agent:complete events.
type AgentCompletePayload struct {
	JobID      string           `json:"job_id"`
	Status     models.JobStatus `json:"status"`
	Error      *models.JobError `json:"error,omitempty"`
	DurationMs int64            `json:"duration_ms,omitempty"`
}

// ChannelHealthPayload is the data document for channel:health beats.
type ChannelHealthPayload struct {
	PodID    string            `json:"pod_id"`
	Healthy  bool              `json:"healthy"`
	Backends map[string]string `json:"backends,omitempty"`
	At       time.Time         `json:"at"`
}

// overflowPayload is the data document for the stream:overflow close event.
type overflowPayload struct {
	Dropped int64 `json:"dropped"`
}
