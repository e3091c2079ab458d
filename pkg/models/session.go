package models

import (
	"encoding/json"
	"time"
)

// SessionStatus is the lifecycle state of a conversational session.
type SessionStatus string

const (
	SessionStatusActive   SessionStatus = "ACTIVE"
	SessionStatusArchived SessionStatus = "ARCHIVED"
)

// Session is a conversational thread between a user account and an agent.
// Sessions own their messages and reference their jobs; they are created on
// first dispatched message and never auto-destroyed.
type Session struct {
	ID            string          `json:"id"`
	AgentID       string          `json:"agent_id"`
	UserAccountID string          `json:"user_account_id"`
	Status        SessionStatus   `json:"status"`
	Metadata      json.RawMessage `json:"metadata,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

// MessageRole identifies the author of a session message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// SessionMessage is a single conversation turn. Messages are append-only:
// created when a message is dispatched or a text output event is observed,
// never mutated.
type SessionMessage struct {
	ID        string      `json:"id"`
	SessionID string      `json:"session_id"`
	JobID     *string     `json:"job_id,omitempty"`
	Role      MessageRole `json:"role"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}

// DispatchMessageRequest is the API input for dispatching a user message
// into a session, which creates and schedules a job.
type DispatchMessageRequest struct {
	AgentID       string          `json:"agent_id"`
	UserAccountID string          `json:"user_account_id"`
	Content       string          `json:"content"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
