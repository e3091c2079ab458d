package models

import (
	"encoding/json"
	"time"
)

// AuditEventType identifies the kind of approval audit entry.
type AuditEventType string

const (
	AuditRequestCreated     AuditEventType = "request_created"
	AuditRequestDecided     AuditEventType = "request_decided"
	AuditRequestExpired     AuditEventType = "request_expired"
	AuditNotificationSent   AuditEventType = "notification_sent"
	AuditUnauthorizedAttempt AuditEventType = "unauthorized_attempt"
)

// AuditEntry is one append-only record in the approval audit log.
// For request_decided entries, Details carries the chained hash fields
// (entry_hash, previous_hash) that make the log tamper-evident.
type AuditEntry struct {
	ID                string          `json:"id"`
	ApprovalRequestID string          `json:"approval_request_id"`
	JobID             string          `json:"job_id"`
	EventType         AuditEventType  `json:"event_type"`
	Actor             *string         `json:"actor,omitempty"`
	Channel           *string         `json:"channel,omitempty"`
	Details           json.RawMessage `json:"details,omitempty"`
	CreatedAt         time.Time       `json:"created_at"`
}

// DecidedDetails is the Details document stored on request_decided entries.
// DecidedAt holds the canonical timestamp string that was hashed, so chain
// verification never depends on database timestamp precision.
type DecidedDetails struct {
	Decision     string `json:"decision"`
	DecidedAt    string `json:"decided_at"`
	Reason       string `json:"reason,omitempty"`
	EntryHash    string `json:"entry_hash"`
	PreviousHash string `json:"previous_hash,omitempty"`
}

// AuditTrailResponse is the API shape for an approval's audit trail.
type AuditTrailResponse struct {
	ApprovalRequestID string        `json:"approval_request_id"`
	Entries           []*AuditEntry `json:"entries"`
	ChainValid        bool          `json:"chain_valid"`
}
