package models

import (
	"encoding/json"
	"time"
)

// RiskLevel categorizes an approval request. It picks the default TTL,
// whether a notification is sent, and whether the request auto-approves.
type RiskLevel string

const (
	RiskP0 RiskLevel = "P0" // destructive / irreversible
	RiskP1 RiskLevel = "P1" // high impact
	RiskP2 RiskLevel = "P2" // moderate impact
	RiskP3 RiskLevel = "P3" // routine; auto-approved
)

// Valid reports whether r is a known risk level.
func (r RiskLevel) Valid() bool {
	switch r {
	case RiskP0, RiskP1, RiskP2, RiskP3:
		return true
	}
	return false
}

// AutoApprovable reports whether requests at this tier are approved at
// creation time without a human decision.
func (r RiskLevel) AutoApprovable() bool {
	return r == RiskP3
}

// ApprovalStatus is the lifecycle state of an ApprovalRequest.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusExpired  ApprovalStatus = "EXPIRED"
)

// Decision is the verdict passed to ApprovalService.Decide.
type Decision string

const (
	DecisionApproved Decision = "APPROVED"
	DecisionRejected Decision = "REJECTED"
)

// Valid reports whether d is a known decision.
func (d Decision) Valid() bool {
	return d == DecisionApproved || d == DecisionRejected
}

// ApprovalRequest gates a specific job action behind a human decision.
// TokenHash stores the SHA-256 of the single-use plaintext token; the
// plaintext itself is returned once at creation and never persisted.
type ApprovalRequest struct {
	ID                   string          `json:"id"`
	JobID                string          `json:"job_id"`
	AgentID              string          `json:"agent_id"`
	ActionType           string          `json:"action_type"`
	ActionSummary        string          `json:"action_summary"`
	ActionDetail         json.RawMessage `json:"action_detail,omitempty"`
	TokenHash            string          `json:"-"`
	Status               ApprovalStatus  `json:"status"`
	RiskLevel            RiskLevel       `json:"risk_level"`
	ApproverUserID       *string         `json:"approver_user_id,omitempty"`
	RequestedAt          time.Time       `json:"requested_at"`
	DecidedAt            *time.Time      `json:"decided_at,omitempty"`
	DecidedBy            *string         `json:"decided_by,omitempty"`
	ExpiresAt            time.Time       `json:"expires_at"`
	ResumePayload        json.RawMessage `json:"resume_payload,omitempty"`
	BlastRadius          json.RawMessage `json:"blast_radius,omitempty"`
	NotificationChannels json.RawMessage `json:"notification_channels,omitempty"`
	DecisionNote         *string         `json:"decision_note,omitempty"`
}

// NotificationReceipt records one delivered approval notification.
// Receipts accumulate in ApprovalRequest.NotificationChannels.
type NotificationReceipt struct {
	Channel   string    `json:"channel"`
	Target    string    `json:"target"`
	MessageID string    `json:"message_id,omitempty"`
	SentAt    time.Time `json:"sent_at"`
}

// CreateApprovalInput is the input to ApprovalService.CreateRequest.
type CreateApprovalInput struct {
	JobID          string          `json:"job_id"`
	AgentID        string          `json:"agent_id"`
	ActionType     string          `json:"action_type"`
	ActionSummary  string          `json:"action_summary"`
	ActionDetail   json.RawMessage `json:"action_detail,omitempty"`
	TTLSeconds     int             `json:"ttl_seconds,omitempty"`
	ApproverUserID string          `json:"approver_user_id,omitempty"`
	RiskLevel      RiskLevel       `json:"risk_level,omitempty"`
	ResumePayload  json.RawMessage `json:"resume_payload,omitempty"`
	BlastRadius    json.RawMessage `json:"blast_radius,omitempty"`
}

// CreateApprovalResult is returned by ApprovalService.CreateRequest.
// PlaintextToken is the only copy of the token that will ever exist.
type CreateApprovalResult struct {
	ApprovalRequestID string    `json:"approval_request_id"`
	PlaintextToken    string    `json:"plaintext_token"`
	ExpiresAt         time.Time `json:"expires_at"`
	RiskLevel         RiskLevel `json:"risk_level"`
	AutoApprovable    bool      `json:"auto_approvable"`
	ShouldNotify      bool      `json:"should_notify"`
}

// DecideInput is the input to ApprovalService.Decide.
type DecideInput struct {
	Decision      Decision        `json:"decision"`
	DecidedBy     string          `json:"decided_by"`
	Channel       string          `json:"channel"`
	Reason        string          `json:"reason,omitempty"`
	ActorMetadata json.RawMessage `json:"actor_metadata,omitempty"`
}

// DecideResult is returned by ApprovalService.Decide.
type DecideResult struct {
	Success           bool           `json:"success"`
	ApprovalRequestID string         `json:"approval_request_id"`
	Status            ApprovalStatus `json:"status"`
	DecidedBy         string         `json:"decided_by,omitempty"`
	DecidedAt         *time.Time     `json:"decided_at,omitempty"`
	EntryHash         string         `json:"entry_hash,omitempty"`
}

// ApprovalFilters contains filtering options for listing approval requests.
type ApprovalFilters struct {
	JobID   string `json:"job_id,omitempty"`
	AgentID string `json:"agent_id,omitempty"`
	Status  string `json:"status,omitempty"`
	Limit   int    `json:"limit,omitempty"`
	Offset  int    `json:"offset,omitempty"`
}

// ApprovalListResponse contains a paginated approval request list.
type ApprovalListResponse struct {
	Approvals  []*ApprovalRequest `json:"approvals"`
	TotalCount int                `json:"total_count"`
	Limit      int                `json:"limit"`
	Offset     int                `json:"offset"`
}
