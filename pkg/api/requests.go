package api

import "encoding/json"

// UpdateAgentStatusRequest is the HTTP request body for
// PATCH /api/v1/agents/:id/status.
type UpdateAgentStatusRequest struct {
	Status string `json:"status"`
}

// CancelJobRequest is the HTTP request body for POST /api/v1/jobs/:id/cancel.
type CancelJobRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecideApprovalRequest is the HTTP request body for
// POST /api/v1/approvals/:id/decide.
type DecideApprovalRequest struct {
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	ActorMetadata json.RawMessage `json:"actor_metadata,omitempty"`
}

// DecideByTokenRequest is the HTTP request body for
// POST /api/v1/approvals/decide. The token takes the place of a request id;
// it identifies the request and authorizes the decision in one step.
type DecideByTokenRequest struct {
	Token         string          `json:"token"`
	Decision      string          `json:"decision"`
	Reason        string          `json:"reason,omitempty"`
	ActorMetadata json.RawMessage `json:"actor_metadata,omitempty"`
}

// DispatchMessageRequest is the HTTP request body for
// POST /api/v1/agents/:id/messages. The agent id rides in the path; an empty
// user_account_id falls back to the proxy-authenticated actor.
type DispatchMessageRequest struct {
	UserAccountID string          `json:"user_account_id,omitempty"`
	Content       string          `json:"content"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}
