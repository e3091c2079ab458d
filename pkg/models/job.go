package models

import (
	"encoding/json"
	"time"
)

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobStatusPending            JobStatus = "PENDING"
	JobStatusScheduled          JobStatus = "SCHEDULED"
	JobStatusRunning            JobStatus = "RUNNING"
	JobStatusWaitingForApproval JobStatus = "WAITING_FOR_APPROVAL"
	JobStatusCompleted          JobStatus = "COMPLETED"
	JobStatusFailed             JobStatus = "FAILED"
	JobStatusTimedOut           JobStatus = "TIMED_OUT"
	JobStatusRetrying           JobStatus = "RETRYING"
	JobStatusDeadLetter         JobStatus = "DEAD_LETTER"
)

// jobTransitions is the legal transition set. The database trigger enforces
// the same set; this copy exists for validation and tests that do not reach
// the database.
var jobTransitions = map[JobStatus][]JobStatus{
	JobStatusPending:            {JobStatusScheduled},
	JobStatusScheduled:          {JobStatusRunning},
	JobStatusRunning:            {JobStatusCompleted, JobStatusFailed, JobStatusTimedOut, JobStatusWaitingForApproval},
	JobStatusWaitingForApproval: {JobStatusRunning, JobStatusFailed},
	JobStatusFailed:             {JobStatusRetrying, JobStatusDeadLetter},
	JobStatusRetrying:           {JobStatusScheduled},
	JobStatusCompleted:          nil,
	JobStatusTimedOut:           nil,
	JobStatusDeadLetter:         nil,
}

// Valid reports whether s is a known job status.
func (s JobStatus) Valid() bool {
	_, ok := jobTransitions[s]
	return ok
}

// Terminal reports whether s has no outgoing transitions.
func (s JobStatus) Terminal() bool {
	next, ok := jobTransitions[s]
	return ok && len(next) == 0
}

// CanTransitionTo reports whether s → to is a legal edge.
func (s JobStatus) CanTransitionTo(to JobStatus) bool {
	for _, n := range jobTransitions[s] {
		if n == to {
			return true
		}
	}
	return false
}

// JobError is the structured error document persisted on a failed job.
// Category holds an error classification (TRANSIENT, PERMANENT, TIMEOUT,
// RESOURCE).
type JobError struct {
	Category string `json:"category"`
	Message  string `json:"message"`
}

// Job is one unit of agent work.
type Job struct {
	ID                string          `json:"id"`
	AgentID           string          `json:"agent_id"`
	SessionID         *string         `json:"session_id,omitempty"`
	Status            JobStatus       `json:"status"`
	Priority          int             `json:"priority"`
	Payload           json.RawMessage `json:"payload,omitempty"`
	Result            json.RawMessage `json:"result,omitempty"`
	Checkpoint        json.RawMessage `json:"checkpoint,omitempty"`
	Error             *JobError       `json:"error,omitempty"`
	Attempt           int             `json:"attempt"`
	MaxAttempts       int             `json:"max_attempts"`
	TimeoutSeconds    int             `json:"timeout_seconds"`
	CreatedAt         time.Time       `json:"created_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	HeartbeatAt       *time.Time      `json:"heartbeat_at,omitempty"`
	ApprovalExpiresAt *time.Time      `json:"approval_expires_at,omitempty"`
}

// JobPayload is the instruction document carried by a job. The worker treats
// it as the authoritative description of what to execute.
type JobPayload struct {
	Prompt             string            `json:"prompt"`
	GoalType           string            `json:"goal_type,omitempty"`
	TargetFiles        []string          `json:"target_files,omitempty"`
	PreferredBackendID string            `json:"preferred_backend_id,omitempty"`
	WorkspacePath      string            `json:"workspace_path,omitempty"`
	Environment        map[string]string `json:"environment,omitempty"`
}

// CreateJobRequest contains fields for creating a job via the API.
type CreateJobRequest struct {
	AgentID        string          `json:"agent_id"`
	SessionID      string          `json:"session_id,omitempty"`
	Priority       int             `json:"priority,omitempty"`
	Payload        json.RawMessage `json:"payload"`
	MaxAttempts    int             `json:"max_attempts,omitempty"`
	TimeoutSeconds int             `json:"timeout_seconds,omitempty"`
}

// JobFilters contains filtering options for listing jobs.
type JobFilters struct {
	AgentID   string     `json:"agent_id,omitempty"`
	SessionID string     `json:"session_id,omitempty"`
	Status    string     `json:"status,omitempty"`
	Since     *time.Time `json:"since,omitempty"`
	Limit     int        `json:"limit,omitempty"`
	Offset    int        `json:"offset,omitempty"`
}

// JobListResponse contains a paginated job list.
type JobListResponse struct {
	Jobs       []*Job `json:"jobs"`
	TotalCount int    `json:"total_count"`
	Limit      int    `json:"limit"`
	Offset     int    `json:"offset"`
}
