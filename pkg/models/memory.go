package models

import "time"

// MemoryExtractState tracks, per session, how many assistant messages are
// pending extraction. When PendingCount crosses the configured threshold
// (or the owning job ends) the pending batch is stamped flushed for the
// external extractor and the counter resets.
type MemoryExtractState struct {
	SessionID    string     `json:"session_id"`
	PendingCount int        `json:"pending_count"`
	LastFlushAt  *time.Time `json:"last_flush_at,omitempty"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// MemoryExtractMessage is one message body queued for the external memory
// extractor.
type MemoryExtractMessage struct {
	ID        string     `json:"id"`
	SessionID string     `json:"session_id"`
	JobID     *string    `json:"job_id,omitempty"`
	Role      string     `json:"role"`
	Content   string     `json:"content"`
	CreatedAt time.Time  `json:"created_at"`
	FlushedAt *time.Time `json:"flushed_at,omitempty"`
}
