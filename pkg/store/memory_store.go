package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/models"
)

// MemoryStore tracks per-session extraction state and the pending message
// bodies handed to the external memory extractor.
type MemoryStore struct {
	q Querier
}

// RecordMessage stores one message body for extraction and bumps the
// session's pending counter. Callers that need the two writes atomic run
// this inside InTx.
func (s *MemoryStore) RecordMessage(ctx context.Context, m *models.MemoryExtractMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO memory_extract_messages (id, session_id, job_id, role, content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		m.ID, m.SessionID, nullStr(m.JobID), m.Role, m.Content,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("record memory extract message: %w", err)
	}

	_, err = s.q.ExecContext(ctx,
		`INSERT INTO memory_extract_state (session_id, pending_count)
		 VALUES ($1, 1)
		 ON CONFLICT (session_id) DO UPDATE
		 SET pending_count = memory_extract_state.pending_count + 1,
		     updated_at = now()`, m.SessionID)
	if err != nil {
		return fmt.Errorf("bump memory extract counter for session %s: %w", m.SessionID, err)
	}
	return nil
}

// GetState returns the extraction state for a session.
func (s *MemoryStore) GetState(ctx context.Context, sessionID string) (*models.MemoryExtractState, error) {
	var (
		st          models.MemoryExtractState
		lastFlushAt sql.NullTime
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT session_id, pending_count, last_flush_at, updated_at
		 FROM memory_extract_state WHERE session_id = $1`, sessionID,
	).Scan(&st.SessionID, &st.PendingCount, &lastFlushAt, &st.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("memory extract state for session %s: %w", sessionID, ErrNotFound)
		}
		return nil, fmt.Errorf("get memory extract state for session %s: %w", sessionID, err)
	}
	st.LastFlushAt = timePtr(lastFlushAt)
	return &st, nil
}

// ListPending returns the unflushed messages for a session in append order.
func (s *MemoryStore) ListPending(ctx context.Context, sessionID string) ([]*models.MemoryExtractMessage, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, session_id, job_id, role, content, created_at, flushed_at
		 FROM memory_extract_messages
		 WHERE session_id = $1 AND flushed_at IS NULL
		 ORDER BY created_at, id`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list pending memory messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []*models.MemoryExtractMessage
	for rows.Next() {
		var (
			m         models.MemoryExtractMessage
			jobID     sql.NullString
			flushedAt sql.NullTime
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &jobID, &m.Role, &m.Content,
			&m.CreatedAt, &flushedAt); err != nil {
			return nil, fmt.Errorf("scan memory extract message: %w", err)
		}
		m.JobID = strPtr(jobID)
		m.FlushedAt = timePtr(flushedAt)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate memory extract messages: %w", err)
	}
	return messages, nil
}

// MarkFlushed stamps every pending message for the session and resets the
// counter. Returns how many messages were flushed.
func (s *MemoryStore) MarkFlushed(ctx context.Context, sessionID string, flushedAt time.Time) (int, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE memory_extract_messages SET flushed_at = $2
		 WHERE session_id = $1 AND flushed_at IS NULL`, sessionID, flushedAt)
	if err != nil {
		return 0, fmt.Errorf("flush memory messages for session %s: %w", sessionID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("flush memory messages for session %s: %w", sessionID, err)
	}

	_, err = s.q.ExecContext(ctx,
		`UPDATE memory_extract_state
		 SET pending_count = 0, last_flush_at = $2, updated_at = now()
		 WHERE session_id = $1`, sessionID, flushedAt)
	if err != nil {
		return 0, fmt.Errorf("reset memory extract counter for session %s: %w", sessionID, err)
	}
	return int(n), nil
}
