package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/models"
)

const sessionColumns = `id, agent_id, user_account_id, status, metadata,
	created_at, updated_at`

// SessionStore persists sessions and their append-only message log.
type SessionStore struct {
	q Querier
}

// Create inserts a new session.
func (s *SessionStore) Create(ctx context.Context, sess *models.Session) error {
	if sess.ID == "" {
		sess.ID = uuid.NewString()
	}
	if sess.Status == "" {
		sess.Status = models.SessionStatusActive
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO sessions (id, agent_id, user_account_id, status, metadata)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at, updated_at`,
		sess.ID, sess.AgentID, sess.UserAccountID, string(sess.Status),
		jsonArg(sess.Metadata),
	).Scan(&sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// Get returns the session with the given id.
func (s *SessionStore) Get(ctx context.Context, id string) (*models.Session, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE id = $1`, id)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get session %s: %w", id, err)
	}
	return sess, nil
}

// Ensure returns the newest ACTIVE session for the (agent, user) pair,
// creating one when none exists. Concurrent dispatches may create parallel
// sessions; that is harmless and resolves on the next call.
func (s *SessionStore) Ensure(ctx context.Context, agentID, userAccountID string) (*models.Session, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions
		 WHERE agent_id = $1 AND user_account_id = $2 AND status = 'ACTIVE'
		 ORDER BY created_at DESC, id DESC LIMIT 1`, agentID, userAccountID)
	sess, err := scanSession(row)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("find session for agent %s: %w", agentID, err)
	}

	sess = &models.Session{AgentID: agentID, UserAccountID: userAccountID}
	if err := s.Create(ctx, sess); err != nil {
		return nil, err
	}
	return sess, nil
}

// AppendMessage appends one conversation turn.
func (s *SessionStore) AppendMessage(ctx context.Context, m *models.SessionMessage) error {
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO session_messages (id, session_id, job_id, role, content)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING created_at`,
		m.ID, m.SessionID, nullStr(m.JobID), string(m.Role), m.Content,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("append message to session %s: %w", m.SessionID, err)
	}
	return nil
}

// ListMessages returns the last limit messages of a session in
// chronological order. limit <= 0 returns the full history.
func (s *SessionStore) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.SessionMessage, error) {
	query := `SELECT id, session_id, job_id, role, content, created_at
		 FROM session_messages WHERE session_id = $1 ORDER BY seq DESC`
	args := []any{sessionID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var messages []*models.SessionMessage
	for rows.Next() {
		var (
			m     models.SessionMessage
			jobID sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.SessionID, &jobID, &m.Role, &m.Content, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan session message: %w", err)
		}
		m.JobID = strPtr(jobID)
		messages = append(messages, &m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate session messages: %w", err)
	}

	// The query walks newest-first so LIMIT keeps the most recent turns;
	// flip back to chronological order for the caller.
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

func scanSession(row scanner) (*models.Session, error) {
	var (
		sess     models.Session
		metadata []byte
	)
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.UserAccountID, &sess.Status,
		&metadata, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sess.Metadata = metadata
	return &sess, nil
}
