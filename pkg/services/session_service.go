package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/store"
)

// SessionService owns conversational sessions and the dispatch path that
// turns a user message into a scheduled job.
type SessionService struct {
	db     *store.DB
	queue  queue.Queue
	logger *slog.Logger
}

// NewSessionService creates a SessionService.
func NewSessionService(db *store.DB, q queue.Queue, logger *slog.Logger) *SessionService {
	return &SessionService{
		db:     db,
		queue:  q,
		logger: logger.With("component", "session_service"),
	}
}

// DispatchMessage records a user turn and schedules the job that answers
// it. The session for the (agent, user) pair is created on first dispatch.
// Session row, job row, and message land in one transaction; the queue
// delivery follows the commit.
func (s *SessionService) DispatchMessage(ctx context.Context, input models.DispatchMessageRequest) (*models.Job, error) {
	if err := validateDispatch(&input); err != nil {
		return nil, err
	}

	agent, err := loadActiveAgent(ctx, s.db, input.AgentID)
	if err != nil {
		return nil, err
	}

	payload, err := dispatchPayload(input)
	if err != nil {
		return nil, err
	}

	job := &models.Job{AgentID: input.AgentID, Payload: payload}
	applyAgentLimits(agent, job)

	err = s.db.InTx(ctx, func(tx *store.Stores) error {
		sess, err := tx.Sessions.Ensure(ctx, input.AgentID, input.UserAccountID)
		if err != nil {
			return err
		}
		job.SessionID = &sess.ID
		if err := scheduleJob(ctx, tx, job); err != nil {
			return err
		}
		return tx.Sessions.AppendMessage(ctx, &models.SessionMessage{
			SessionID: sess.ID,
			JobID:     &job.ID,
			Role:      models.RoleUser,
			Content:   input.Content,
		})
	})
	if err != nil {
		return nil, err
	}

	if err := enqueueExecute(ctx, s.queue, job.ID); err != nil {
		s.logger.Error("Dispatch committed but enqueue failed", "job_id", job.ID, "error", err)
		return nil, fmt.Errorf("job %s scheduled but enqueue failed: %w", job.ID, err)
	}
	return job, nil
}

// GetSession returns one session by id.
func (s *SessionService) GetSession(ctx context.Context, id string) (*models.Session, error) {
	sess, err := s.db.Sessions.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("session %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return sess, nil
}

// ListMessages returns the session's last limit messages in chronological
// order. limit <= 0 returns the full history.
func (s *SessionService) ListMessages(ctx context.Context, sessionID string, limit int) ([]*models.SessionMessage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	messages, err := s.db.Sessions.ListMessages(ctx, sessionID, limit)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*models.SessionMessage{}
	}
	return messages, nil
}

// dispatchPayload builds the job payload for a dispatched message. A
// caller-supplied payload is kept as-is except that the prompt defaults to
// the message content.
func dispatchPayload(input models.DispatchMessageRequest) (json.RawMessage, error) {
	if len(input.Payload) == 0 {
		doc, err := json.Marshal(models.JobPayload{Prompt: input.Content})
		if err != nil {
			return nil, fmt.Errorf("marshal dispatch payload: %w", err)
		}
		return doc, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(input.Payload, &doc); err != nil {
		return nil, NewValidationError("payload", "must be a JSON object")
	}
	if _, ok := doc["prompt"]; !ok {
		doc["prompt"] = input.Content
	}
	merged, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal dispatch payload: %w", err)
	}
	return merged, nil
}

func validateDispatch(input *models.DispatchMessageRequest) error {
	if input.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	if input.UserAccountID == "" {
		return NewValidationError("user_account_id", "required")
	}
	if input.Content == "" {
		return NewValidationError("content", "required")
	}
	return nil
}
