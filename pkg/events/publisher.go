package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
)

// notifyLimit keeps frames under PostgreSQL's 8000-byte NOTIFY payload cap.
const notifyLimit = 7900

// Publisher is the durable Broadcaster. Each event is inserted into the
// events table and announced with pg_notify in one transaction; pg_notify is
// transactional, so the frame only fires once the row is committed. Every
// replica's NotifyListener re-broadcasts the frame into its local Manager.
type Publisher struct {
	db *sql.DB
}

// NewPublisher creates a publisher over the shared connection pool.
func NewPublisher(db *sql.DB) *Publisher {
	return &Publisher{db: db}
}

// Broadcast persists one event and notifies all replicas. The returned id is
// the durable event row id (manager-assigned SSE ids stay per replica).
// Frames too large for NOTIFY are sent truncated; listeners re-fetch the
// stored payload by id.
func (p *Publisher) Broadcast(ctx context.Context, channel, eventType string, payload any) (int64, error) {
	data, err := marshalData(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	doc, err := json.Marshal(storedDoc{Type: eventType, Data: data})
	if err != nil {
		return 0, fmt.Errorf("marshal stored event: %w", err)
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin event transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var eventID int64
	err = tx.QueryRowContext(ctx,
		`INSERT INTO events (channel, payload) VALUES ($1, $2) RETURNING id`,
		channel, doc,
	).Scan(&eventID)
	if err != nil {
		return 0, fmt.Errorf("persist event: %w", err)
	}

	frame, err := buildNotifyFrame(eventID, eventType, data)
	if err != nil {
		return 0, err
	}

	if _, err := tx.ExecContext(ctx, `SELECT pg_notify($1, $2)`, channel, string(frame)); err != nil {
		return 0, fmt.Errorf("pg_notify: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit event transaction: %w", err)
	}
	return eventID, nil
}

// buildNotifyFrame encodes the NOTIFY payload for one event. Frames over the
// NOTIFY size cap carry only the event id and a truncated marker; listeners
// re-fetch the stored payload.
func buildNotifyFrame(eventID int64, eventType string, data json.RawMessage) ([]byte, error) {
	frame, err := json.Marshal(notifyFrame{EventID: eventID, Type: eventType, Data: data})
	if err != nil {
		return nil, fmt.Errorf("marshal notify frame: %w", err)
	}
	if len(frame) <= notifyLimit {
		return frame, nil
	}
	frame, err = json.Marshal(notifyFrame{EventID: eventID, Truncated: true})
	if err != nil {
		return nil, fmt.Errorf("marshal truncated notify frame: %w", err)
	}
	return frame, nil
}
