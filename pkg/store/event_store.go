package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// StoredEvent is one persisted SSE event row. The publisher writes rows in
// its own notify transaction; this store only reads and prunes them.
type StoredEvent struct {
	ID        int64           `json:"id"`
	Channel   string          `json:"channel"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// EventStore reads the persisted event log backing SSE catchup and the
// cross-replica bridge.
type EventStore struct {
	q Querier
}

// GetEventsSince returns up to limit events on a channel with id greater
// than sinceID, oldest first.
func (s *EventStore) GetEventsSince(ctx context.Context, channel string, sinceID int64, limit int) ([]StoredEvent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT id, channel, payload, created_at FROM events
		 WHERE channel = $1 AND id > $2
		 ORDER BY id LIMIT $3`, channel, sinceID, limit)
	if err != nil {
		return nil, fmt.Errorf("get events since %d on %s: %w", sinceID, channel, err)
	}
	defer rows.Close()

	var events []StoredEvent
	for rows.Next() {
		var (
			e       StoredEvent
			payload []byte
		)
		if err := rows.Scan(&e.ID, &e.Channel, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.Payload = payload
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// GetEvent returns one event by id. The NOTIFY frame for an oversized
// payload carries only the id; subscribers re-fetch the body here.
func (s *EventStore) GetEvent(ctx context.Context, id int64) (*StoredEvent, error) {
	var (
		e       StoredEvent
		payload []byte
	)
	err := s.q.QueryRowContext(ctx,
		`SELECT id, channel, payload, created_at FROM events WHERE id = $1`, id,
	).Scan(&e.ID, &e.Channel, &payload, &e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	e.Payload = payload
	return &e, nil
}

// DeleteOlderThan prunes events created before the cutoff and returns the
// number of rows removed. The reaper runs this on a schedule.
func (s *EventStore) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.q.ExecContext(ctx,
		`DELETE FROM events WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune events: %w", err)
	}
	return n, nil
}
