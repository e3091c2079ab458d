package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/models"
)

const auditColumns = `id, approval_request_id, job_id, event_type, actor,
	channel, details, created_at`

// AuditStore appends to and reads the approval audit log. The table is
// append-only; there are no update or delete methods on purpose.
type AuditStore struct {
	q Querier
}

// Insert appends one audit entry. The id is generated when empty and
// created_at is read back from the row.
func (s *AuditStore) Insert(ctx context.Context, e *models.AuditEntry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO approval_audit_log
		 (id, approval_request_id, job_id, event_type, actor, channel, details)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 RETURNING created_at`,
		e.ID, e.ApprovalRequestID, e.JobID, string(e.EventType),
		nullStr(e.Actor), nullStr(e.Channel), jsonArg(e.Details),
	).Scan(&e.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit entry for %s: %w", e.ApprovalRequestID, err)
	}
	return nil
}

// ListByRequest returns a request's audit entries in append order.
func (s *AuditStore) ListByRequest(ctx context.Context, requestID string) ([]*models.AuditEntry, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+auditColumns+` FROM approval_audit_log
		 WHERE approval_request_id = $1 ORDER BY seq`, requestID)
	if err != nil {
		return nil, fmt.Errorf("list audit entries for %s: %w", requestID, err)
	}
	defer rows.Close()

	var entries []*models.AuditEntry
	for rows.Next() {
		e, err := scanAuditEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}

// LastEntry returns the most recent audit entry for a request, or
// ErrNotFound when the log is empty. The decide path reads it to chain
// entry hashes.
func (s *AuditStore) LastEntry(ctx context.Context, requestID string) (*models.AuditEntry, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+auditColumns+` FROM approval_audit_log
		 WHERE approval_request_id = $1 ORDER BY seq DESC LIMIT 1`, requestID)
	e, err := scanAuditEntry(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("audit log for %s: %w", requestID, ErrNotFound)
		}
		return nil, fmt.Errorf("last audit entry for %s: %w", requestID, err)
	}
	return e, nil
}

func scanAuditEntry(row scanner) (*models.AuditEntry, error) {
	var (
		e              models.AuditEntry
		actor, channel sql.NullString
		details        []byte
	)
	err := row.Scan(&e.ID, &e.ApprovalRequestID, &e.JobID, &e.EventType,
		&actor, &channel, &details, &e.CreatedAt)
	if err != nil {
		return nil, err
	}
	e.Actor = strPtr(actor)
	e.Channel = strPtr(channel)
	e.Details = details
	return &e, nil
}
