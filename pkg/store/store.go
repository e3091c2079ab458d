// Package store implements the persistence layer over PostgreSQL.
//
// Every status write is a conditional-put: the UPDATE carries a
// WHERE status = <expected> predicate and the caller learns whether it won
// or lost the race from the affected row count. The database trigger
// installed by the jobs migration independently rejects illegal lifecycle
// edges, so a store bug cannot corrupt the state machine.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNotFound is returned when a row does not exist. Callers match it with
// errors.Is; the wrapping message names the table and id.
var ErrNotFound = errors.New("not found")

// Querier is the subset of database/sql used by the stores. Both *sql.DB
// and *sql.Tx satisfy it, so every store method runs standalone or inside
// a caller-owned transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Stores bundles one store per table family over a shared Querier.
type Stores struct {
	Agents    *AgentStore
	Jobs      *JobStore
	Approvals *ApprovalStore
	Audit     *AuditStore
	Sessions  *SessionStore
	Memory    *MemoryStore
	Events    *EventStore
}

// New builds the store bundle over q.
func New(q Querier) *Stores {
	return &Stores{
		Agents:    &AgentStore{q: q},
		Jobs:      &JobStore{q: q},
		Approvals: &ApprovalStore{q: q},
		Audit:     &AuditStore{q: q},
		Sessions:  &SessionStore{q: q},
		Memory:    &MemoryStore{q: q},
		Events:    &EventStore{q: q},
	}
}

// DB is the pool-backed store bundle plus transaction support.
type DB struct {
	*Stores
	db *sql.DB
}

// NewDB builds the store bundle over a connection pool.
func NewDB(db *sql.DB) *DB {
	return &DB{Stores: New(db), db: db}
}

// Pool returns the underlying connection pool.
func (d *DB) Pool() *sql.DB {
	return d.db
}

// InTx runs fn inside a transaction. The Stores passed to fn are bound to
// the transaction; any error from fn rolls it back and is returned as-is so
// sentinel matching still works.
func (d *DB) InTx(ctx context.Context, fn func(tx *Stores) error) error {
	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(New(tx)); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback tx: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

// IsUniqueViolation reports whether err is a PostgreSQL unique or exclusion
// constraint violation. Services map it to their already-exists sentinel.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" || pgErr.Code == "23P01"
}

// IsForeignKeyViolation reports whether err is a PostgreSQL foreign key
// violation, e.g. deleting an agent that still owns jobs.
func IsForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503"
}

// scanner abstracts *sql.Row and *sql.Rows for the per-table scan helpers.
type scanner interface {
	Scan(dest ...any) error
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func strPtr(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
