package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/models"
)

// Job field defaults applied at creation time.
const (
	DefaultPriority       = 100
	DefaultMaxAttempts    = 3
	DefaultTimeoutSeconds = 1800
)

const jobColumns = `id, agent_id, session_id, status, priority, payload, result,
	checkpoint, error, attempt, max_attempts, timeout_seconds, created_at,
	updated_at, started_at, completed_at, heartbeat_at, approval_expires_at`

// JobStore persists jobs. TransitionStatus is the only status mutation the
// store exposes; the WHERE status = <expected> guard plus the database
// trigger keeps concurrent workers honest.
type JobStore struct {
	q Querier
}

// Create inserts a new job in PENDING (or the status already set on j, which
// only tests use). Zero-valued priority, max_attempts, and timeout_seconds
// get the platform defaults; the generated id and timestamps are written
// back onto j.
func (s *JobStore) Create(ctx context.Context, j *models.Job) error {
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	if j.Status == "" {
		j.Status = models.JobStatusPending
	}
	if j.Priority == 0 {
		j.Priority = DefaultPriority
	}
	if j.MaxAttempts == 0 {
		j.MaxAttempts = DefaultMaxAttempts
	}
	if j.TimeoutSeconds == 0 {
		j.TimeoutSeconds = DefaultTimeoutSeconds
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO jobs (id, agent_id, session_id, status, priority, payload,
		                   attempt, max_attempts, timeout_seconds)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING created_at, updated_at`,
		j.ID, j.AgentID, nullStr(j.SessionID), string(j.Status), j.Priority,
		jsonArg(j.Payload), j.Attempt, j.MaxAttempts, j.TimeoutSeconds,
	).Scan(&j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

// Get returns the job with the given id.
func (s *JobStore) Get(ctx context.Context, id string) (*models.Job, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	j, err := scanJob(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return j, nil
}

// TransitionOpts carries the column writes that ride along with a status
// transition. Nil pointers leave the column untouched.
type TransitionOpts struct {
	StartedAt         *time.Time
	CompletedAt       *time.Time
	HeartbeatAt       *time.Time
	ApprovalExpiresAt *time.Time
	Error             *models.JobError
	ClearError        bool
	// ClearHeartbeat nulls heartbeat_at. A RUNNING job with no heartbeat
	// is unowned: workers adopt it with AdoptRunning before executing.
	ClearHeartbeat   bool
	Result           json.RawMessage
	Checkpoint       json.RawMessage
	IncrementAttempt bool
}

// TransitionStatus performs the conditional-put `SET status = to WHERE
// id = $1 AND status = from`. It returns false when zero rows changed,
// meaning another writer advanced the job first. An edge the database
// trigger rejects surfaces as an error; that is a programming bug, not a
// lost race.
func (s *JobStore) TransitionStatus(ctx context.Context, id string, from, to models.JobStatus, opts TransitionOpts) (bool, error) {
	args := []any{id, string(from), string(to)}
	set := []string{"status = $3"}
	add := func(column string, val any) {
		args = append(args, val)
		set = append(set, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if opts.StartedAt != nil {
		add("started_at", *opts.StartedAt)
	}
	if opts.CompletedAt != nil {
		add("completed_at", *opts.CompletedAt)
	}
	if opts.HeartbeatAt != nil {
		add("heartbeat_at", *opts.HeartbeatAt)
	} else if opts.ClearHeartbeat {
		set = append(set, "heartbeat_at = NULL")
	}
	if opts.ApprovalExpiresAt != nil {
		add("approval_expires_at", *opts.ApprovalExpiresAt)
	}
	if opts.Error != nil {
		doc, err := json.Marshal(opts.Error)
		if err != nil {
			return false, fmt.Errorf("marshal job error: %w", err)
		}
		add("error", doc)
	} else if opts.ClearError {
		set = append(set, "error = NULL")
	}
	if opts.Result != nil {
		add("result", []byte(opts.Result))
	}
	if opts.Checkpoint != nil {
		add("checkpoint", []byte(opts.Checkpoint))
	}
	if opts.IncrementAttempt {
		set = append(set, "attempt = attempt + 1")
	}

	query := `UPDATE jobs SET ` + strings.Join(set, ", ") + ` WHERE id = $1 AND status = $2`
	res, err := s.q.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("transition job %s %s -> %s: %w", id, from, to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition job %s %s -> %s: %w", id, from, to, err)
	}
	return n == 1, nil
}

// AdoptRunning claims an unowned RUNNING job by stamping its first
// heartbeat. The approval resume path moves a job back to RUNNING with a
// NULL heartbeat; exactly one worker wins this conditional-put and becomes
// the owner. A RUNNING job with a heartbeat already has a live (or
// recently dead) owner and must not be adopted.
func (s *JobStore) AdoptRunning(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = now()
		 WHERE id = $1 AND status = 'RUNNING' AND heartbeat_at IS NULL`, id)
	if err != nil {
		return false, fmt.Errorf("adopt job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("adopt job %s: %w", id, err)
	}
	return n == 1, nil
}

// Heartbeat refreshes heartbeat_at for a RUNNING job. Returns false when
// the job has left RUNNING, which tells the worker to stop beating.
func (s *JobStore) Heartbeat(ctx context.Context, id string) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET heartbeat_at = now() WHERE id = $1 AND status = 'RUNNING'`, id)
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("heartbeat job %s: %w", id, err)
	}
	return n == 1, nil
}

// ReapStale fails a RUNNING job that is still stale at write time. The
// staleness predicate rides inside the UPDATE so a worker that adopted the
// job between the reaper's scan and this write keeps it. A NULL heartbeat
// counts as stale: it is either a lost resume or a claim that never beat.
func (s *JobStore) ReapStale(ctx context.Context, id string, cutoff time.Time, jobErr *models.JobError) (bool, error) {
	doc, err := json.Marshal(jobErr)
	if err != nil {
		return false, fmt.Errorf("marshal job error: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE jobs SET status = 'FAILED', error = $3
		 WHERE id = $1 AND status = 'RUNNING'
		   AND (heartbeat_at IS NULL OR heartbeat_at < $2)`, id, cutoff, doc)
	if err != nil {
		return false, fmt.Errorf("reap job %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("reap job %s: %w", id, err)
	}
	return n == 1, nil
}

// ListStaleRunning returns RUNNING jobs whose heartbeat is older than the
// cutoff. A RUNNING row with no heartbeat at all counts as stale.
func (s *JobStore) ListStaleRunning(ctx context.Context, cutoff time.Time) ([]*models.Job, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE status = 'RUNNING' AND (heartbeat_at IS NULL OR heartbeat_at < $1)
		 ORDER BY heartbeat_at NULLS FIRST, id`, cutoff)
	if err != nil {
		return nil, fmt.Errorf("list stale running jobs: %w", err)
	}
	defer rows.Close()
	return collectJobs(rows)
}

// List returns jobs matching the filters plus the unpaginated match count.
func (s *JobStore) List(ctx context.Context, f models.JobFilters) ([]*models.Job, int, error) {
	where := []string{"TRUE"}
	var args []any
	arg := func(val any) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}
	if f.SessionID != "" {
		where = append(where, "session_id = "+arg(f.SessionID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	if f.Since != nil {
		where = append(where, "created_at >= "+arg(*f.Since))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM jobs WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count jobs: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE ` + cond +
		` ORDER BY created_at DESC, id DESC LIMIT ` + arg(limit) + ` OFFSET ` + arg(f.Offset)
	rows, err := s.q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, 0, err
	}
	return jobs, total, nil
}

func collectJobs(rows *sql.Rows) ([]*models.Job, error) {
	var jobs []*models.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate jobs: %w", err)
	}
	return jobs, nil
}

func scanJob(row scanner) (*models.Job, error) {
	var (
		j                                models.Job
		sessionID                        sql.NullString
		payload, result, checkpoint, errDoc []byte
		startedAt, completedAt           sql.NullTime
		heartbeatAt, approvalExpiresAt   sql.NullTime
	)
	err := row.Scan(&j.ID, &j.AgentID, &sessionID, &j.Status, &j.Priority,
		&payload, &result, &checkpoint, &errDoc,
		&j.Attempt, &j.MaxAttempts, &j.TimeoutSeconds,
		&j.CreatedAt, &j.UpdatedAt,
		&startedAt, &completedAt, &heartbeatAt, &approvalExpiresAt)
	if err != nil {
		return nil, err
	}
	j.SessionID = strPtr(sessionID)
	j.Payload = payload
	j.Result = result
	j.Checkpoint = checkpoint
	if len(errDoc) > 0 {
		var je models.JobError
		if err := json.Unmarshal(errDoc, &je); err != nil {
			return nil, fmt.Errorf("decode job error document: %w", err)
		}
		j.Error = &je
	}
	j.StartedAt = timePtr(startedAt)
	j.CompletedAt = timePtr(completedAt)
	j.HeartbeatAt = timePtr(heartbeatAt)
	j.ApprovalExpiresAt = timePtr(approvalExpiresAt)
	return &j, nil
}
