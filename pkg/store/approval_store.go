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

const approvalColumns = `id, job_id, agent_id, action_type, action_summary,
	action_detail, token_hash, status, risk_level, approver_user_id,
	requested_at, decided_at, decided_by, expires_at, resume_payload,
	blast_radius, notification_channels, decision_note`

// ApprovalStore persists approval requests. The schema allows at most one
// PENDING request per job (partial unique index) and one row per token hash.
type ApprovalStore struct {
	q Querier
}

// Create inserts an approval request. The id is generated when empty;
// requested_at is read back from the row.
func (s *ApprovalStore) Create(ctx context.Context, a *models.ApprovalRequest) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.ApprovalStatusPending
	}
	channels := a.NotificationChannels
	if len(channels) == 0 {
		channels = json.RawMessage(`[]`)
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO approval_requests
		 (id, job_id, agent_id, action_type, action_summary, action_detail,
		  token_hash, status, risk_level, approver_user_id, decided_at,
		  decided_by, expires_at, resume_payload, blast_radius,
		  notification_channels, decision_note)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		 RETURNING requested_at`,
		a.ID, a.JobID, a.AgentID, a.ActionType, a.ActionSummary,
		jsonArg(a.ActionDetail), a.TokenHash, string(a.Status), string(a.RiskLevel),
		nullStr(a.ApproverUserID), nullTime(a.DecidedAt), nullStr(a.DecidedBy),
		a.ExpiresAt, jsonArg(a.ResumePayload), jsonArg(a.BlastRadius),
		[]byte(channels), nullStr(a.DecisionNote),
	).Scan(&a.RequestedAt)
	if err != nil {
		return fmt.Errorf("create approval request for job %s: %w", a.JobID, err)
	}
	return nil
}

// Get returns the approval request with the given id.
func (s *ApprovalStore) Get(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE id = $1`, id)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval request %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get approval request %s: %w", id, err)
	}
	return a, nil
}

// GetPendingByTokenHash returns the PENDING request whose token hash
// matches. Decided and expired rows are deliberately not found: a spent
// token is indistinguishable from an unknown one.
func (s *ApprovalStore) GetPendingByTokenHash(ctx context.Context, tokenHash string) (*models.ApprovalRequest, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE token_hash = $1 AND status = 'PENDING'`, tokenHash)
	a, err := scanApproval(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("approval request by token: %w", ErrNotFound)
		}
		return nil, fmt.Errorf("get approval request by token: %w", err)
	}
	return a, nil
}

// Decide is the atomic CAS commit of a decision. Returns false when another
// actor already decided (or the reaper expired) the request.
func (s *ApprovalStore) Decide(ctx context.Context, id string, decision models.Decision, decidedBy string, note string, decidedAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE approval_requests
		 SET status = $2, decided_at = $3, decided_by = $4, decision_note = $5
		 WHERE id = $1 AND status = 'PENDING'`,
		id, string(decision), decidedAt, decidedBy, nullStr(emptyToNil(note)))
	if err != nil {
		return false, fmt.Errorf("decide approval request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("decide approval request %s: %w", id, err)
	}
	return n == 1, nil
}

// Expire CAS-moves a PENDING request to EXPIRED. Returns false when the
// request was decided first.
func (s *ApprovalStore) Expire(ctx context.Context, id string, decidedAt time.Time) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE approval_requests SET status = 'EXPIRED', decided_at = $2
		 WHERE id = $1 AND status = 'PENDING'`, id, decidedAt)
	if err != nil {
		return false, fmt.Errorf("expire approval request %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("expire approval request %s: %w", id, err)
	}
	return n == 1, nil
}

// ListExpired returns PENDING requests whose expires_at has passed.
func (s *ApprovalStore) ListExpired(ctx context.Context, now time.Time) ([]*models.ApprovalRequest, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests
		 WHERE status = 'PENDING' AND expires_at < $1
		 ORDER BY expires_at, id`, now)
	if err != nil {
		return nil, fmt.Errorf("list expired approval requests: %w", err)
	}
	defer rows.Close()
	return collectApprovals(rows)
}

// HasApprovedForJob reports whether the job has an APPROVED request, which
// is the worker's gate check on resume.
func (s *ApprovalStore) HasApprovedForJob(ctx context.Context, jobID string) (bool, error) {
	var exists bool
	err := s.q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM approval_requests
		 WHERE job_id = $1 AND status = 'APPROVED')`, jobID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check approved request for job %s: %w", jobID, err)
	}
	return exists, nil
}

// AppendNotificationReceipt appends one delivery receipt to the request's
// notification_channels array.
func (s *ApprovalStore) AppendNotificationReceipt(ctx context.Context, id string, receipt models.NotificationReceipt) error {
	doc, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("marshal notification receipt: %w", err)
	}
	res, err := s.q.ExecContext(ctx,
		`UPDATE approval_requests
		 SET notification_channels = notification_channels || $2::jsonb
		 WHERE id = $1`, id, doc)
	if err != nil {
		return fmt.Errorf("append notification receipt to %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("append notification receipt to %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("approval request %s: %w", id, ErrNotFound)
	}
	return nil
}

// List returns approval requests matching the filters plus the match count.
func (s *ApprovalStore) List(ctx context.Context, f models.ApprovalFilters) ([]*models.ApprovalRequest, int, error) {
	where := []string{"TRUE"}
	var args []any
	arg := func(val any) string {
		args = append(args, val)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.JobID != "" {
		where = append(where, "job_id = "+arg(f.JobID))
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = "+arg(f.AgentID))
	}
	if f.Status != "" {
		where = append(where, "status = "+arg(f.Status))
	}
	cond := strings.Join(where, " AND ")

	var total int
	if err := s.q.QueryRowContext(ctx,
		`SELECT count(*) FROM approval_requests WHERE `+cond, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count approval requests: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+approvalColumns+` FROM approval_requests WHERE `+cond+
			` ORDER BY requested_at DESC, id DESC LIMIT `+arg(limit)+` OFFSET `+arg(f.Offset),
		args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list approval requests: %w", err)
	}
	defer rows.Close()

	approvals, err := collectApprovals(rows)
	if err != nil {
		return nil, 0, err
	}
	return approvals, total, nil
}

func collectApprovals(rows *sql.Rows) ([]*models.ApprovalRequest, error) {
	var approvals []*models.ApprovalRequest
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval request: %w", err)
		}
		approvals = append(approvals, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approval requests: %w", err)
	}
	return approvals, nil
}

func scanApproval(row scanner) (*models.ApprovalRequest, error) {
	var (
		a                                    models.ApprovalRequest
		actionDetail, resumePayload          []byte
		blastRadius, notificationChannels    []byte
		approverUserID, decidedBy, decisionNote sql.NullString
		decidedAt                            sql.NullTime
	)
	err := row.Scan(&a.ID, &a.JobID, &a.AgentID, &a.ActionType, &a.ActionSummary,
		&actionDetail, &a.TokenHash, &a.Status, &a.RiskLevel, &approverUserID,
		&a.RequestedAt, &decidedAt, &decidedBy, &a.ExpiresAt,
		&resumePayload, &blastRadius, &notificationChannels, &decisionNote)
	if err != nil {
		return nil, err
	}
	a.ActionDetail = actionDetail
	a.ResumePayload = resumePayload
	a.BlastRadius = blastRadius
	a.NotificationChannels = notificationChannels
	a.ApproverUserID = strPtr(approverUserID)
	a.DecidedAt = timePtr(decidedAt)
	a.DecidedBy = strPtr(decidedBy)
	a.DecisionNote = strPtr(decisionNote)
	return &a, nil
}

func emptyToNil(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
