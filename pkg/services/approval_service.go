package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cortexhq/cortex/pkg/config"
	"github.com/cortexhq/cortex/pkg/events"
	"github.com/cortexhq/cortex/pkg/metrics"
	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/queue"
	"github.com/cortexhq/cortex/pkg/store"
	"github.com/cortexhq/cortex/pkg/tokens"
)

// autoApproveActor is the audit actor recorded for P3 auto-approvals.
const autoApproveActor = "system:auto_approve"

// Notifier delivers approval notifications to an external channel. A nil
// notifier disables delivery; notification failures never block the
// approval flow.
type Notifier interface {
	NotifyApprovalRequested(ctx context.Context, req *models.ApprovalRequest, plaintextToken string) (*models.NotificationReceipt, error)
	NotifyApprovalDecided(ctx context.Context, req *models.ApprovalRequest, result *models.DecideResult) error
}

// ApprovalService issues approval requests, commits decisions with an
// atomic CAS on PENDING, writes chained audit entries, and schedules the
// job resume on approval.
type ApprovalService struct {
	db       *store.DB
	queue    queue.Queue
	events   events.Broadcaster
	cfg      *config.ApprovalConfig
	notifier Notifier
	logger   *slog.Logger
}

// NewApprovalService creates an ApprovalService. Notification delivery is
// off until SetNotifier is called.
func NewApprovalService(db *store.DB, q queue.Queue, broadcaster events.Broadcaster, cfg *config.ApprovalConfig, logger *slog.Logger) *ApprovalService {
	return &ApprovalService{
		db:     db,
		queue:  q,
		events: broadcaster,
		cfg:    cfg,
		logger: logger.With("component", "approval_service"),
	}
}

// SetNotifier installs the out-of-band notification channel.
func (s *ApprovalService) SetNotifier(n Notifier) {
	s.notifier = n
}

// CreateRequest opens an approval gate on a job. In one transaction it
// inserts the approval row and parks the job in WAITING_FOR_APPROVAL; for
// auto-approvable requests the row is born APPROVED, the job keeps
// running, and a resume is enqueued. The plaintext token in the result is
// the only copy that will ever exist.
func (s *ApprovalService) CreateRequest(ctx context.Context, input models.CreateApprovalInput) (*models.CreateApprovalResult, error) {
	if err := validateCreateApproval(&input); err != nil {
		return nil, err
	}

	plaintext, tokenHash, err := tokens.GenerateApprovalToken()
	if err != nil {
		return nil, fmt.Errorf("generate approval token: %w", err)
	}

	now := time.Now().UTC()
	ttl := s.resolveTTL(input.TTLSeconds, input.RiskLevel)
	autoApprove := input.RiskLevel.AutoApprovable() && s.cfg.AutoApproveEnabled()

	req := &models.ApprovalRequest{
		JobID:         input.JobID,
		AgentID:       input.AgentID,
		ActionType:    input.ActionType,
		ActionSummary: input.ActionSummary,
		ActionDetail:  input.ActionDetail,
		TokenHash:     tokenHash,
		Status:        models.ApprovalStatusPending,
		RiskLevel:     input.RiskLevel,
		ExpiresAt:     now.Add(ttl),
		ResumePayload: input.ResumePayload,
		BlastRadius:   input.BlastRadius,
	}
	if input.ApproverUserID != "" {
		req.ApproverUserID = &input.ApproverUserID
	}
	if autoApprove {
		actor := autoApproveActor
		req.Status = models.ApprovalStatusApproved
		req.DecidedAt = &now
		req.DecidedBy = &actor
	}

	var parked, resumed bool
	err = s.db.InTx(ctx, func(tx *store.Stores) error {
		job, err := tx.Jobs.Get(ctx, input.JobID)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("job %s: %w", input.JobID, ErrNotFound)
			}
			return err
		}

		if err := tx.Approvals.Create(ctx, req); err != nil {
			if store.IsUniqueViolation(err) {
				return fmt.Errorf("job %s already has a pending approval request: %w", input.JobID, ErrAlreadyExists)
			}
			return err
		}

		if autoApprove {
			if job.Status != models.JobStatusWaitingForApproval {
				return nil
			}
			// The worker's gate parked the job before this request
			// existed; auto-approval resumes it immediately. The cleared
			// heartbeat marks the job unowned until a worker adopts it.
			moved, err := tx.Jobs.TransitionStatus(ctx, job.ID,
				models.JobStatusWaitingForApproval, models.JobStatusRunning,
				store.TransitionOpts{ClearHeartbeat: true})
			if err != nil {
				return err
			}
			if !moved {
				return fmt.Errorf("job %s left WAITING_FOR_APPROVAL during auto-approve: %w", job.ID, ErrConcurrentModification)
			}
			resumed = true
			return nil
		}

		switch job.Status {
		case models.JobStatusRunning:
			moved, err := tx.Jobs.TransitionStatus(ctx, job.ID,
				models.JobStatusRunning, models.JobStatusWaitingForApproval,
				store.TransitionOpts{ApprovalExpiresAt: &req.ExpiresAt})
			if err != nil {
				return err
			}
			if !moved {
				return fmt.Errorf("job %s left RUNNING while opening the gate: %w", job.ID, ErrConcurrentModification)
			}
			parked = true
			return nil
		case models.JobStatusWaitingForApproval:
			// Already parked by the worker's gate; the request row now
			// carries the authoritative expiry window.
			return nil
		default:
			return fmt.Errorf("job %s is %s, approval gates require a running job: %w", job.ID, job.Status, ErrConcurrentModification)
		}
	})
	if err != nil {
		return nil, err
	}

	result := &models.CreateApprovalResult{
		ApprovalRequestID: req.ID,
		PlaintextToken:    plaintext,
		ExpiresAt:         req.ExpiresAt,
		RiskLevel:         input.RiskLevel,
		AutoApprovable:    autoApprove,
		ShouldNotify:      shouldNotify(input.RiskLevel),
	}

	if autoApprove {
		metrics.RecordApprovalDecision("auto_approved")
		s.auditAutoApproved(ctx, req, now)
		s.enqueueResume(ctx, req.JobID)
		if resumed {
			s.broadcastState(ctx, req.AgentID, events.AgentStatePayload{
				JobID:   req.JobID,
				AgentID: req.AgentID,
				Status:  models.JobStatusRunning,
			})
		}
		return result, nil
	}

	s.audit(ctx, &models.AuditEntry{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         models.AuditRequestCreated,
		Details: mustJSON(map[string]any{
			"action_type": req.ActionType,
			"risk_level":  req.RiskLevel,
			"expires_at":  req.ExpiresAt,
		}),
	})
	if parked {
		s.broadcastState(ctx, req.AgentID, events.AgentStatePayload{
			JobID:   req.JobID,
			AgentID: req.AgentID,
			Status:  models.JobStatusWaitingForApproval,
		})
	}
	if result.ShouldNotify {
		s.deliverRequestNotification(ctx, req, plaintext)
	}
	return result, nil
}

// Decide commits a decision on a PENDING request. The commit is a
// conditional-put on status; losing it means another actor decided first.
// The same transaction moves the job: WAITING_FOR_APPROVAL to RUNNING on
// approval, to FAILED with a reason-bearing error on rejection. The resume
// task is enqueued after commit.
func (s *ApprovalService) Decide(ctx context.Context, requestID string, input models.DecideInput) (*models.DecideResult, error) {
	if err := validateDecide(&input); err != nil {
		return nil, err
	}

	req, err := s.db.Approvals.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewDecideError(DecideNotFound, requestID)
		}
		return nil, err
	}

	now := time.Now().UTC()
	switch {
	case req.Status == models.ApprovalStatusExpired:
		return nil, NewDecideError(DecideExpired, requestID)
	case req.Status != models.ApprovalStatusPending:
		return nil, NewDecideError(DecideAlreadyDecided, requestID)
	case now.After(req.ExpiresAt):
		// Still PENDING in the store but past its window; the reaper
		// will expire it. Refuse the decision either way.
		return nil, NewDecideError(DecideExpired, requestID)
	}
	if req.ApproverUserID != nil && *req.ApproverUserID != input.DecidedBy {
		s.audit(ctx, &models.AuditEntry{
			ApprovalRequestID: req.ID,
			JobID:             req.JobID,
			EventType:         models.AuditUnauthorizedAttempt,
			Actor:             &input.DecidedBy,
			Channel:           &input.Channel,
			Details: mustJSON(map[string]any{
				"attempted_decision": input.Decision,
				"pinned_approver":    *req.ApproverUserID,
			}),
		})
		return nil, NewDecideError(DecideNotAuthorized, requestID)
	}

	var jobErr *models.JobError
	err = s.db.InTx(ctx, func(tx *store.Stores) error {
		won, err := tx.Approvals.Decide(ctx, req.ID, input.Decision, input.DecidedBy, input.Reason, now)
		if err != nil {
			return err
		}
		if !won {
			return NewDecideError(DecideAlreadyDecided, requestID)
		}

		if input.Decision == models.DecisionApproved {
			// Cleared heartbeat = unowned; the resumed delivery adopts it.
			moved, err := tx.Jobs.TransitionStatus(ctx, req.JobID,
				models.JobStatusWaitingForApproval, models.JobStatusRunning,
				store.TransitionOpts{ClearHeartbeat: true})
			if err != nil {
				return err
			}
			if !moved {
				return fmt.Errorf("job %s is not waiting for approval: %w", req.JobID, ErrConcurrentModification)
			}
			return nil
		}

		jobErr = &models.JobError{Category: "PERMANENT", Message: rejectionMessage(input.Reason)}
		moved, err := tx.Jobs.TransitionStatus(ctx, req.JobID,
			models.JobStatusWaitingForApproval, models.JobStatusFailed,
			store.TransitionOpts{Error: jobErr, CompletedAt: &now})
		if err != nil {
			return err
		}
		if !moved {
			return fmt.Errorf("job %s is not waiting for approval: %w", req.JobID, ErrConcurrentModification)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RecordApprovalDecision(strings.ToLower(string(input.Decision)))

	entryHash := s.auditDecided(ctx, req, input, now)

	result := &models.DecideResult{
		Success:           true,
		ApprovalRequestID: req.ID,
		Status:            models.ApprovalStatus(input.Decision),
		DecidedBy:         input.DecidedBy,
		DecidedAt:         &now,
		EntryHash:         entryHash,
	}

	if input.Decision == models.DecisionApproved {
		s.enqueueResume(ctx, req.JobID)
		s.broadcastState(ctx, req.AgentID, events.AgentStatePayload{
			JobID:   req.JobID,
			AgentID: req.AgentID,
			Status:  models.JobStatusRunning,
		})
	} else {
		metrics.RecordJobTerminal(string(models.JobStatusFailed))
		s.broadcastState(ctx, req.AgentID, events.AgentStatePayload{
			JobID:   req.JobID,
			AgentID: req.AgentID,
			Status:  models.JobStatusFailed,
			Error:   jobErr,
		})
	}

	if s.notifier != nil {
		if err := s.notifier.NotifyApprovalDecided(ctx, req, result); err != nil {
			s.logger.Warn("Decision notification failed",
				"approval_request_id", req.ID, "error", err)
		}
	}
	return result, nil
}

// DecideByToken resolves the single-use token and delegates to Decide. A
// malformed, unknown, or spent token uniformly reports not_found so token
// probing learns nothing.
func (s *ApprovalService) DecideByToken(ctx context.Context, plaintext string, input models.DecideInput) (*models.DecideResult, error) {
	if err := validateDecide(&input); err != nil {
		return nil, err
	}
	if !tokens.IsValidTokenFormat(plaintext) {
		return nil, NewDecideError(DecideNotFound, "")
	}
	req, err := s.db.Approvals.GetPendingByTokenHash(ctx, tokens.HashToken(plaintext))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, NewDecideError(DecideNotFound, "")
		}
		return nil, err
	}
	return s.Decide(ctx, req.ID, input)
}

// ExpireStaleRequests expires every PENDING request whose window has
// passed and fails its job. Safe to run concurrently: each row is a CAS,
// and a row another runner got to first is skipped. Returns the number of
// requests this call expired.
func (s *ApprovalService) ExpireStaleRequests(ctx context.Context) (int, error) {
	now := time.Now().UTC()
	stale, err := s.db.Approvals.ListExpired(ctx, now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, req := range stale {
		var won, failed bool
		err := s.db.InTx(ctx, func(tx *store.Stores) error {
			var err error
			won, err = tx.Approvals.Expire(ctx, req.ID, now)
			if err != nil {
				return err
			}
			if !won {
				return nil
			}
			failed, err = tx.Jobs.TransitionStatus(ctx, req.JobID,
				models.JobStatusWaitingForApproval, models.JobStatusFailed,
				store.TransitionOpts{
					Error:       &models.JobError{Category: "PERMANENT", Message: "Approval request expired"},
					CompletedAt: &now,
				})
			return err
		})
		if err != nil {
			s.logger.Error("Failed to expire approval request",
				"approval_request_id", req.ID, "job_id", req.JobID, "error", err)
			continue
		}
		if !won {
			continue
		}
		expired++
		if !failed {
			s.logger.Warn("Expired approval request but its job was not waiting",
				"approval_request_id", req.ID, "job_id", req.JobID)
		}

		metrics.RecordApprovalDecision("expired")
		if failed {
			metrics.RecordJobTerminal(string(models.JobStatusFailed))
		}
		s.audit(ctx, &models.AuditEntry{
			ApprovalRequestID: req.ID,
			JobID:             req.JobID,
			EventType:         models.AuditRequestExpired,
			Details: mustJSON(map[string]any{
				"expires_at": req.ExpiresAt,
				"expired_at": now,
			}),
		})
		if failed {
			s.broadcastState(ctx, req.AgentID, events.AgentStatePayload{
				JobID:   req.JobID,
				AgentID: req.AgentID,
				Status:  models.JobStatusFailed,
				Error:   &models.JobError{Category: "PERMANENT", Message: "Approval request expired"},
			})
		}
	}
	return expired, nil
}

// RecordNotification appends a delivery receipt to the request and logs a
// notification_sent audit entry.
func (s *ApprovalService) RecordNotification(ctx context.Context, requestID string, receipt models.NotificationReceipt) error {
	if receipt.SentAt.IsZero() {
		receipt.SentAt = time.Now().UTC()
	}
	req, err := s.db.Approvals.Get(ctx, requestID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("approval request %s: %w", requestID, ErrNotFound)
		}
		return err
	}
	if err := s.db.Approvals.AppendNotificationReceipt(ctx, requestID, receipt); err != nil {
		return err
	}
	s.audit(ctx, &models.AuditEntry{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         models.AuditNotificationSent,
		Channel:           &receipt.Channel,
		Details: mustJSON(map[string]any{
			"target":     receipt.Target,
			"message_id": receipt.MessageID,
			"sent_at":    receipt.SentAt,
		}),
	})
	return nil
}

// GetAuditTrail returns a request's audit entries in append order plus the
// verification verdict over its decision hash chain.
func (s *ApprovalService) GetAuditTrail(ctx context.Context, requestID string) (*models.AuditTrailResponse, error) {
	if _, err := s.db.Approvals.Get(ctx, requestID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("approval request %s: %w", requestID, ErrNotFound)
		}
		return nil, err
	}
	entries, err := s.db.Audit.ListByRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}
	if entries == nil {
		entries = []*models.AuditEntry{}
	}

	valid := true
	var chain []tokens.ChainEntry
	for _, e := range entries {
		if e.EventType != models.AuditRequestDecided {
			continue
		}
		var d models.DecidedDetails
		if err := json.Unmarshal(e.Details, &d); err != nil {
			valid = false
			break
		}
		actor := ""
		if e.Actor != nil {
			actor = *e.Actor
		}
		chain = append(chain, tokens.ChainEntry{
			RequestID:    e.ApprovalRequestID,
			Decision:     d.Decision,
			Actor:        actor,
			DecidedAt:    d.DecidedAt,
			PreviousHash: d.PreviousHash,
			EntryHash:    d.EntryHash,
		})
	}
	if valid {
		valid = tokens.VerifyAuditChain(chain)
	}

	return &models.AuditTrailResponse{
		ApprovalRequestID: requestID,
		Entries:           entries,
		ChainValid:        valid,
	}, nil
}

// List returns approval requests matching the filters.
func (s *ApprovalService) List(ctx context.Context, f models.ApprovalFilters) (*models.ApprovalListResponse, error) {
	approvals, total, err := s.db.Approvals.List(ctx, f)
	if err != nil {
		return nil, err
	}
	if approvals == nil {
		approvals = []*models.ApprovalRequest{}
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}
	return &models.ApprovalListResponse{
		Approvals:  approvals,
		TotalCount: total,
		Limit:      limit,
		Offset:     f.Offset,
	}, nil
}

// GetRequest returns one approval request by id.
func (s *ApprovalService) GetRequest(ctx context.Context, id string) (*models.ApprovalRequest, error) {
	req, err := s.db.Approvals.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("approval request %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return req, nil
}

// auditDecided chains and writes the request_decided entry. The new hash
// covers the previous entry's hash, read back from the log, so the chain
// stays verifiable end to end. Returns the computed entry hash.
func (s *ApprovalService) auditDecided(ctx context.Context, req *models.ApprovalRequest, input models.DecideInput, decidedAt time.Time) string {
	prevHash := s.previousEntryHash(ctx, req.ID)
	canonical := tokens.CanonicalTime(decidedAt)
	entryHash := tokens.ComputeEntryHash(req.ID, string(input.Decision), input.DecidedBy, canonical, prevHash)

	details := models.DecidedDetails{
		Decision:     string(input.Decision),
		DecidedAt:    canonical,
		Reason:       input.Reason,
		EntryHash:    entryHash,
		PreviousHash: prevHash,
	}
	s.audit(ctx, &models.AuditEntry{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         models.AuditRequestDecided,
		Actor:             &input.DecidedBy,
		Channel:           &input.Channel,
		Details:           mustJSON(details),
	})
	return entryHash
}

// auditAutoApproved writes the request_decided entry for an auto-approved
// request. Auto-approvals skip request_created, so the chain starts here.
func (s *ApprovalService) auditAutoApproved(ctx context.Context, req *models.ApprovalRequest, decidedAt time.Time) {
	actor := autoApproveActor
	channel := "system"
	canonical := tokens.CanonicalTime(decidedAt)
	entryHash := tokens.ComputeEntryHash(req.ID, string(models.DecisionApproved), actor, canonical, "")

	details := models.DecidedDetails{
		Decision:  string(models.DecisionApproved),
		DecidedAt: canonical,
		EntryHash: entryHash,
	}
	s.audit(ctx, &models.AuditEntry{
		ApprovalRequestID: req.ID,
		JobID:             req.JobID,
		EventType:         models.AuditRequestDecided,
		Actor:             &actor,
		Channel:           &channel,
		Details:           mustJSON(details),
	})
}

// previousEntryHash reads the hash to chain from: the last entry's
// entry_hash, or empty when the log is empty or the last entry carries no
// hash (e.g. request_created).
func (s *ApprovalService) previousEntryHash(ctx context.Context, requestID string) string {
	last, err := s.db.Audit.LastEntry(ctx, requestID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("Failed to read last audit entry",
				"approval_request_id", requestID, "error", err)
		}
		return ""
	}
	var d models.DecidedDetails
	if err := json.Unmarshal(last.Details, &d); err != nil {
		return ""
	}
	return d.EntryHash
}

// audit appends one entry. Audit write failures are logged and never fail
// the operation that produced them.
func (s *ApprovalService) audit(ctx context.Context, e *models.AuditEntry) {
	if err := s.db.Audit.Insert(ctx, e); err != nil {
		s.logger.Error("Audit write failed",
			"approval_request_id", e.ApprovalRequestID,
			"event_type", e.EventType, "error", err)
	}
}

// enqueueResume schedules the job's next agent_execute delivery. A failed
// enqueue is logged, not returned: the decision already committed, and the
// reaper reschedules any resumed job whose heartbeat never comes back.
func (s *ApprovalService) enqueueResume(ctx context.Context, jobID string) {
	if err := enqueueExecute(ctx, s.queue, jobID); err != nil {
		s.logger.Error("Failed to enqueue approval resume", "job_id", jobID, "error", err)
	}
}

func (s *ApprovalService) broadcastState(ctx context.Context, agentID string, payload events.AgentStatePayload) {
	if _, err := s.events.Broadcast(ctx, events.AgentChannel(agentID), events.EventAgentState, payload); err != nil {
		s.logger.Warn("State broadcast failed", "job_id", payload.JobID, "error", err)
	}
}

// deliverRequestNotification sends the request to the notifier and records
// the receipt. Delivery is fail-open: the request stands even when every
// channel is down.
func (s *ApprovalService) deliverRequestNotification(ctx context.Context, req *models.ApprovalRequest, plaintext string) {
	if s.notifier == nil {
		return
	}
	receipt, err := s.notifier.NotifyApprovalRequested(ctx, req, plaintext)
	if err != nil {
		s.logger.Warn("Approval notification failed",
			"approval_request_id", req.ID, "error", err)
		return
	}
	if receipt == nil {
		return
	}
	if err := s.RecordNotification(ctx, req.ID, *receipt); err != nil {
		s.logger.Warn("Failed to record notification receipt",
			"approval_request_id", req.ID, "error", err)
	}
}

// resolveTTL applies the risk-tier default and the hard cap to a requested
// TTL.
func (s *ApprovalService) resolveTTL(ttlSeconds int, risk models.RiskLevel) time.Duration {
	ttl := time.Duration(ttlSeconds) * time.Second
	if ttlSeconds <= 0 {
		switch risk {
		case models.RiskP0, models.RiskP1:
			ttl = time.Duration(s.cfg.HighRiskTTL)
		default:
			ttl = time.Duration(s.cfg.LowRiskTTL)
		}
	}
	if limit := time.Duration(s.cfg.MaxTTL); limit > 0 && ttl > limit {
		ttl = limit
	}
	return ttl
}

// shouldNotify implements the notification rule: P0 and P1 always notify,
// P2 notifies because it is not auto-approvable, P3 never notifies.
func shouldNotify(risk models.RiskLevel) bool {
	switch risk {
	case models.RiskP0, models.RiskP1:
		return true
	case models.RiskP2:
		return !risk.AutoApprovable()
	}
	return false
}

func rejectionMessage(reason string) string {
	if reason == "" {
		return "Approval rejected"
	}
	return "Approval rejected: " + reason
}

func validateCreateApproval(input *models.CreateApprovalInput) error {
	if input.JobID == "" {
		return NewValidationError("job_id", "required")
	}
	if input.AgentID == "" {
		return NewValidationError("agent_id", "required")
	}
	if input.ActionType == "" {
		return NewValidationError("action_type", "required")
	}
	if input.ActionSummary == "" {
		return NewValidationError("action_summary", "required")
	}
	if input.TTLSeconds < 0 {
		return NewValidationError("ttl_seconds", "must not be negative")
	}
	if input.RiskLevel == "" {
		input.RiskLevel = models.RiskP2
	}
	if !input.RiskLevel.Valid() {
		return NewValidationError("risk_level", "must be one of P0, P1, P2, P3")
	}
	return nil
}

func validateDecide(input *models.DecideInput) error {
	if !input.Decision.Valid() {
		return NewValidationError("decision", "must be APPROVED or REJECTED")
	}
	if input.DecidedBy == "" {
		return NewValidationError("decided_by", "required")
	}
	if input.Channel == "" {
		return NewValidationError("channel", "required")
	}
	return nil
}

// mustJSON marshals detail documents whose shape is statically known.
func mustJSON(v any) json.RawMessage {
	doc, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("marshal audit details: %v", err))
	}
	return doc
}
