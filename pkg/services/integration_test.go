package services

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/store"
)

// TestServiceIntegration drives the services together the way the API and
// worker do: dispatch, park behind a gate, decide, and settle.
func TestServiceIntegration(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	agents := NewAgentService(env.db, testLogger())
	sessions := NewSessionService(env.db, env.queue, testLogger())
	jobs := env.jobService(t)
	approvals := env.approvalService(t)

	t.Run("dispatched job survives a pinned approval gate", func(t *testing.T) {
		agent, err := agents.Create(ctx, models.CreateAgentRequest{
			Name:             "Prod Operator",
			Slug:             "prod-operator",
			RequiresApproval: true,
		})
		require.NoError(t, err)

		// 1. A user message becomes a scheduled job with a session turn.
		job, err := sessions.DispatchMessage(ctx, models.DispatchMessageRequest{
			AgentID:       agent.ID,
			UserAccountID: "U700",
			Content:       "scale the payments service to zero",
		})
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusScheduled, job.Status)
		assert.Equal(t, 1, env.queueDepth(t))

		// 2. A worker picks it up.
		now := time.Now().UTC()
		env.mustMove(t, job.ID, models.JobStatusScheduled, models.JobStatusRunning,
			store.TransitionOpts{StartedAt: &now, HeartbeatAt: &now, IncrementAttempt: true})

		// 3. The execution hits a gated action, pinned to the requester.
		input := createInput(job.ID, agent.ID, models.RiskP0)
		input.ApproverUserID = "U700"
		gate, err := approvals.CreateRequest(ctx, input)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusWaitingForApproval, env.jobStatus(t, job.ID))

		// 4. A bystander cannot decide it.
		_, err = approvals.Decide(ctx, gate.ApprovalRequestID, models.DecideInput{
			Decision: models.DecisionApproved, DecidedBy: "U999", Channel: "api",
		})
		de, ok := AsDecideError(err)
		require.True(t, ok)
		assert.Equal(t, DecideNotAuthorized, de.Code)

		// 5. The pinned approver decides over the token link.
		result, err := approvals.DecideByToken(ctx, gate.PlaintextToken, models.DecideInput{
			Decision: models.DecisionApproved, DecidedBy: "U700", Channel: "slack",
		})
		require.NoError(t, err)
		assert.True(t, result.Success)
		assert.Equal(t, models.JobStatusRunning, env.jobStatus(t, job.ID))

		has, err := env.db.Approvals.HasApprovedForJob(ctx, job.ID)
		require.NoError(t, err)
		assert.True(t, has)

		// 6. The trail shows the whole story and verifies.
		trail, err := approvals.GetAuditTrail(ctx, gate.ApprovalRequestID)
		require.NoError(t, err)
		var kinds []models.AuditEventType
		for _, e := range trail.Entries {
			kinds = append(kinds, e.EventType)
		}
		assert.Equal(t, []models.AuditEventType{
			models.AuditRequestCreated,
			models.AuditUnauthorizedAttempt,
			models.AuditRequestDecided,
		}, kinds)
		assert.True(t, trail.ChainValid)
	})

	t.Run("rejection settles the job and frees the gate slot", func(t *testing.T) {
		agent, err := agents.Create(ctx, models.CreateAgentRequest{
			Name: "Staging Operator",
			Slug: "staging-operator",
		})
		require.NoError(t, err)

		job, err := jobs.Create(ctx, models.CreateJobRequest{
			AgentID: agent.ID,
			Payload: json.RawMessage(`{"prompt":"drop the staging database"}`),
		})
		require.NoError(t, err)
		now := time.Now().UTC()
		env.mustMove(t, job.ID, models.JobStatusScheduled, models.JobStatusRunning,
			store.TransitionOpts{StartedAt: &now, HeartbeatAt: &now, IncrementAttempt: true})

		gate, err := approvals.CreateRequest(ctx, createInput(job.ID, agent.ID, models.RiskP1))
		require.NoError(t, err)

		_, err = approvals.Decide(ctx, gate.ApprovalRequestID, models.DecideInput{
			Decision: models.DecisionRejected, DecidedBy: "U800", Channel: "api",
			Reason: "not during the freeze",
		})
		require.NoError(t, err)

		got, err := jobs.Get(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, got.Status)
		require.NotNil(t, got.Error)
		assert.Equal(t, "Approval rejected: not during the freeze", got.Error.Message)

		has, err := env.db.Approvals.HasApprovedForJob(ctx, job.ID)
		require.NoError(t, err)
		assert.False(t, has)

		// The rejected job can be retired for good.
		dead, err := jobs.MarkDeadLetter(ctx, job.ID)
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusDeadLetter, dead.Status)
	})

	t.Run("cancelling a parked job closes its gate", func(t *testing.T) {
		agent, err := agents.Create(ctx, models.CreateAgentRequest{
			Name: "Night Shift",
			Slug: "night-shift",
		})
		require.NoError(t, err)

		job, err := sessions.DispatchMessage(ctx, models.DispatchMessageRequest{
			AgentID:       agent.ID,
			UserAccountID: "U900",
			Content:       "rotate the signing keys",
		})
		require.NoError(t, err)
		now := time.Now().UTC()
		env.mustMove(t, job.ID, models.JobStatusScheduled, models.JobStatusRunning,
			store.TransitionOpts{StartedAt: &now, HeartbeatAt: &now, IncrementAttempt: true})

		gate, err := approvals.CreateRequest(ctx, createInput(job.ID, agent.ID, models.RiskP0))
		require.NoError(t, err)

		cancelled, err := jobs.Cancel(ctx, job.ID, "user withdrew the request")
		require.NoError(t, err)
		assert.Equal(t, models.JobStatusFailed, cancelled.Status)

		// The orphaned gate is expired, and a late decision says so.
		req, err := approvals.GetRequest(ctx, gate.ApprovalRequestID)
		require.NoError(t, err)
		assert.Equal(t, models.ApprovalStatusExpired, req.Status)

		_, err = approvals.Decide(ctx, gate.ApprovalRequestID, models.DecideInput{
			Decision: models.DecisionApproved, DecidedBy: "U900", Channel: "api",
		})
		de, ok := AsDecideError(err)
		require.True(t, ok)
		assert.Equal(t, DecideExpired, de.Code)
	})
}
