package services

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cortexhq/cortex/pkg/models"
)

func TestAgentService_Create(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAgentService(env.db, testLogger())
	ctx := context.Background()

	t.Run("registers an active agent", func(t *testing.T) {
		agent, err := svc.Create(ctx, models.CreateAgentRequest{
			Name:             "Deploy Bot",
			Slug:             "deploy-bot",
			Role:             "deployer",
			ModelConfig:      json.RawMessage(`{"model":"large","max_turns":30}`),
			ResourceLimits:   json.RawMessage(`{"max_attempts":5,"timeout_seconds":900}`),
			RequiresApproval: true,
		})
		require.NoError(t, err)
		assert.NotEmpty(t, agent.ID)
		assert.Equal(t, models.AgentStatusActive, agent.Status)
		assert.True(t, agent.RequiresApproval)

		got, err := svc.GetBySlug(ctx, "deploy-bot")
		require.NoError(t, err)
		assert.Equal(t, agent.ID, got.ID)
		assert.JSONEq(t, `{"model":"large","max_turns":30}`, string(got.ModelConfig))
	})

	t.Run("rejects a duplicate slug", func(t *testing.T) {
		_, err := svc.Create(ctx, models.CreateAgentRequest{Name: "One", Slug: "taken"})
		require.NoError(t, err)

		_, err = svc.Create(ctx, models.CreateAgentRequest{Name: "Two", Slug: "taken"})
		assert.ErrorIs(t, err, ErrAlreadyExists)
	})

	t.Run("validates input", func(t *testing.T) {
		tests := []struct {
			name  string
			req   models.CreateAgentRequest
			field string
		}{
			{"missing name", models.CreateAgentRequest{Slug: "ok-slug"}, "name"},
			{"missing slug", models.CreateAgentRequest{Name: "Bot"}, "slug"},
			{"uppercase slug", models.CreateAgentRequest{Name: "Bot", Slug: "Bad-Slug"}, "slug"},
			{"leading dash", models.CreateAgentRequest{Name: "Bot", Slug: "-bot"}, "slug"},
			{"trailing dash", models.CreateAgentRequest{Name: "Bot", Slug: "bot-"}, "slug"},
			{"underscore", models.CreateAgentRequest{Name: "Bot", Slug: "my_bot"}, "slug"},
			{"bad model config", models.CreateAgentRequest{
				Name: "Bot", Slug: "bot-a", ModelConfig: json.RawMessage(`{"max_turns":"many"}`),
			}, "model_config"},
			{"bad skill config", models.CreateAgentRequest{
				Name: "Bot", Slug: "bot-b", SkillConfig: json.RawMessage(`{"skills":"nope"}`),
			}, "skill_config"},
			{"bad resource limits", models.CreateAgentRequest{
				Name: "Bot", Slug: "bot-c", ResourceLimits: json.RawMessage(`{"max_attempts":"x"}`),
			}, "resource_limits"},
			{"bad channel permissions", models.CreateAgentRequest{
				Name: "Bot", Slug: "bot-d", ChannelPermissions: json.RawMessage(`{broken`),
			}, "channel_permissions"},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				_, err := svc.Create(ctx, tt.req)
				require.Error(t, err)
				assert.True(t, IsValidationError(err))
				assert.Contains(t, err.Error(), tt.field)
			})
		}
	})
}

func TestAgentService_GetAndList(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAgentService(env.db, testLogger())
	ctx := context.Background()

	a, err := svc.Create(ctx, models.CreateAgentRequest{Name: "Alpha", Slug: "alpha"})
	require.NoError(t, err)
	_, err = svc.Create(ctx, models.CreateAgentRequest{Name: "Beta", Slug: "beta"})
	require.NoError(t, err)

	got, err := svc.Get(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, "Alpha", got.Name)

	_, err = svc.Get(ctx, uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = svc.GetBySlug(ctx, "gamma")
	assert.ErrorIs(t, err, ErrNotFound)

	list, err := svc.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, list.TotalCount)
	assert.Len(t, list.Agents, 2)
}

func TestAgentService_UpdateStatus(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAgentService(env.db, testLogger())
	ctx := context.Background()

	a, err := svc.Create(ctx, models.CreateAgentRequest{Name: "Mutable", Slug: "mutable"})
	require.NoError(t, err)

	updated, err := svc.UpdateStatus(ctx, a.ID, models.AgentStatusInactive)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusInactive, updated.Status)

	_, err = svc.UpdateStatus(ctx, a.ID, "DORMANT")
	require.Error(t, err)
	assert.True(t, IsValidationError(err))

	_, err = svc.UpdateStatus(ctx, uuid.NewString(), models.AgentStatusArchived)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestAgentService_Delete(t *testing.T) {
	env := newTestEnv(t)
	svc := NewAgentService(env.db, testLogger())
	ctx := context.Background()

	t.Run("removes an agent without jobs", func(t *testing.T) {
		a, err := svc.Create(ctx, models.CreateAgentRequest{Name: "Gone", Slug: "gone"})
		require.NoError(t, err)

		require.NoError(t, svc.Delete(ctx, a.ID))
		_, err = svc.Get(ctx, a.ID)
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("refuses while jobs reference the agent", func(t *testing.T) {
		a, err := svc.Create(ctx, models.CreateAgentRequest{Name: "Busy", Slug: "busy"})
		require.NoError(t, err)
		env.mkScheduledJob(t, a.ID)

		err = svc.Delete(ctx, a.ID)
		require.Error(t, err)
		assert.True(t, IsValidationError(err))
	})

	t.Run("unknown agent", func(t *testing.T) {
		assert.ErrorIs(t, svc.Delete(ctx, uuid.NewString()), ErrNotFound)
	})
}
