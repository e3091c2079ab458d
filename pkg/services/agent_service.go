package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/cortexhq/cortex/pkg/models"
	"github.com/cortexhq/cortex/pkg/store"
)

var slugPattern = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)

// AgentService manages agent configuration records.
type AgentService struct {
	db     *store.DB
	logger *slog.Logger
}

// NewAgentService creates an AgentService.
func NewAgentService(db *store.DB, logger *slog.Logger) *AgentService {
	return &AgentService{
		db:     db,
		logger: logger.With("component", "agent_service"),
	}
}

// Create registers a new agent in ACTIVE status.
func (s *AgentService) Create(ctx context.Context, req models.CreateAgentRequest) (*models.Agent, error) {
	if err := validateCreateAgent(&req); err != nil {
		return nil, err
	}

	agent := &models.Agent{
		Name:               req.Name,
		Slug:               req.Slug,
		Role:               req.Role,
		Status:             models.AgentStatusActive,
		ModelConfig:        req.ModelConfig,
		SkillConfig:        req.SkillConfig,
		ResourceLimits:     req.ResourceLimits,
		ChannelPermissions: req.ChannelPermissions,
		RequiresApproval:   req.RequiresApproval,
	}
	if err := s.db.Agents.Create(ctx, agent); err != nil {
		if store.IsUniqueViolation(err) {
			return nil, fmt.Errorf("agent slug %q: %w", req.Slug, ErrAlreadyExists)
		}
		return nil, err
	}

	s.logger.Info("Agent registered", "agent_id", agent.ID, "slug", agent.Slug)
	return agent, nil
}

// Get returns one agent by id.
func (s *AgentService) Get(ctx context.Context, id string) (*models.Agent, error) {
	agent, err := s.db.Agents.Get(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, err
	}
	return agent, nil
}

// GetBySlug returns one agent by slug.
func (s *AgentService) GetBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	agent, err := s.db.Agents.GetBySlug(ctx, slug)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("agent slug %s: %w", slug, ErrNotFound)
		}
		return nil, err
	}
	return agent, nil
}

// List returns all agents.
func (s *AgentService) List(ctx context.Context) (*models.AgentListResponse, error) {
	agents, err := s.db.Agents.List(ctx)
	if err != nil {
		return nil, err
	}
	if agents == nil {
		agents = []*models.Agent{}
	}
	return &models.AgentListResponse{Agents: agents, TotalCount: len(agents)}, nil
}

// UpdateStatus moves the agent to the given lifecycle status.
func (s *AgentService) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) (*models.Agent, error) {
	if !status.Valid() {
		return nil, NewValidationError("status", "must be one of ACTIVE, INACTIVE, ARCHIVED")
	}
	updated, err := s.db.Agents.UpdateStatus(ctx, id, status)
	if err != nil {
		return nil, err
	}
	if !updated {
		return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return s.Get(ctx, id)
}

// Delete removes an agent. Agents that still own jobs cannot be deleted.
func (s *AgentService) Delete(ctx context.Context, id string) error {
	err := s.db.Agents.Delete(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		if store.IsForeignKeyViolation(err) {
			return NewValidationError("id", "agent still owns jobs")
		}
		return err
	}
	s.logger.Info("Agent deleted", "agent_id", id)
	return nil
}

func validateCreateAgent(req *models.CreateAgentRequest) error {
	if req.Name == "" {
		return NewValidationError("name", "required")
	}
	if req.Slug == "" {
		return NewValidationError("slug", "required")
	}
	if !slugPattern.MatchString(req.Slug) {
		return NewValidationError("slug", "must be lowercase letters, digits, and dashes")
	}
	if err := validDoc(req.ModelConfig, &models.ModelConfig{}); err != nil {
		return NewValidationError("model_config", "must be a valid model config document")
	}
	if err := validDoc(req.SkillConfig, &models.SkillConfig{}); err != nil {
		return NewValidationError("skill_config", "must be a valid skill config document")
	}
	if err := validDoc(req.ResourceLimits, &models.ResourceLimits{}); err != nil {
		return NewValidationError("resource_limits", "must be a valid resource limits document")
	}
	if len(req.ChannelPermissions) > 0 && !json.Valid(req.ChannelPermissions) {
		return NewValidationError("channel_permissions", "must be valid JSON")
	}
	return nil
}

// validDoc checks that a JSON column value parses into its typed shape.
// Empty documents are fine; the column stays NULL.
func validDoc(doc json.RawMessage, into any) error {
	if len(doc) == 0 {
		return nil
	}
	return json.Unmarshal(doc, into)
}
