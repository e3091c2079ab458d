package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/models"
)

const agentColumns = `id, name, slug, role, status, model_config, skill_config,
	resource_limits, channel_permissions, requires_approval, created_at, updated_at`

// AgentStore persists agent configuration records.
type AgentStore struct {
	q Querier
}

// Create inserts a new agent. An empty ID is filled with a fresh UUID and an
// empty status defaults to ACTIVE; timestamps are read back from the row.
func (s *AgentStore) Create(ctx context.Context, a *models.Agent) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.Status == "" {
		a.Status = models.AgentStatusActive
	}
	err := s.q.QueryRowContext(ctx,
		`INSERT INTO agents (id, name, slug, role, status, model_config, skill_config,
		                     resource_limits, channel_permissions, requires_approval)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 RETURNING created_at, updated_at`,
		a.ID, a.Name, a.Slug, a.Role, string(a.Status),
		jsonArg(a.ModelConfig), jsonArg(a.SkillConfig), jsonArg(a.ResourceLimits),
		jsonArg(a.ChannelPermissions), a.RequiresApproval,
	).Scan(&a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent %s: %w", a.Slug, err)
	}
	return nil
}

// Get returns the agent with the given id.
func (s *AgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %s: %w", id, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent %s: %w", id, err)
	}
	return a, nil
}

// GetBySlug returns the agent with the given slug.
func (s *AgentStore) GetBySlug(ctx context.Context, slug string) (*models.Agent, error) {
	row := s.q.QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE slug = $1`, slug)
	a, err := scanAgent(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent slug %s: %w", slug, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent by slug %s: %w", slug, err)
	}
	return a, nil
}

// List returns all agents in creation order.
func (s *AgentStore) List(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.q.QueryContext(ctx,
		`SELECT `+agentColumns+` FROM agents ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	return agents, nil
}

// UpdateStatus sets the agent lifecycle status. Returns false when the agent
// does not exist.
func (s *AgentStore) UpdateStatus(ctx context.Context, id string, status models.AgentStatus) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE agents SET status = $2 WHERE id = $1`, id, string(status))
	if err != nil {
		return false, fmt.Errorf("update agent %s status: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("update agent %s status: %w", id, err)
	}
	return n == 1, nil
}

// Delete removes an agent. Agents with jobs cannot be deleted; the foreign
// key rejects the cascade.
func (s *AgentStore) Delete(ctx context.Context, id string) error {
	res, err := s.q.ExecContext(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("agent %s: %w", id, ErrNotFound)
	}
	return nil
}

func scanAgent(row scanner) (*models.Agent, error) {
	var (
		a                                                     models.Agent
		modelConfig, skillConfig, resourceLimits, channelPerm []byte
	)
	err := row.Scan(&a.ID, &a.Name, &a.Slug, &a.Role, &a.Status,
		&modelConfig, &skillConfig, &resourceLimits, &channelPerm,
		&a.RequiresApproval, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	a.ModelConfig = modelConfig
	a.SkillConfig = skillConfig
	a.ResourceLimits = resourceLimits
	a.ChannelPermissions = channelPerm
	return &a, nil
}

// jsonArg passes a JSON document to a JSONB parameter, mapping an empty
// document to NULL.
func jsonArg(doc []byte) any {
	if len(doc) == 0 {
		return nil
	}
	return doc
}
