package models

import (
	"encoding/json"
	"time"
)

// AgentStatus is the lifecycle state of an Agent configuration record.
type AgentStatus string

const (
	AgentStatusActive   AgentStatus = "ACTIVE"
	AgentStatusInactive AgentStatus = "INACTIVE"
	AgentStatusArchived AgentStatus = "ARCHIVED"
)

// Valid reports whether s is a known agent status.
func (s AgentStatus) Valid() bool {
	switch s {
	case AgentStatusActive, AgentStatusInactive, AgentStatusArchived:
		return true
	}
	return false
}

// Agent is a long-lived agent configuration record. Jobs reference agents
// but never own them; deleting an agent is always an explicit operation.
type Agent struct {
	ID                 string          `json:"id"`
	Name               string          `json:"name"`
	Slug               string          `json:"slug"`
	Role               string          `json:"role,omitempty"`
	Status             AgentStatus     `json:"status"`
	ModelConfig        json.RawMessage `json:"model_config,omitempty"`
	SkillConfig        json.RawMessage `json:"skill_config,omitempty"`
	ResourceLimits     json.RawMessage `json:"resource_limits,omitempty"`
	ChannelPermissions json.RawMessage `json:"channel_permissions,omitempty"`
	RequiresApproval   bool            `json:"requires_approval"`
	CreatedAt          time.Time       `json:"created_at"`
	UpdatedAt          time.Time       `json:"updated_at"`
}

// ModelConfig is the parsed shape of Agent.ModelConfig.
type ModelConfig struct {
	Model        string `json:"model,omitempty"`
	MaxTokens    int    `json:"max_tokens,omitempty"`
	MaxTurns     int    `json:"max_turns,omitempty"`
	SystemPrompt string `json:"system_prompt,omitempty"`
}

// SkillConfig is the parsed shape of Agent.SkillConfig. Skills narrow what
// an execution may do: allowed tools intersect, denied tools union, and
// boolean capabilities AND across all resolved skills.
type SkillConfig struct {
	Skills []Skill `json:"skills,omitempty"`
}

// Skill is a single named capability grant for an agent.
type Skill struct {
	Name          string   `json:"name"`
	AllowedTools  []string `json:"allowed_tools,omitempty"`
	DeniedTools   []string `json:"denied_tools,omitempty"`
	NetworkAccess *bool    `json:"network_access,omitempty"`
	ShellAccess   *bool    `json:"shell_access,omitempty"`
	Instructions  string   `json:"instructions,omitempty"`
}

// ResourceLimits is the parsed shape of Agent.ResourceLimits.
type ResourceLimits struct {
	TimeoutSeconds int      `json:"timeout_seconds,omitempty"`
	MaxAttempts    int      `json:"max_attempts,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	DeniedTools    []string `json:"denied_tools,omitempty"`
	NetworkAccess  bool     `json:"network_access"`
	ShellAccess    bool     `json:"shell_access"`
	SecretEnvKeys  []string `json:"secret_env_keys,omitempty"`
}

// CreateAgentRequest contains fields for registering an agent via the API.
type CreateAgentRequest struct {
	Name               string          `json:"name"`
	Slug               string          `json:"slug"`
	Role               string          `json:"role,omitempty"`
	ModelConfig        json.RawMessage `json:"model_config,omitempty"`
	SkillConfig        json.RawMessage `json:"skill_config,omitempty"`
	ResourceLimits     json.RawMessage `json:"resource_limits,omitempty"`
	ChannelPermissions json.RawMessage `json:"channel_permissions,omitempty"`
	RequiresApproval   bool            `json:"requires_approval"`
}

// AgentListResponse contains a list of agents.
type AgentListResponse struct {
	Agents     []*Agent `json:"agents"`
	TotalCount int      `json:"total_count"`
}
