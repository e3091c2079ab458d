// Package backend defines the execution backend abstraction: the task and
// result types, the streaming output event protocol, and the adapters that
// run tasks on local CLI agents or remote HTTP agent services.
package backend

import (
	"encoding/json"
	"time"
)

// GoalType categorizes what an execution task is trying to accomplish.
type GoalType string

const (
	GoalCodeEdit     GoalType = "code_edit"
	GoalCodeGenerate GoalType = "code_generate"
	GoalCodeReview   GoalType = "code_review"
	GoalShellCommand GoalType = "shell_command"
	GoalResearch     GoalType = "research"
)

// ValidGoalType reports whether g is a known goal type.
func ValidGoalType(g GoalType) bool {
	switch g {
	case GoalCodeEdit, GoalCodeGenerate, GoalCodeReview, GoalShellCommand, GoalResearch:
		return true
	}
	return false
}

// Instruction is the normalized prompt handed to a backend.
type Instruction struct {
	Prompt       string   `json:"prompt"`
	GoalType     GoalType `json:"goal_type"`
	TargetFiles  []string `json:"target_files,omitempty"`
	SystemPrompt string   `json:"system_prompt,omitempty"`
}

// TaskContext carries the execution environment of a task.
type TaskContext struct {
	WorkspacePath string            `json:"workspace_path,omitempty"`
	SessionID     string            `json:"session_id,omitempty"`
	Environment   map[string]string `json:"environment,omitempty"`
	History       []HistoryMessage  `json:"history,omitempty"`
	// Memories are salient facts from earlier work in the same session,
	// injected verbatim into the agent's context.
	Memories []string `json:"memories,omitempty"`
	// SkillInstructions is the concatenated guidance of every skill
	// resolved for the agent.
	SkillInstructions string `json:"skill_instructions,omitempty"`
}

// HistoryMessage is one prior conversation turn included for context.
type HistoryMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Constraints bound what a task may do and how long it may run.
type Constraints struct {
	TimeoutSeconds int      `json:"timeout_seconds"`
	MaxTokens      int      `json:"max_tokens,omitempty"`
	MaxTurns       int      `json:"max_turns,omitempty"`
	Model          string   `json:"model,omitempty"`
	AllowedTools   []string `json:"allowed_tools,omitempty"`
	DeniedTools    []string `json:"denied_tools,omitempty"`
	NetworkAccess  bool     `json:"network_access"`
	ShellAccess    bool     `json:"shell_access"`
}

// Timeout returns the task timeout as a duration, or 0 when unset.
func (c Constraints) Timeout() time.Duration {
	if c.TimeoutSeconds <= 0 {
		return 0
	}
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// ExecutionTask is the complete unit of work submitted to a backend.
type ExecutionTask struct {
	TaskID      string      `json:"task_id"`
	JobID       string      `json:"job_id"`
	AgentID     string      `json:"agent_id"`
	Instruction Instruction `json:"instruction"`
	Context     TaskContext `json:"context"`
	Constraints Constraints `json:"constraints"`
	// Secrets are resolved credential values injected into the backend
	// environment. They never appear in serialized task payloads.
	Secrets map[string]string `json:"-"`
}

// TokenUsage accumulates token consumption across a stream.
type TokenUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens,omitempty"`
	CacheWriteTokens int `json:"cache_write_tokens,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CacheReadTokens += other.CacheReadTokens
	u.CacheWriteTokens += other.CacheWriteTokens
}

// Total returns the combined input and output token count.
func (u TokenUsage) Total() int {
	return u.InputTokens + u.OutputTokens
}

// ExecutionStatus is the terminal status of a task execution.
type ExecutionStatus string

const (
	StatusCompleted ExecutionStatus = "completed"
	StatusFailed    ExecutionStatus = "failed"
	StatusTimedOut  ExecutionStatus = "timed_out"
	StatusCancelled ExecutionStatus = "cancelled"
)

// FileChange records one file the execution created, modified, or deleted.
type FileChange struct {
	Path      string `json:"path"`
	Operation string `json:"operation"`
	Additions int    `json:"additions,omitempty"`
	Deletions int    `json:"deletions,omitempty"`
}

// ExecutionError describes why an execution failed.
type ExecutionError struct {
	Message          string         `json:"message"`
	Classification   Classification `json:"classification"`
	PartialExecution bool           `json:"partial_execution"`
}

// ExecutionResult is the settled outcome of a task.
type ExecutionResult struct {
	TaskID      string          `json:"task_id"`
	Status      ExecutionStatus `json:"status"`
	ExitCode    int             `json:"exit_code"`
	Summary     string          `json:"summary,omitempty"`
	FileChanges []FileChange    `json:"file_changes,omitempty"`
	Stdout      string          `json:"stdout,omitempty"`
	Stderr      string          `json:"stderr,omitempty"`
	TokenUsage  TokenUsage      `json:"token_usage"`
	Artifacts   json.RawMessage `json:"artifacts,omitempty"`
	DurationMs  int64           `json:"duration_ms"`
	Error       *ExecutionError `json:"error,omitempty"`
}

// Capabilities declares what a backend supports. The router consults these
// when matching a task to a backend.
type Capabilities struct {
	Streaming        bool       `json:"streaming"`
	FileEdit         bool       `json:"file_edit"`
	Shell            bool       `json:"shell"`
	UsageReporting   bool       `json:"usage_reporting"`
	Cancellation     bool       `json:"cancellation"`
	Goals            []GoalType `json:"goals,omitempty"`
	MaxContextTokens int        `json:"max_context_tokens,omitempty"`
}

// SupportsGoal reports whether the backend handles the given goal type.
// An empty goal list means the backend accepts every goal.
func (c Capabilities) SupportsGoal(g GoalType) bool {
	if len(c.Goals) == 0 {
		return true
	}
	for _, got := range c.Goals {
		if got == g {
			return true
		}
	}
	return false
}

// HealthState is the coarse health of a backend.
type HealthState string

const (
	HealthHealthy   HealthState = "healthy"
	HealthDegraded  HealthState = "degraded"
	HealthUnhealthy HealthState = "unhealthy"
)

// HealthStatus is a point-in-time health probe result.
type HealthStatus struct {
	State     HealthState    `json:"state"`
	LatencyMs int64          `json:"latency_ms"`
	Reason    string         `json:"reason,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	CheckedAt time.Time      `json:"checked_at"`
}
