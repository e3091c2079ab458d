package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/models"
)

// buildTask assembles the ExecutionTask from the job payload, the agent's
// configuration documents, and the session context. It also returns the
// payload's preferred backend id for routing. Configuration problems are
// PERMANENT: they will not succeed on retry.
func (w *Worker) buildTask(ctx context.Context, log *slog.Logger, job *models.Job, agent *models.Agent, payload models.ExecutePayload) (*backend.ExecutionTask, string, error) {
	if len(job.Payload) == 0 {
		return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
			fmt.Errorf("job %s has no payload", job.ID))
	}
	var jobPayload models.JobPayload
	if err := json.Unmarshal(job.Payload, &jobPayload); err != nil {
		return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
			fmt.Errorf("job %s payload: %w", job.ID, err))
	}
	if jobPayload.Prompt == "" {
		return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
			fmt.Errorf("job %s payload has no prompt", job.ID))
	}
	goal := backend.GoalType(jobPayload.GoalType)
	if goal != "" && !backend.ValidGoalType(goal) {
		return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
			fmt.Errorf("job %s has unknown goal type %q", job.ID, jobPayload.GoalType))
	}

	var modelCfg models.ModelConfig
	if len(agent.ModelConfig) > 0 {
		if err := json.Unmarshal(agent.ModelConfig, &modelCfg); err != nil {
			return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
				fmt.Errorf("agent %s model_config: %w", agent.ID, err))
		}
	}
	var limits models.ResourceLimits
	if len(agent.ResourceLimits) > 0 {
		if err := json.Unmarshal(agent.ResourceLimits, &limits); err != nil {
			return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
				fmt.Errorf("agent %s resource_limits: %w", agent.ID, err))
		}
	}
	var skillCfg models.SkillConfig
	if len(agent.SkillConfig) > 0 {
		if err := json.Unmarshal(agent.SkillConfig, &skillCfg); err != nil {
			return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
				fmt.Errorf("agent %s skill_config: %w", agent.ID, err))
		}
	}

	constraints := backend.Constraints{
		TimeoutSeconds: job.TimeoutSeconds,
		MaxTokens:      modelCfg.MaxTokens,
		MaxTurns:       modelCfg.MaxTurns,
		Model:          modelCfg.Model,
		AllowedTools:   limits.AllowedTools,
		DeniedTools:    limits.DeniedTools,
		NetworkAccess:  limits.NetworkAccess,
		ShellAccess:    limits.ShellAccess,
	}
	instructions, err := applySkills(&constraints, skillCfg.Skills)
	if err != nil {
		return nil, "", backend.NewClassifiedError(backend.ClassPermanent,
			fmt.Errorf("agent %s: %w", agent.ID, err))
	}

	taskCtx := backend.TaskContext{
		WorkspacePath:     jobPayload.WorkspacePath,
		Environment:       buildTaskEnv(jobPayload.Environment, payload),
		SkillInstructions: instructions,
	}
	if job.SessionID != nil {
		taskCtx.SessionID = *job.SessionID
		history, err := w.deps.Sessions.ListMessages(ctx, *job.SessionID, historyLimit)
		if err != nil {
			return nil, "", backend.NewClassifiedError(backend.ClassTransient,
				fmt.Errorf("load history for session %s: %w", *job.SessionID, err))
		}
		for _, m := range history {
			taskCtx.History = append(taskCtx.History, backend.HistoryMessage{
				Role:    string(m.Role),
				Content: m.Content,
			})
		}
		if w.memory.MemoryEnabled() {
			taskCtx.Memories = w.pendingMemories(ctx, log, *job.SessionID)
		}
	}

	task := &backend.ExecutionTask{
		TaskID:  uuid.NewString(),
		JobID:   job.ID,
		AgentID: agent.ID,
		Instruction: backend.Instruction{
			Prompt:       jobPayload.Prompt,
			GoalType:     goal,
			TargetFiles:  jobPayload.TargetFiles,
			SystemPrompt: modelCfg.SystemPrompt,
		},
		Context:     taskCtx,
		Constraints: constraints,
		Secrets:     resolveSecrets(log, limits.SecretEnvKeys),
	}
	return task, jobPayload.PreferredBackendID, nil
}

// pendingMemories returns the contents of extract messages the external
// extractor has not yet received. They carry context from earlier work in
// the session, so the task gets them verbatim. Read failures drop the
// memories, never the task.
func (w *Worker) pendingMemories(ctx context.Context, log *slog.Logger, sessionID string) []string {
	pending, err := w.deps.Memory.ListPending(ctx, sessionID)
	if err != nil {
		log.Warn("Memory read failed, task built without memories", "error", err)
		return nil
	}
	var memories []string
	for _, m := range pending {
		if m.Content != "" {
			memories = append(memories, m.Content)
		}
	}
	return memories
}

// applySkills folds every resolved skill into the constraints: allowed
// tools intersect, denied tools union, boolean capabilities AND. Returns
// the concatenated skill instructions. An intersection that empties the
// allowed set while restrictions exist is a configuration contradiction.
func applySkills(c *backend.Constraints, skills []models.Skill) (string, error) {
	if len(skills) == 0 {
		return "", nil
	}

	allowed := c.AllowedTools
	restricted := allowed != nil
	var parts []string
	for _, sk := range skills {
		if sk.AllowedTools != nil {
			if restricted {
				allowed = intersectTools(allowed, sk.AllowedTools)
			} else {
				allowed = append([]string(nil), sk.AllowedTools...)
				restricted = true
			}
		}
		c.DeniedTools = unionTools(c.DeniedTools, sk.DeniedTools)
		if sk.NetworkAccess != nil {
			c.NetworkAccess = c.NetworkAccess && *sk.NetworkAccess
		}
		if sk.ShellAccess != nil {
			c.ShellAccess = c.ShellAccess && *sk.ShellAccess
		}
		if sk.Instructions != "" {
			parts = append(parts, sk.Instructions)
		}
	}
	if restricted && len(allowed) == 0 {
		return "", fmt.Errorf("skills leave no allowed tools")
	}
	c.AllowedTools = allowed
	return strings.Join(parts, "\n\n"), nil
}

// intersectTools keeps the elements of a that also appear in b, preserving
// a's order.
func intersectTools(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, t := range b {
		set[t] = struct{}{}
	}
	var out []string
	for _, t := range a {
		if _, ok := set[t]; ok {
			out = append(out, t)
		}
	}
	return out
}

// unionTools merges b into a without duplicates, preserving first-seen
// order.
func unionTools(a, b []string) []string {
	if len(b) == 0 {
		return a
	}
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]string, 0, len(a)+len(b))
	for _, t := range a {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	for _, t := range b {
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

// buildTaskEnv merges the payload environment with the propagated trace
// context.
func buildTaskEnv(env map[string]string, payload models.ExecutePayload) map[string]string {
	if len(env) == 0 && payload.Traceparent == "" && payload.Tracestate == "" {
		return nil
	}
	merged := make(map[string]string, len(env)+2)
	for k, v := range env {
		merged[k] = v
	}
	if payload.Traceparent != "" {
		merged["TRACEPARENT"] = payload.Traceparent
	}
	if payload.Tracestate != "" {
		merged["TRACESTATE"] = payload.Tracestate
	}
	return merged
}

// resolveSecrets reads the agent's secret env keys from the worker process
// environment. Values travel in Secrets, which never serializes.
func resolveSecrets(log *slog.Logger, keys []string) map[string]string {
	if len(keys) == 0 {
		return nil
	}
	secrets := make(map[string]string, len(keys))
	for _, key := range keys {
		val, ok := os.LookupEnv(key)
		if !ok {
			log.Warn("Secret env key not set", "key", key)
			continue
		}
		secrets[key] = val
	}
	if len(secrets) == 0 {
		return nil
	}
	return secrets
}
