package config

import (
	"fmt"
)

// ConfigValidator validates configuration comprehensively with clear error messages
type ConfigValidator struct {
	cfg *Config
}

// NewValidator creates a validator for the given configuration
func NewValidator(cfg *Config) *ConfigValidator {
	return &ConfigValidator{cfg: cfg}
}

// ValidateAll performs comprehensive validation (fail-fast - stops at first error)
func (v *ConfigValidator) ValidateAll() error {
	if err := v.validateBackends(); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}

	if err := v.validateDefaults(); err != nil {
		return fmt.Errorf("defaults validation failed: %w", err)
	}

	if err := v.validateApproval(); err != nil {
		return fmt.Errorf("approvals validation failed: %w", err)
	}

	if err := v.validateQueue(); err != nil {
		return fmt.Errorf("queue validation failed: %w", err)
	}

	if err := v.validateWorker(); err != nil {
		return fmt.Errorf("worker validation failed: %w", err)
	}

	if err := v.validateSSE(); err != nil {
		return fmt.Errorf("sse validation failed: %w", err)
	}

	return nil
}

func (v *ConfigValidator) validateBackends() error {
	if len(v.cfg.Backends) == 0 {
		return NewValidationError("backends", "*", "", fmt.Errorf("at least one backend required"))
	}

	for id, b := range v.cfg.Backends {
		if !b.Kind.IsValid() {
			return NewValidationError("backend", id, "kind", fmt.Errorf("invalid kind: %s", b.Kind))
		}

		switch b.Kind {
		case BackendKindLocal:
			if b.Command == "" {
				return NewValidationError("backend", id, "command", ErrMissingRequiredField)
			}
		case BackendKindRemote:
			if b.BaseURL == "" {
				return NewValidationError("backend", id, "base_url", ErrMissingRequiredField)
			}
		}

		if b.MaxConcurrent < 1 {
			return NewValidationError("backend", id, "max_concurrent", fmt.Errorf("must be at least 1"))
		}
		if b.Breaker.FailureThreshold < 1 {
			return NewValidationError("backend", id, "breaker.failure_threshold", fmt.Errorf("must be at least 1"))
		}
		if b.Breaker.Window <= 0 {
			return NewValidationError("backend", id, "breaker.window", fmt.Errorf("must be positive"))
		}
		if b.Breaker.OpenFor <= 0 {
			return NewValidationError("backend", id, "breaker.open_for", fmt.Errorf("must be positive"))
		}
	}

	return nil
}

func (v *ConfigValidator) validateDefaults() error {
	d := v.cfg.Defaults
	if d.MaxAttempts < 1 {
		return NewValidationError("defaults", "defaults", "max_attempts", fmt.Errorf("must be at least 1"))
	}
	if d.TimeoutSeconds < 1 {
		return NewValidationError("defaults", "defaults", "timeout_seconds", fmt.Errorf("must be at least 1"))
	}
	if d.Backend != "" {
		if _, ok := v.cfg.Backends[d.Backend]; !ok {
			return NewValidationError("defaults", "defaults", "backend", fmt.Errorf("backend '%s' not found", d.Backend))
		}
	}
	return nil
}

func (v *ConfigValidator) validateApproval() error {
	a := v.cfg.Approval
	if a.HighRiskTTL <= 0 {
		return NewValidationError("approvals", "approvals", "high_risk_ttl", fmt.Errorf("must be positive"))
	}
	if a.LowRiskTTL <= 0 {
		return NewValidationError("approvals", "approvals", "low_risk_ttl", fmt.Errorf("must be positive"))
	}
	if a.MaxTTL <= 0 {
		return NewValidationError("approvals", "approvals", "max_ttl", fmt.Errorf("must be positive"))
	}
	if a.HighRiskTTL > a.MaxTTL || a.LowRiskTTL > a.MaxTTL {
		return NewValidationError("approvals", "approvals", "max_ttl", fmt.Errorf("risk-tier TTLs must not exceed max_ttl"))
	}
	return nil
}

func (v *ConfigValidator) validateQueue() error {
	q := v.cfg.Queue
	if q.WorkerCount < 1 {
		return NewValidationError("queue", "queue", "worker_count", fmt.Errorf("must be at least 1"))
	}
	if q.PollInterval <= 0 {
		return NewValidationError("queue", "queue", "poll_interval", fmt.Errorf("must be positive"))
	}
	if q.PollIntervalJitter < 0 || q.PollIntervalJitter >= q.PollInterval {
		return NewValidationError("queue", "queue", "poll_interval_jitter", fmt.Errorf("must be non-negative and smaller than poll_interval"))
	}
	return nil
}

func (v *ConfigValidator) validateWorker() error {
	w := v.cfg.Worker
	if w.HeartbeatInterval <= 0 {
		return NewValidationError("worker", "worker", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if w.CancelProbeInterval <= 0 {
		return NewValidationError("worker", "worker", "cancel_probe_interval", fmt.Errorf("must be positive"))
	}
	if w.PermitTimeout <= 0 {
		return NewValidationError("worker", "worker", "permit_timeout", fmt.Errorf("must be positive"))
	}
	if w.RetryBackoffBase <= 0 || w.RetryBackoffCap < w.RetryBackoffBase {
		return NewValidationError("worker", "worker", "retry_backoff", fmt.Errorf("base must be positive and cap >= base"))
	}
	if w.RetryBackoffJitter < 0 || w.RetryBackoffJitter > 1 {
		return NewValidationError("worker", "worker", "retry_backoff_jitter", fmt.Errorf("must be within [0, 1]"))
	}
	return nil
}

func (v *ConfigValidator) validateSSE() error {
	s := v.cfg.SSE
	if s.HeartbeatInterval <= 0 {
		return NewValidationError("sse", "sse", "heartbeat_interval", fmt.Errorf("must be positive"))
	}
	if s.BufferSize < 1 {
		return NewValidationError("sse", "sse", "buffer_size", fmt.Errorf("must be at least 1"))
	}
	if s.ConnectionBuffer < 1 {
		return NewValidationError("sse", "sse", "connection_buffer", fmt.Errorf("must be at least 1"))
	}
	return nil
}
