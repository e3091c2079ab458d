package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/cortexhq/cortex/pkg/backend"
	"github.com/cortexhq/cortex/pkg/config"
)

// Build constructs a backend from its configuration. API keys are read
// from the environment variable the config names, never from the YAML
// itself.
func Build(cfg *config.BackendConfig, logger *slog.Logger) (backend.Backend, error) {
	caps, err := buildCapabilities(cfg.Capabilities)
	if err != nil {
		return nil, fmt.Errorf("backend %s: %w", cfg.ID, err)
	}

	switch cfg.Kind {
	case config.BackendKindLocal:
		return backend.NewLocalBackend(backend.LocalConfig{
			ID:           cfg.ID,
			Command:      cfg.Command,
			Args:         cfg.Args,
			KillGrace:    cfg.KillGrace.Std(),
			Capabilities: caps,
		}, logger)

	case config.BackendKindRemote:
		var apiKey string
		if cfg.APIKeyEnv != "" {
			apiKey = os.Getenv(cfg.APIKeyEnv)
			if apiKey == "" {
				logger.Warn("backend api key env var is empty",
					"backend_id", cfg.ID,
					"env_var", cfg.APIKeyEnv)
			}
		}
		return backend.NewRemoteBackend(backend.RemoteConfig{
			ID:           cfg.ID,
			BaseURL:      cfg.BaseURL,
			APIKey:       apiKey,
			ExecutePath:  cfg.ExecutePath,
			HealthPath:   cfg.HealthPath,
			CancelPath:   cfg.CancelPath,
			Capabilities: caps,
		}, logger)

	case config.BackendKindEcho:
		b := backend.NewEchoBackend(cfg.ID)
		b.SetCapabilities(caps)
		return b, nil

	default:
		return nil, fmt.Errorf("backend %s: unknown kind %q", cfg.ID, cfg.Kind)
	}
}

// buildCapabilities maps the YAML capability block onto the backend
// descriptor. Unset booleans default to supported.
func buildCapabilities(cfg config.CapabilitiesConfig) (backend.Capabilities, error) {
	caps := backend.Capabilities{
		Streaming:        boolOr(cfg.Streaming, true),
		FileEdit:         boolOr(cfg.FileEdit, true),
		Shell:            boolOr(cfg.Shell, true),
		UsageReporting:   boolOr(cfg.UsageReporting, true),
		Cancellation:     boolOr(cfg.Cancellation, true),
		MaxContextTokens: cfg.MaxContextTokens,
	}
	for _, raw := range cfg.Goals {
		goal := backend.GoalType(raw)
		if !backend.ValidGoalType(goal) {
			return backend.Capabilities{}, fmt.Errorf("unknown goal type %q", raw)
		}
		caps.Goals = append(caps.Goals, goal)
	}
	return caps, nil
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}

// RegisterFromConfig builds and registers every configured backend in
// priority order. The first failure aborts; backends registered before
// the failure are stopped again so startup is all-or-nothing.
func RegisterFromConfig(ctx context.Context, reg *Registry, backends map[string]*config.BackendConfig, logger *slog.Logger) error {
	for _, id := range config.OrderedBackendIDs(backends) {
		cfg := backends[id]

		b, err := Build(cfg, logger)
		if err != nil {
			if shutdownErr := reg.Shutdown(ctx); shutdownErr != nil {
				logger.Warn("rollback shutdown failed", "error", shutdownErr)
			}
			return err
		}

		opts := RegisterOptions{
			MaxConcurrent: int64(cfg.MaxConcurrent),
			Priority:      cfg.Priority,
			Breaker: BreakerSettings{
				FailureThreshold: uint32(cfg.Breaker.FailureThreshold),
				Window:           cfg.Breaker.Window.Std(),
				OpenFor:          cfg.Breaker.OpenFor.Std(),
			},
		}
		if err := reg.Register(ctx, b, opts); err != nil {
			if shutdownErr := reg.Shutdown(ctx); shutdownErr != nil {
				logger.Warn("rollback shutdown failed", "error", shutdownErr)
			}
			return err
		}
	}
	return nil
}
