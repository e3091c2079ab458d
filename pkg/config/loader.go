package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"dario.cat/mergo"
	"gopkg.in/yaml.v3"
)

// CortexYAMLConfig represents the complete cortex.yaml file structure
type CortexYAMLConfig struct {
	Defaults *Defaults       `yaml:"defaults"`
	Server   *ServerConfig   `yaml:"server"`
	Queue    *QueueConfig    `yaml:"queue"`
	Worker   *WorkerConfig   `yaml:"worker"`
	SSE      *SSEConfig      `yaml:"sse"`
	Approval *ApprovalConfig `yaml:"approvals"`
	Reaper   *ReaperConfig   `yaml:"reaper"`
	Notifier *NotifierConfig `yaml:"notifier"`
	Memory   *MemoryConfig   `yaml:"memory"`
	Masking  *MaskingConfig  `yaml:"masking"`
}

// BackendsYAMLConfig represents the complete backends.yaml file structure
type BackendsYAMLConfig struct {
	Backends map[string]*BackendConfig `yaml:"backends"`
}

// Initialize loads, validates, and returns ready-to-use configuration.
// This is the primary entry point for configuration loading.
//
// Steps performed:
//  1. Load YAML files from configDir
//  2. Expand environment variables
//  3. Parse YAML into structs
//  4. Merge user-defined values over built-in defaults
//  5. Validate all configuration
//  6. Return Config ready for use
func Initialize(ctx context.Context, configDir string) (*Config, error) {
	log := slog.With("config_dir", configDir)
	log.Info("Initializing configuration")

	cfg, err := load(ctx, configDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	stats := cfg.Stats()
	log.Info("Configuration initialized successfully",
		"backends", stats.Backends,
		"local_backends", stats.LocalBackends,
		"remote_backends", stats.RemoteBackends)

	return cfg, nil
}

// load is the internal loader (not exported)
func load(_ context.Context, configDir string) (*Config, error) {
	loader := &configLoader{
		configDir: configDir,
	}

	// 1. Load cortex.yaml (server, queue, worker, sse, approvals, reaper, ...)
	cortexConfig, err := loader.loadCortexYAML()
	if err != nil {
		return nil, NewLoadError("cortex.yaml", err)
	}

	// 2. Load backends.yaml
	backends, err := loader.loadBackendsYAML()
	if err != nil {
		return nil, NewLoadError("backends.yaml", err)
	}

	// 3. Resolve sub-configs: start with built-in defaults, then merge the
	// user config on top so unset fields keep their defaults.
	defaults, err := mergeSection(DefaultDefaults(), cortexConfig.Defaults)
	if err != nil {
		return nil, fmt.Errorf("failed to merge defaults: %w", err)
	}
	server, err := mergeSection(DefaultServerConfig(), cortexConfig.Server)
	if err != nil {
		return nil, fmt.Errorf("failed to merge server config: %w", err)
	}
	queue, err := mergeSection(DefaultQueueConfig(), cortexConfig.Queue)
	if err != nil {
		return nil, fmt.Errorf("failed to merge queue config: %w", err)
	}
	worker, err := mergeSection(DefaultWorkerConfig(), cortexConfig.Worker)
	if err != nil {
		return nil, fmt.Errorf("failed to merge worker config: %w", err)
	}
	sse, err := mergeSection(DefaultSSEConfig(), cortexConfig.SSE)
	if err != nil {
		return nil, fmt.Errorf("failed to merge sse config: %w", err)
	}
	approval, err := mergeSection(DefaultApprovalConfig(), cortexConfig.Approval)
	if err != nil {
		return nil, fmt.Errorf("failed to merge approvals config: %w", err)
	}
	reaper, err := mergeSection(DefaultReaperConfig(), cortexConfig.Reaper)
	if err != nil {
		return nil, fmt.Errorf("failed to merge reaper config: %w", err)
	}
	notifier, err := mergeSection(DefaultNotifierConfig(), cortexConfig.Notifier)
	if err != nil {
		return nil, fmt.Errorf("failed to merge notifier config: %w", err)
	}
	memory, err := mergeSection(DefaultMemoryConfig(), cortexConfig.Memory)
	if err != nil {
		return nil, fmt.Errorf("failed to merge memory config: %w", err)
	}
	masking, err := mergeSection(DefaultMaskingConfig(), cortexConfig.Masking)
	if err != nil {
		return nil, fmt.Errorf("failed to merge masking config: %w", err)
	}

	// 4. Apply backend defaults (ID from map key, breaker defaults)
	for id, b := range backends {
		b.ID = id
		breaker := DefaultBreakerConfig()
		if err := mergo.Merge(&breaker, b.Breaker, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("failed to merge breaker config for backend %q: %w", id, err)
		}
		b.Breaker = breaker
		if b.MaxConcurrent == 0 {
			b.MaxConcurrent = 1
		}
	}

	return &Config{
		configDir: configDir,
		Defaults:  defaults,
		Server:    server,
		Queue:     queue,
		Worker:    worker,
		SSE:       sse,
		Approval:  approval,
		Reaper:    reaper,
		Notifier:  notifier,
		Memory:    memory,
		Masking:   masking,
		Backends:  backends,
	}, nil
}

// mergeSection merges a user-provided section over built-in defaults.
// Non-zero user values override; nil user sections keep the defaults as-is.
func mergeSection[T any](defaults *T, user *T) (*T, error) {
	if user == nil {
		return defaults, nil
	}
	if err := mergo.Merge(defaults, user, mergo.WithOverride); err != nil {
		return nil, err
	}
	return defaults, nil
}

// validate performs comprehensive validation on loaded configuration
func validate(cfg *Config) error {
	validator := NewValidator(cfg)
	return validator.ValidateAll()
}

type configLoader struct {
	configDir string
}

func (l *configLoader) loadYAML(filename string, target any) error {
	path := filepath.Join(l.configDir, filename)

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrConfigNotFound, path)
		}
		return err
	}

	// Expand environment variables using {{.VAR}} template syntax
	// Note: ExpandEnv passes through original data on parse/execution errors,
	// allowing YAML parser to handle the content (or fail with clearer error message)
	data = ExpandEnv(data)

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidYAML, err)
	}

	return nil
}

func (l *configLoader) loadCortexYAML() (*CortexYAMLConfig, error) {
	var config CortexYAMLConfig

	if err := l.loadYAML("cortex.yaml", &config); err != nil {
		return nil, err
	}

	return &config, nil
}

func (l *configLoader) loadBackendsYAML() (map[string]*BackendConfig, error) {
	var config BackendsYAMLConfig

	// Initialize map to avoid nil map
	config.Backends = make(map[string]*BackendConfig)

	if err := l.loadYAML("backends.yaml", &config); err != nil {
		return nil, err
	}

	return config.Backends, nil
}
