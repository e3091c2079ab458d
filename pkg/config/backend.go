package config

import (
	"sort"
	"time"
)

// BackendKind selects which adapter implementation a backend uses.
type BackendKind string

const (
	BackendKindLocal  BackendKind = "local"
	BackendKindRemote BackendKind = "remote"
	BackendKindEcho   BackendKind = "echo"
)

// IsValid reports whether the kind is one of the known adapter kinds.
func (k BackendKind) IsValid() bool {
	switch k {
	case BackendKindLocal, BackendKindRemote, BackendKindEcho:
		return true
	}
	return false
}

// BackendConfig declares one execution backend in backends.yaml.
// The map key in the YAML becomes the backend ID.
type BackendConfig struct {
	ID   string      `yaml:"-"`
	Kind BackendKind `yaml:"kind"`

	// For local (subprocess) backends
	Command   string   `yaml:"command,omitempty"`
	Args      []string `yaml:"args,omitempty"`
	KillGrace Duration `yaml:"kill_grace,omitempty"`

	// For remote (HTTP) backends
	BaseURL     string `yaml:"base_url,omitempty"`
	APIKeyEnv   string `yaml:"api_key_env,omitempty"`
	ExecutePath string `yaml:"execute_path,omitempty"`
	HealthPath  string `yaml:"health_path,omitempty"`
	CancelPath  string `yaml:"cancel_path,omitempty"`

	// MaxConcurrent bounds in-flight tasks on this backend. Enforced with
	// a weighted semaphore at routing time.
	MaxConcurrent int `yaml:"max_concurrent"`

	// Priority breaks ties when several backends match a task. Lower wins.
	Priority int `yaml:"priority,omitempty"`

	Breaker      BreakerConfig      `yaml:"breaker,omitempty"`
	Capabilities CapabilitiesConfig `yaml:"capabilities,omitempty"`
}

// BreakerConfig tunes the per-backend circuit breaker.
type BreakerConfig struct {
	// FailureThreshold is the number of counted failures within the window
	// that trips the breaker open.
	FailureThreshold int `yaml:"failure_threshold,omitempty"`

	// Window is the rolling interval over which failures are counted.
	Window Duration `yaml:"window,omitempty"`

	// OpenFor is how long the breaker stays open before probing again.
	OpenFor Duration `yaml:"open_for,omitempty"`
}

// DefaultBreakerConfig returns the built-in breaker defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Window:           Duration(60 * time.Second),
		OpenFor:          Duration(30 * time.Second),
	}
}

// CapabilitiesConfig declares what a backend supports.
type CapabilitiesConfig struct {
	Streaming        *bool    `yaml:"streaming,omitempty"`
	FileEdit         *bool    `yaml:"file_edit,omitempty"`
	Shell            *bool    `yaml:"shell,omitempty"`
	UsageReporting   *bool    `yaml:"usage_reporting,omitempty"`
	Cancellation     *bool    `yaml:"cancellation,omitempty"`
	Goals            []string `yaml:"goals,omitempty"`
	MaxContextTokens int      `yaml:"max_context_tokens,omitempty"`
}

// OrderedBackendIDs returns backend IDs sorted by priority, then name, so
// routing and reporting are deterministic.
func OrderedBackendIDs(backends map[string]*BackendConfig) []string {
	ids := make([]string, 0, len(backends))
	for id := range backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		a, b := backends[ids[i]], backends[ids[j]]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		return ids[i] < ids[j]
	})
	return ids
}
