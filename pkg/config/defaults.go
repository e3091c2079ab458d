package config

// Defaults holds system-wide fallbacks applied when a job or agent omits a
// value.
type Defaults struct {
	// Backend is the backend ID used when neither job payload nor agent
	// names one. Empty means "router picks by capability".
	Backend string `yaml:"backend,omitempty"`

	// MaxAttempts is the default attempt budget per job.
	MaxAttempts int `yaml:"max_attempts"`

	// TimeoutSeconds is the default per-job execution timeout.
	TimeoutSeconds int `yaml:"timeout_seconds"`

	// Priority is the default job priority. Higher claims first.
	Priority int `yaml:"priority"`
}

// DefaultDefaults returns the built-in fallbacks.
func DefaultDefaults() *Defaults {
	return &Defaults{
		MaxAttempts:    3,
		TimeoutSeconds: 1800,
		Priority:       100,
	}
}
