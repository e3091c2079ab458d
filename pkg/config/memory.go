package config

// MemoryConfig tunes the session memory-extraction window.
type MemoryConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// FlushThreshold is the number of buffered messages that triggers a
	// memory extraction flush.
	FlushThreshold int `yaml:"flush_threshold"`
}

// DefaultMemoryConfig returns the built-in memory-extraction defaults.
func DefaultMemoryConfig() *MemoryConfig {
	return &MemoryConfig{
		Enabled:        BoolPtr(true),
		FlushThreshold: 10,
	}
}

// MemoryEnabled reports whether memory extraction is on.
func (c *MemoryConfig) MemoryEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
