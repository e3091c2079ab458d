package config

// MaskingConfig controls secret masking of persisted agent output.
type MaskingConfig struct {
	Enabled *bool `yaml:"enabled,omitempty"`

	// Patterns are additional regex patterns applied after the built-ins.
	Patterns []MaskingPattern `yaml:"patterns,omitempty"`
}

// MaskingPattern defines a regex-based masking pattern
type MaskingPattern struct {
	Pattern     string `yaml:"pattern"`
	Replacement string `yaml:"replacement"`
	Description string `yaml:"description,omitempty"`
}

// DefaultMaskingConfig returns the built-in masking defaults.
func DefaultMaskingConfig() *MaskingConfig {
	return &MaskingConfig{
		Enabled: BoolPtr(true),
	}
}

// MaskingEnabled reports whether output masking is on.
func (c *MaskingConfig) MaskingEnabled() bool {
	return c.Enabled == nil || *c.Enabled
}
