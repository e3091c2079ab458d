package config

import "time"

// ApprovalConfig tunes the approval service.
type ApprovalConfig struct {
	// HighRiskTTL is the default request lifetime for P0/P1 risk tiers.
	HighRiskTTL Duration `yaml:"high_risk_ttl"`

	// LowRiskTTL is the default request lifetime for P2/P3 risk tiers.
	LowRiskTTL Duration `yaml:"low_risk_ttl"`

	// MaxTTL caps any caller-supplied ttl_seconds.
	MaxTTL Duration `yaml:"max_ttl"`

	// AutoApprove enables immediate approval of P3 requests without
	// notification.
	AutoApprove *bool `yaml:"auto_approve,omitempty"`
}

// DefaultApprovalConfig returns the built-in approval defaults.
func DefaultApprovalConfig() *ApprovalConfig {
	return &ApprovalConfig{
		HighRiskTTL: Duration(24 * time.Hour),
		LowRiskTTL:  Duration(72 * time.Hour),
		MaxTTL:      Duration(7 * 24 * time.Hour),
		AutoApprove: BoolPtr(true),
	}
}

// AutoApproveEnabled reports whether P3 auto-approval is on. Nil means the
// default (enabled).
func (c *ApprovalConfig) AutoApproveEnabled() bool {
	return c.AutoApprove == nil || *c.AutoApprove
}
