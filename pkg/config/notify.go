package config

// NotifierConfig holds Slack notification settings.
type NotifierConfig struct {
	Enabled  *bool  `yaml:"enabled,omitempty"`
	TokenEnv string `yaml:"token_env,omitempty"`
	Channel  string `yaml:"channel,omitempty"`

	// APIURL overrides the Slack API base URL. Used by tests.
	APIURL string `yaml:"api_url,omitempty"`

	// DashboardURL is the base URL used to build "view details" links in
	// notification messages.
	DashboardURL string `yaml:"dashboard_url,omitempty"`
}

// DefaultNotifierConfig returns the built-in notifier defaults.
func DefaultNotifierConfig() *NotifierConfig {
	return &NotifierConfig{
		Enabled:      BoolPtr(false),
		TokenEnv:     "SLACK_BOT_TOKEN",
		DashboardURL: "http://localhost:5173",
	}
}

// NotifierEnabled reports whether Slack notifications are on.
func (c *NotifierConfig) NotifierEnabled() bool {
	return c.Enabled != nil && *c.Enabled
}
