package config

import "time"

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// ListenAddr is the host:port the API server binds to.
	ListenAddr string `yaml:"listen_addr"`

	// AuthTokenEnv names the environment variable holding the static API
	// bearer token. An empty resolved token disables auth (dev mode).
	AuthTokenEnv string `yaml:"auth_token_env"`

	// CORSOrigins lists allowed browser origins for the API and the SSE
	// stream endpoints.
	CORSOrigins []string `yaml:"cors_origins,omitempty"`

	// ShutdownTimeout is the max time to wait for in-flight HTTP requests
	// during shutdown.
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
}

// DefaultServerConfig returns the built-in server defaults.
func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		ListenAddr:      ":8080",
		AuthTokenEnv:    "CORTEX_API_TOKEN",
		ShutdownTimeout: Duration(15 * time.Second),
	}
}
