package config

// Config is the umbrella configuration object for the control plane.
// This is the primary object returned by Initialize() and used throughout
// the application.
type Config struct {
	configDir string // Configuration directory path (for reference)

	// System-wide defaults
	Defaults *Defaults

	Server   *ServerConfig
	Queue    *QueueConfig
	Worker   *WorkerConfig
	SSE      *SSEConfig
	Approval *ApprovalConfig
	Reaper   *ReaperConfig
	Notifier *NotifierConfig
	Memory   *MemoryConfig
	Masking  *MaskingConfig

	// Backends declared in backends.yaml, keyed by backend ID.
	Backends map[string]*BackendConfig
}

// Stats contains statistics about loaded configuration
type Stats struct {
	Backends       int
	LocalBackends  int
	RemoteBackends int
}

// Stats returns configuration statistics for logging/monitoring
func (c *Config) Stats() Stats {
	s := Stats{Backends: len(c.Backends)}
	for _, b := range c.Backends {
		switch b.Kind {
		case BackendKindLocal:
			s.LocalBackends++
		case BackendKindRemote:
			s.RemoteBackends++
		}
	}
	return s
}

// ConfigDir returns the configuration directory path
func (c *Config) ConfigDir() string {
	return c.configDir
}

// GetBackend retrieves a backend configuration by ID.
func (c *Config) GetBackend(id string) (*BackendConfig, error) {
	b, ok := c.Backends[id]
	if !ok {
		return nil, ErrBackendNotFound
	}
	return b, nil
}

// BackendIDs returns all backend IDs sorted by priority, then name.
func (c *Config) BackendIDs() []string {
	return OrderedBackendIDs(c.Backends)
}
