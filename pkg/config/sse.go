package config

import "time"

// SSEConfig tunes the server-sent-events fan-out.
type SSEConfig struct {
	// HeartbeatInterval is how often a comment line is written to every
	// connection to defeat intermediary idle timeouts. A connection that
	// accepts nothing for one full interval is dropped.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// BufferSize is the per-channel ring buffer capacity used for
	// resume-by-last-event-id.
	BufferSize int `yaml:"buffer_size"`

	// ConnectionBuffer is the per-connection write queue length. Events
	// beyond it are dropped for that connection only.
	ConnectionBuffer int `yaml:"connection_buffer"`

	// OverflowGrace is how long a connection may stay backpressured before
	// it is closed with a stream:overflow event.
	OverflowGrace Duration `yaml:"overflow_grace"`

	// MaxConnections bounds concurrent SSE connections across all
	// channels. Zero means unlimited.
	MaxConnections int `yaml:"max_connections"`
}

// DefaultSSEConfig returns the built-in streaming defaults.
func DefaultSSEConfig() *SSEConfig {
	return &SSEConfig{
		HeartbeatInterval: Duration(60 * time.Second),
		BufferSize:        256,
		ConnectionBuffer:  64,
		OverflowGrace:     Duration(10 * time.Second),
		MaxConnections:    0,
	}
}
