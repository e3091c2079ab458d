package config

import "time"

// QueueConfig contains queue and worker pool configuration.
// These values control how queued jobs are polled, claimed, and processed.
type QueueConfig struct {
	// WorkerCount is the number of worker goroutines per replica/pod.
	// Each worker independently polls and claims queued jobs.
	WorkerCount int `yaml:"worker_count"`

	// PollInterval is the base interval for checking runnable queue rows.
	PollInterval Duration `yaml:"poll_interval"`

	// PollIntervalJitter is the random jitter added to PollInterval.
	// Actual interval: PollInterval ± PollIntervalJitter.
	PollIntervalJitter Duration `yaml:"poll_interval_jitter"`

	// GracefulShutdownTimeout is the max time to wait for in-flight jobs
	// to complete during shutdown.
	GracefulShutdownTimeout Duration `yaml:"graceful_shutdown_timeout"`
}

// DefaultQueueConfig returns the built-in queue defaults.
func DefaultQueueConfig() *QueueConfig {
	return &QueueConfig{
		WorkerCount:             5,
		PollInterval:            Duration(1 * time.Second),
		PollIntervalJitter:      Duration(500 * time.Millisecond),
		GracefulShutdownTimeout: Duration(30 * time.Minute),
	}
}
