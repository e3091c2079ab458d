package config

import (
	"math/rand/v2"
	"time"
)

// WorkerConfig tunes the agent execution worker.
type WorkerConfig struct {
	// HeartbeatInterval is how often a running job's heartbeat_at column
	// is refreshed.
	HeartbeatInterval Duration `yaml:"heartbeat_interval"`

	// CancelProbeInterval is how often the worker re-reads the job row to
	// detect an external cancellation.
	CancelProbeInterval Duration `yaml:"cancel_probe_interval"`

	// PermitTimeout bounds how long a worker waits for a backend
	// concurrency permit before failing the attempt as a resource error.
	PermitTimeout Duration `yaml:"permit_timeout"`

	// ApprovalWait bounds how long a worker holds a job while its approval
	// request is pending before parking the job.
	ApprovalWait Duration `yaml:"approval_wait"`

	// RetryBackoffBase is the delay before the first retry. Each further
	// attempt doubles it.
	RetryBackoffBase Duration `yaml:"retry_backoff_base"`

	// RetryBackoffCap is the upper bound on the computed retry delay.
	RetryBackoffCap Duration `yaml:"retry_backoff_cap"`

	// RetryBackoffJitter is the relative jitter applied to the computed
	// delay, 0.25 meaning ±25%.
	RetryBackoffJitter float64 `yaml:"retry_backoff_jitter"`
}

// DefaultWorkerConfig returns the built-in worker defaults.
func DefaultWorkerConfig() *WorkerConfig {
	return &WorkerConfig{
		HeartbeatInterval:   Duration(30 * time.Second),
		CancelProbeInterval: Duration(5 * time.Second),
		PermitTimeout:       Duration(60 * time.Second),
		ApprovalWait:        Duration(1 * time.Hour),
		RetryBackoffBase:    Duration(1 * time.Second),
		RetryBackoffCap:     Duration(5 * time.Minute),
		RetryBackoffJitter:  0.25,
	}
}

// RetryDelay computes the delay before the job's next attempt: exponential
// from the base, capped, with uniform jitter. The worker and the reaper both
// schedule retries through this so a reaped job backs off exactly like one
// that failed in place.
func (c *WorkerConfig) RetryDelay(attempt int) time.Duration {
	base := c.RetryBackoffBase.Std()
	if base <= 0 {
		base = time.Second
	}
	ceil := c.RetryBackoffCap.Std()

	delay := base
	for i := 1; i < attempt && (ceil <= 0 || delay < ceil); i++ {
		delay *= 2
	}
	if ceil > 0 && delay > ceil {
		delay = ceil
	}

	if jitter := c.RetryBackoffJitter; jitter > 0 {
		span := time.Duration(float64(delay) * jitter)
		if span > 0 {
			// Uniform in [delay-span, delay+span].
			delay = delay - span + rand.N(2*span)
		}
	}
	return delay
}
