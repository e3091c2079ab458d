package config

import "time"

// ReaperConfig tunes the expiration reaper.
type ReaperConfig struct {
	// ExpireSchedule is the cron spec for expiring stale approval
	// requests.
	ExpireSchedule string `yaml:"expire_schedule"`

	// ReapSchedule is the cron spec for reaping jobs with dead heartbeats.
	ReapSchedule string `yaml:"reap_schedule"`

	// ReapAfter is how long a RUNNING job may go without a heartbeat
	// before it is considered dead. Should be a small multiple of the
	// worker heartbeat interval.
	ReapAfter Duration `yaml:"reap_after"`

	// PruneSchedule is the cron spec for pruning old rows from the event
	// log backing SSE catchup.
	PruneSchedule string `yaml:"prune_schedule"`

	// EventRetention is how long event rows are kept. Reconnecting
	// clients can only resume within this window.
	EventRetention Duration `yaml:"event_retention"`
}

// DefaultReaperConfig returns the built-in reaper defaults.
func DefaultReaperConfig() *ReaperConfig {
	return &ReaperConfig{
		ExpireSchedule: "@every 1m",
		ReapSchedule:   "@every 30s",
		ReapAfter:      Duration(90 * time.Second),
		PruneSchedule:  "@every 10m",
		EventRetention: Duration(1 * time.Hour),
	}
}
