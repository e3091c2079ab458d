package config

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Shared types used across configuration structs

// Duration is a time.Duration that unmarshals from human-friendly YAML:
// either a duration string ("30s", "5m") or an integer number of seconds.
type Duration time.Duration

// UnmarshalYAML implements custom unmarshaling for both forms:
//   - String form:  heartbeat_interval: 30s
//   - Integer form: heartbeat_interval: 30
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar, got %v", value.Tag)
	}
	switch value.Tag {
	case "!!int":
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	case "!!str":
		parsed, err := time.ParseDuration(value.Value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value.Value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("duration must be a string or integer seconds, got %s", value.Tag)
	}
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the underlying time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// BoolPtr returns a pointer to b. Convenience for *bool struct fields.
func BoolPtr(b bool) *bool { return &b }
