package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalYAML(t *testing.T) {
	var target struct {
		Interval Duration `yaml:"interval"`
	}

	tests := []struct {
		name    string
		yaml    string
		want    time.Duration
		wantErr bool
	}{
		{"string form", `interval: 30s`, 30 * time.Second, false},
		{"compound string", `interval: 1h30m`, 90 * time.Minute, false},
		{"integer means seconds", `interval: 45`, 45 * time.Second, false},
		{"zero", `interval: 0`, 0, false},
		{"garbage string", `interval: soon`, 0, true},
		{"mapping", `interval: {h: 1}`, 0, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			target.Interval = 0
			err := yaml.Unmarshal([]byte(tt.yaml), &target)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, target.Interval.Std())
		})
	}
}

func TestDurationMarshalYAML(t *testing.T) {
	out, err := yaml.Marshal(struct {
		Interval Duration `yaml:"interval"`
	}{Interval: Duration(90 * time.Second)})
	require.NoError(t, err)
	assert.Contains(t, string(out), "1m30s")
}
