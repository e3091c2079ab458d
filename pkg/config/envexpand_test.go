package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpandEnv(t *testing.T) {
	tests := []struct {
		name  string
		input string
		env   map[string]string
		want  string
	}{
		{
			name:  "simple substitution with {{.VAR}}",
			input: "api_key_env: {{.AGENT_KEY}}",
			env:   map[string]string{"AGENT_KEY": "secret123"},
			want:  "api_key_env: secret123",
		},
		{
			name:  "literal ${VAR} is NOT expanded (no collision)",
			input: "pattern: job_${JOB_ID}_.*",
			env:   map[string]string{"JOB_ID": "123"},
			want:  "pattern: job_${JOB_ID}_.*",
		},
		{
			name:  "literal $ in regex is NOT touched",
			input: "pattern: ^token.*$",
			env:   map[string]string{},
			want:  "pattern: ^token.*$",
		},
		{
			name:  "multiple substitutions in one line",
			input: "base_url: {{.SCHEME}}://{{.HOST}}:{{.PORT}}",
			env: map[string]string{
				"SCHEME": "https",
				"HOST":   "agents.example.com",
				"PORT":   "443",
			},
			want: "base_url: https://agents.example.com:443",
		},
		{
			name:  "missing variable expands to empty",
			input: "channel: {{.MISSING_VAR}}",
			env:   map[string]string{},
			want:  "channel: ",
		},
		{
			name:  "no substitution when no variables",
			input: "static: value",
			env:   map[string]string{"UNUSED": "value"},
			want:  "static: value",
		},
		{
			name:  "malformed template passes through unchanged",
			input: "broken: {{.UNCLOSED",
			env:   map[string]string{},
			want:  "broken: {{.UNCLOSED",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.env {
				t.Setenv(key, value)
			}
			got := ExpandEnv([]byte(tt.input))
			assert.Equal(t, tt.want, string(got))
		})
	}
}
