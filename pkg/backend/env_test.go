package backend

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildEnvAllowlist(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")
	t.Setenv("HOME", "/home/agent")
	t.Setenv("AWS_SECRET_ACCESS_KEY", "host-credential")
	t.Setenv("DATABASE_URL", "postgres://host")

	env := BuildEnv(nil, nil)

	assert.Contains(t, env, "PATH=/usr/bin")
	assert.Contains(t, env, "HOME=/home/agent")
	for _, entry := range env {
		assert.False(t, strings.HasPrefix(entry, "AWS_SECRET_ACCESS_KEY="), "host credential leaked: %s", entry)
		assert.False(t, strings.HasPrefix(entry, "DATABASE_URL="), "host credential leaked: %s", entry)
	}
}

func TestBuildEnvLayering(t *testing.T) {
	t.Setenv("PATH", "/usr/bin")

	env := BuildEnv(
		map[string]string{"GITHUB_TOKEN": "ghp_secret", "PATH": "/agent/bin"},
		map[string]string{"TRACEPARENT": "00-abc-def-01"},
	)

	assert.Contains(t, env, "GITHUB_TOKEN=ghp_secret")
	assert.Contains(t, env, "TRACEPARENT=00-abc-def-01")
	// Secrets override inherited entries on collision.
	assert.Contains(t, env, "PATH=/agent/bin")
	assert.NotContains(t, env, "PATH=/usr/bin")
}

func TestEnvKeyNames(t *testing.T) {
	names := EnvKeyNames([]string{"PATH=/usr/bin", "GITHUB_TOKEN=ghp_secret", "MALFORMED"})

	assert.Equal(t, []string{"PATH", "GITHUB_TOKEN", "MALFORMED"}, names)
	for _, name := range names {
		assert.NotContains(t, name, "secret")
	}
}
