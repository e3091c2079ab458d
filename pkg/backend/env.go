package backend

import (
	"os"
	"sort"
	"strings"
)

// inheritedEnv is the allowlist of host environment variables a subprocess
// backend may inherit. Everything else is stripped so host credentials
// never leak into agent processes.
var inheritedEnv = []string{
	"PATH",
	"HOME",
	"LANG",
	"TERM",
	"TMPDIR",
	"USER",
	"SHELL",
}

// BuildEnv assembles the environment for an agent subprocess: the inherited
// allowlist from the host, then task secrets, then extra entries such as
// trace propagation. Later sources override earlier ones on key collisions.
func BuildEnv(secrets map[string]string, extra map[string]string) []string {
	merged := make(map[string]string, len(inheritedEnv)+len(secrets)+len(extra))
	for _, key := range inheritedEnv {
		if val, ok := os.LookupEnv(key); ok {
			merged[key] = val
		}
	}
	for key, val := range secrets {
		merged[key] = val
	}
	for key, val := range extra {
		merged[key] = val
	}

	env := make([]string, 0, len(merged))
	for key, val := range merged {
		env = append(env, key+"="+val)
	}
	sort.Strings(env)
	return env
}

// EnvKeyNames extracts just the variable names from KEY=VALUE entries.
// Logs record names only; values stay out of the audit surface.
func EnvKeyNames(env []string) []string {
	names := make([]string, 0, len(env))
	for _, entry := range env {
		if idx := strings.IndexByte(entry, '='); idx >= 0 {
			names = append(names, entry[:idx])
		} else {
			names = append(names, entry)
		}
	}
	return names
}
