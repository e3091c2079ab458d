package masking

import (
	"regexp"
	"strings"
)

// envAssignRe matches KEY=value lines where the variable name ends in a
// credential-like suffix. Group 1 keeps the assignment prefix.
var envAssignRe = regexp.MustCompile(`(?im)^(\s*(?:export\s+)?[A-Z0-9_]*(?:TOKEN|SECRET|PASSWORD|CREDENTIAL|API_KEY|ACCESS_KEY)S?\s*=\s*)\S+`)

// EnvBlockMasker masks values on environment-style assignment lines
// (KEY=value, export KEY=value) when the variable name looks like a
// credential. Agents routinely dump env blocks while debugging; a plain
// regex over values would either miss these or mask every assignment.
type EnvBlockMasker struct{}

func (m *EnvBlockMasker) Name() string { return "env_block" }

func (m *EnvBlockMasker) AppliesTo(data string) bool {
	return strings.Contains(data, "=")
}

func (m *EnvBlockMasker) Mask(data string) string {
	return envAssignRe.ReplaceAllString(data, "${1}__MASKED_ENV_VALUE__")
}
