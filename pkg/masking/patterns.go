package masking

import (
	"regexp"
)

// CompiledPattern holds a pre-compiled regex pattern with its replacement.
type CompiledPattern struct {
	Name        string
	Regex       *regexp.Regexp
	Replacement string
	Description string
}

// builtinPattern is the source form of a built-in pattern.
type builtinPattern struct {
	pattern     string
	replacement string
	description string
}

// builtinPatterns covers credentials an agent is likely to echo into its
// output stream. Deliberately absent: generic base64 sweeps, which shred
// legitimate code output.
//
// Order matters: specific token formats run before the generic
// key/value patterns so their replacements name the credential type.
var builtinPatterns = []struct {
	name string
	builtinPattern
}{
	{"approval_token", builtinPattern{
		pattern:     `cortex_apr_1_[A-Za-z0-9_-]{43}`,
		replacement: `__MASKED_APPROVAL_TOKEN__`,
		description: "Approval decision tokens",
	}},
	{"github_token", builtinPattern{
		pattern:     `\b(?:gh[pousr]_[A-Za-z0-9_]{36,255}|github_pat_[A-Za-z0-9_]{36,255})\b`,
		replacement: `__MASKED_GITHUB_TOKEN__`,
		description: "GitHub tokens",
	}},
	{"slack_token", builtinPattern{
		pattern:     `(?i)xox[baprs]-[A-Za-z0-9-]{10,72}`,
		replacement: `__MASKED_SLACK_TOKEN__`,
		description: "Slack tokens",
	}},
	{"aws_access_key", builtinPattern{
		pattern:     `\bAKIA[A-Z0-9]{16}\b`,
		replacement: `__MASKED_AWS_KEY__`,
		description: "AWS access key IDs",
	}},
	{"jwt", builtinPattern{
		pattern:     `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`,
		replacement: `__MASKED_JWT__`,
		description: "JSON web tokens",
	}},
	{"private_key_block", builtinPattern{
		pattern:     `(?s)-----BEGIN [A-Z ]*PRIVATE KEY-----.*?-----END [A-Z ]*PRIVATE KEY-----`,
		replacement: `__MASKED_PRIVATE_KEY__`,
		description: "PEM private key blocks",
	}},
	{"bearer_header", builtinPattern{
		pattern:     `(?i)(authorization["\']?\s*[:=]\s*["\']?bearer)\s+[A-Za-z0-9_\-\.=+/]{8,}`,
		replacement: `$1 __MASKED_TOKEN__`,
		description: "Authorization bearer headers",
	}},
	// The leading value character excludes '_' so already-masked
	// __MASKED_*__ sentinels are not matched again.
	{"api_key", builtinPattern{
		pattern:     `(?i)(api[_-]?key|apikey)["\']?\s*[:=]\s*["\']?[A-Za-z0-9-][A-Za-z0-9_-]{15,}["\']?`,
		replacement: `$1: __MASKED_API_KEY__`,
		description: "API keys",
	}},
	{"secret_key", builtinPattern{
		pattern:     `(?i)(secret[_-]?(?:access[_-]?)?key)["\']?\s*[:=]\s*["\']?[A-Za-z0-9.=+/-][A-Za-z0-9_.=+/-]{15,}["\']?`,
		replacement: `$1: __MASKED_SECRET_KEY__`,
		description: "Secret keys",
	}},
	{"password", builtinPattern{
		pattern:     `(?i)(password|passwd|pwd)["\']?\s*[:=]\s*["\']?[^"\'\s\n_][^"\'\s\n]{5,}["\']?`,
		replacement: `$1: __MASKED_PASSWORD__`,
		description: "Passwords",
	}},
}
