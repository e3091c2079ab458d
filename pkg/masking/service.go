package masking

import (
	"fmt"
	"log/slog"
	"regexp"

	"github.com/cortexhq/cortex/pkg/config"
)

// Service applies secret masking to agent output before it is persisted,
// broadcast, or written to transcripts. Created once at application startup.
// Thread-safe and stateless aside from compiled patterns.
type Service struct {
	enabled     bool
	patterns    []*CompiledPattern
	codeMaskers []Masker
}

// NewService creates a masking service with compiled patterns and registered
// maskers. All patterns are compiled eagerly at creation time. Invalid
// patterns are logged and skipped.
func NewService(cfg *config.MaskingConfig) *Service {
	s := &Service{
		enabled:     cfg == nil || cfg.MaskingEnabled(),
		codeMaskers: []Masker{&EnvBlockMasker{}},
	}

	for _, entry := range builtinPatterns {
		compiled, err := regexp.Compile(entry.pattern)
		if err != nil {
			slog.Error("Failed to compile built-in masking pattern, skipping",
				"pattern", entry.name, "error", err)
			continue
		}
		s.patterns = append(s.patterns, &CompiledPattern{
			Name:        entry.name,
			Regex:       compiled,
			Replacement: entry.replacement,
			Description: entry.description,
		})
	}

	if cfg != nil {
		for i, pattern := range cfg.Patterns {
			name := fmt.Sprintf("custom:%d", i)
			compiled, err := regexp.Compile(pattern.Pattern)
			if err != nil {
				slog.Error("Failed to compile custom masking pattern, skipping",
					"pattern", name, "error", err)
				continue
			}
			s.patterns = append(s.patterns, &CompiledPattern{
				Name:        name,
				Regex:       compiled,
				Replacement: pattern.Replacement,
				Description: pattern.Description,
			})
		}
	}

	slog.Info("Masking service initialized",
		"enabled", s.enabled,
		"compiled_patterns", len(s.patterns),
		"code_maskers", len(s.codeMaskers))

	return s
}

// Enabled reports whether masking is active.
func (s *Service) Enabled() bool { return s.enabled }

// Mask applies code-based maskers then regex patterns to data. Patterns that
// failed to compile at startup are skipped, so masking degrades to the
// patterns that did load rather than blocking output.
func (s *Service) Mask(data string) string {
	if !s.enabled || data == "" {
		return data
	}

	masked := data

	// Phase 1: code-based maskers (structural awareness)
	for _, masker := range s.codeMaskers {
		if masker.AppliesTo(masked) {
			masked = masker.Mask(masked)
		}
	}

	// Phase 2: regex patterns (general sweep)
	for _, pattern := range s.patterns {
		masked = pattern.Regex.ReplaceAllString(masked, pattern.Replacement)
	}

	return masked
}
