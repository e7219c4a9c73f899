// Package prompts resolves prompt templates by architecture and stage and
// fills their placeholders.
package prompts

import (
	"context"
	"strings"

	"go.uber.org/zap"
)

// Architectures.
const (
	ArchLLMCompiler = "llm_compiler"
)

// Stages.
const (
	StagePlanning  = "planning"
	StageReplan    = "replan"
	StageExecution = "execution"
)

// Lookup returns the active template for an architecture and stage.
// found is false when no template is configured.
type Lookup interface {
	GetActivePrompt(ctx context.Context, architecture, stage string) (content string, found bool, err error)
}

// MapLookup is an in-memory Lookup keyed by "architecture/stage".
type MapLookup map[string]string

// Key builds a MapLookup key.
func Key(architecture, stage string) string {
	return architecture + "/" + stage
}

// GetActivePrompt implements Lookup.
func (m MapLookup) GetActivePrompt(_ context.Context, architecture, stage string) (string, bool, error) {
	content, ok := m[Key(architecture, stage)]
	return content, ok, nil
}

// Resolve returns the configured template, or fallback when the lookup is
// nil, fails, or has nothing active. Lookup errors are logged, not returned.
func Resolve(ctx context.Context, lookup Lookup, logger *zap.Logger, architecture, stage, fallback string) string {
	if lookup == nil {
		return fallback
	}
	content, found, err := lookup.GetActivePrompt(ctx, architecture, stage)
	if err != nil {
		if logger != nil {
			logger.Warn("prompt lookup failed, using built-in template",
				zap.String("architecture", architecture),
				zap.String("stage", stage),
				zap.Error(err),
			)
		}
		return fallback
	}
	if !found || strings.TrimSpace(content) == "" {
		return fallback
	}
	return content
}

// Apply substitutes each placeholder in both its {{UPPER}} and {lower}
// spellings. Keys are given in upper case, e.g. "USER_INPUT".
func Apply(template string, values map[string]string) string {
	pairs := make([]string, 0, len(values)*4)
	for key, value := range values {
		pairs = append(pairs,
			"{{"+key+"}}", value,
			"{"+strings.ToLower(key)+"}", value,
		)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}
