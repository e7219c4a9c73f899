package prompts

import (
	"context"
	"fmt"
	"os"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/sentinel/internal/state"
)

// SeedFile is the YAML layout for importing prompt templates.
//
//	prompts:
//	  - name: compiler planner
//	    architecture: llm_compiler
//	    stage: planning
//	    active: true
//	    content: |
//	      ...
type SeedFile struct {
	Prompts []state.PromptTemplate `yaml:"prompts"`
}

// Saver persists prompt templates.
type Saver interface {
	SavePrompt(ctx context.Context, p *state.PromptTemplate) error
}

// LoadSeedFile parses and validates a YAML seed file.
func LoadSeedFile(path string) ([]state.PromptTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read prompt file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses and validates YAML seed data.
func ParseSeed(data []byte) ([]state.PromptTemplate, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("parse prompt file: %w", err)
	}
	for i, p := range seed.Prompts {
		if p.Architecture == "" {
			seed.Prompts[i].Architecture = ArchLLMCompiler
		}
		if p.Stage == "" {
			return nil, fmt.Errorf("prompt %d (%s): stage is required", i, p.Name)
		}
		if p.Content == "" {
			return nil, fmt.Errorf("prompt %d (%s): content is required", i, p.Name)
		}
	}
	return seed.Prompts, nil
}

// Import saves every template, returning how many were written.
func Import(ctx context.Context, saver Saver, templates []state.PromptTemplate) (int, error) {
	for i := range templates {
		if err := saver.SavePrompt(ctx, &templates[i]); err != nil {
			return i, fmt.Errorf("import %s: %w", templates[i].Name, err)
		}
	}
	return len(templates), nil
}
