package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ShayCichocki/sentinel/internal/state"
)

type failingLookup struct{}

func (failingLookup) GetActivePrompt(context.Context, string, string) (string, bool, error) {
	return "", false, errors.New("database is locked")
}

func TestResolve(t *testing.T) {
	ctx := context.Background()
	lookup := MapLookup{
		Key(ArchLLMCompiler, StagePlanning): "custom planner",
		Key(ArchLLMCompiler, StageReplan):   "   ",
	}

	tests := []struct {
		name   string
		lookup Lookup
		stage  string
		want   string
	}{
		{"configured", lookup, StagePlanning, "custom planner"},
		{"blank template", lookup, StageReplan, "fallback"},
		{"missing", lookup, StageExecution, "fallback"},
		{"nil lookup", nil, StagePlanning, "fallback"},
		{"lookup error", failingLookup{}, StagePlanning, "fallback"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Resolve(ctx, tt.lookup, nil, ArchLLMCompiler, tt.stage, "fallback"); got != tt.want {
				t.Errorf("Resolve = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestApply(t *testing.T) {
	got := Apply("Goal: {{USER_INPUT}} / {user_input}. Tools:\n{{TOOLS}}", map[string]string{
		"USER_INPUT": "scan example.com",
		"TOOLS":      "- dns_lookup",
	})
	want := "Goal: scan example.com / scan example.com. Tools:\n- dns_lookup"
	if got != want {
		t.Errorf("Apply = %q, want %q", got, want)
	}
}

func TestApplyLeavesUnknownPlaceholders(t *testing.T) {
	got := Apply(`{"a": {unknown}} {{OTHER}}`, map[string]string{"ROUND": "1"})
	if got != `{"a": {unknown}} {{OTHER}}` {
		t.Errorf("Apply modified unknown placeholders: %q", got)
	}
}

func TestParseSeed(t *testing.T) {
	data := []byte(`
prompts:
  - name: planner v2
    stage: planning
    active: true
    version: 2
    content: |
      Plan for {{USER_INPUT}}
  - name: joiner
    architecture: llm_compiler
    stage: replan
    content: Decide.
`)
	templates, err := ParseSeed(data)
	if err != nil {
		t.Fatalf("ParseSeed: %v", err)
	}
	if len(templates) != 2 {
		t.Fatalf("got %d templates", len(templates))
	}
	if templates[0].Architecture != ArchLLMCompiler || !templates[0].Active || templates[0].Version != 2 {
		t.Errorf("first template = %+v", templates[0])
	}
	if !strings.Contains(templates[0].Content, "{{USER_INPUT}}") {
		t.Errorf("content = %q", templates[0].Content)
	}
}

func TestParseSeedValidation(t *testing.T) {
	for name, data := range map[string]string{
		"missing stage":   "prompts:\n  - content: x\n",
		"missing content": "prompts:\n  - stage: planning\n",
		"bad yaml":        "prompts: [",
	} {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseSeed([]byte(data)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestLoadSeedFileAndImport(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prompts.yaml")
	seed := "prompts:\n  - stage: execution\n    active: true\n    content: Summarize {{USER_INPUT}}\n"
	if err := os.WriteFile(path, []byte(seed), 0644); err != nil {
		t.Fatal(err)
	}

	templates, err := LoadSeedFile(path)
	if err != nil {
		t.Fatalf("LoadSeedFile: %v", err)
	}

	db, err := state.OpenAndMigrate(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	n, err := Import(context.Background(), db, templates)
	if err != nil || n != 1 {
		t.Fatalf("Import = %d, %v", n, err)
	}

	var lookup Lookup = db
	got := Resolve(context.Background(), lookup, nil, ArchLLMCompiler, StageExecution, "fallback")
	if got != "Summarize {{USER_INPUT}}" {
		t.Errorf("Resolve after import = %q", got)
	}
}

func TestLoadSeedFileMissing(t *testing.T) {
	if _, err := LoadSeedFile(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
