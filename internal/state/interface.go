package state

import (
	"context"
	"io"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

// PromptStore handles prompt template persistence.
type PromptStore interface {
	SavePrompt(ctx context.Context, p *PromptTemplate) error
	GetPrompt(ctx context.Context, id string) (*PromptTemplate, error)
	ListPrompts(ctx context.Context, architecture, stage string) ([]PromptTemplate, error)
	ActivatePrompt(ctx context.Context, id string) error
	GetActivePrompt(ctx context.Context, architecture, stage string) (string, bool, error)
}

// RunStore handles workflow history persistence.
type RunStore interface {
	SaveRun(ctx context.Context, result *models.WorkflowExecutionResult) error
	GetRun(ctx context.Context, id string) (*RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]RunSummary, error)
}

// Migrator handles database schema migrations.
type Migrator interface {
	// Migrate applies all pending schema migrations.
	Migrate() error
}

// Store composes everything the SQLite backend provides.
type Store interface {
	io.Closer
	Migrator
	PromptStore
	RunStore
}

// Compile-time verification that DB implements all interfaces.
var (
	_ Store       = (*DB)(nil)
	_ Migrator    = (*DB)(nil)
	_ PromptStore = (*DB)(nil)
	_ RunStore    = (*DB)(nil)
)
