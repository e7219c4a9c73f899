package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// PromptTemplate is a stored prompt for one architecture and stage.
// At most one template per (architecture, stage) is active.
type PromptTemplate struct {
	ID           string    `json:"id" yaml:"id"`
	Name         string    `json:"name" yaml:"name"`
	Architecture string    `json:"architecture" yaml:"architecture"`
	Stage        string    `json:"stage" yaml:"stage"`
	Content      string    `json:"content" yaml:"content"`
	Active       bool      `json:"active" yaml:"active"`
	Version      int       `json:"version" yaml:"version"`
	CreatedAt    time.Time `json:"created_at" yaml:"-"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"-"`
}

// ErrPromptNotFound is returned when activating an unknown template.
var ErrPromptNotFound = errors.New("prompt template not found")

// SavePrompt inserts or replaces a template. A missing ID is generated.
// Saving an active template deactivates the others for its stage.
func (db *DB) SavePrompt(ctx context.Context, p *PromptTemplate) error {
	if p.Architecture == "" || p.Stage == "" {
		return fmt.Errorf("save prompt: architecture and stage are required")
	}
	if p.ID == "" {
		p.ID = uuid.New().String()
	}
	if p.Name == "" {
		p.Name = p.Architecture + "/" + p.Stage
	}
	if p.Version == 0 {
		p.Version = 1
	}
	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now

	return db.Transaction(ctx, func(tx *sql.Tx) error {
		if p.Active {
			if _, err := tx.ExecContext(ctx, `
				UPDATE prompt_templates SET is_active = 0 WHERE architecture = ? AND stage = ? AND id != ?
			`, p.Architecture, p.Stage, p.ID); err != nil {
				return fmt.Errorf("deactivate prompts: %w", err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO prompt_templates (id, name, architecture, stage, content, is_active, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				architecture = excluded.architecture,
				stage = excluded.stage,
				content = excluded.content,
				is_active = excluded.is_active,
				version = excluded.version,
				updated_at = excluded.updated_at
		`, p.ID, p.Name, p.Architecture, p.Stage, p.Content, p.Active, p.Version,
			formatTime(p.CreatedAt), formatTime(p.UpdatedAt))
		if err != nil {
			return fmt.Errorf("save prompt: %w", err)
		}
		return nil
	})
}

// GetPrompt retrieves a template by ID. Returns nil if it does not exist.
func (db *DB) GetPrompt(ctx context.Context, id string) (*PromptTemplate, error) {
	row := db.queryRowContext(ctx, `
		SELECT id, name, architecture, stage, content, is_active, version, created_at, updated_at
		FROM prompt_templates WHERE id = ?
	`, id)

	p, err := scanPrompt(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	return p, nil
}

// ListPrompts returns templates, optionally filtered by architecture and
// stage (empty matches all).
func (db *DB) ListPrompts(ctx context.Context, architecture, stage string) ([]PromptTemplate, error) {
	rows, err := db.queryContext(ctx, `
		SELECT id, name, architecture, stage, content, is_active, version, created_at, updated_at
		FROM prompt_templates
		WHERE (? = '' OR architecture = ?) AND (? = '' OR stage = ?)
		ORDER BY architecture, stage, version DESC, created_at
	`, architecture, architecture, stage, stage)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var prompts []PromptTemplate
	for rows.Next() {
		p, err := scanPrompt(rows)
		if err != nil {
			return nil, fmt.Errorf("scan prompt: %w", err)
		}
		prompts = append(prompts, *p)
	}
	return prompts, rows.Err()
}

// ActivatePrompt marks a template active and deactivates its siblings.
func (db *DB) ActivatePrompt(ctx context.Context, id string) error {
	return db.Transaction(ctx, func(tx *sql.Tx) error {
		var arch, stage string
		err := tx.QueryRowContext(ctx, `SELECT architecture, stage FROM prompt_templates WHERE id = ?`, id).Scan(&arch, &stage)
		if err == sql.ErrNoRows {
			return fmt.Errorf("%w: %s", ErrPromptNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("activate prompt: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE prompt_templates SET is_active = (id = ?), updated_at = ?
			WHERE architecture = ? AND stage = ?
		`, id, formatTime(time.Now()), arch, stage); err != nil {
			return fmt.Errorf("activate prompt: %w", err)
		}
		return nil
	})
}

// GetActivePrompt returns the content of the active template for an
// architecture and stage. found is false when none is active.
func (db *DB) GetActivePrompt(ctx context.Context, architecture, stage string) (string, bool, error) {
	var content string
	err := db.queryRowContext(ctx, `
		SELECT content FROM prompt_templates
		WHERE architecture = ? AND stage = ? AND is_active = 1
		ORDER BY updated_at DESC LIMIT 1
	`, architecture, stage).Scan(&content)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get active prompt: %w", err)
	}
	return content, true, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPrompt(row rowScanner) (*PromptTemplate, error) {
	var p PromptTemplate
	var createdAt, updatedAt string
	if err := row.Scan(&p.ID, &p.Name, &p.Architecture, &p.Stage, &p.Content, &p.Active, &p.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	p.CreatedAt, _ = parseTime(createdAt)
	p.UpdatedAt, _ = parseTime(updatedAt)
	return &p, nil
}
