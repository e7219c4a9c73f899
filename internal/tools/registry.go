// Package tools provides the tool registry the executor pool dispatches to,
// along with a small set of built-in network probes.
package tools

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

var (
	// ErrUnknownTool is returned when a tool name is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrDuplicateTool is returned when registering a name twice.
	ErrDuplicateTool = errors.New("tool already registered")
)

// Handler runs one tool invocation with already-resolved arguments.
type Handler func(ctx context.Context, args map[string]any) (map[string]any, error)

// Tool describes a callable tool.
type Tool struct {
	Name        string
	Description string
	// Parameters maps argument name to a short description.
	Parameters map[string]string
	Required   []string
	Handler    Handler
}

// Registry holds the tools available to a workflow. It implements
// executor.ToolExecutor.
type Registry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	timeout time.Duration
	logger  *zap.Logger
}

// NewRegistry creates an empty registry. A non-positive timeout disables
// the per-call deadline.
func NewRegistry(timeout time.Duration, logger *zap.Logger) *Registry {
	return &Registry{
		tools:   make(map[string]Tool),
		timeout: timeout,
		logger:  logging.OrNop(logger),
	}
}

// Register adds a tool.
func (r *Registry) Register(tool Tool) error {
	if tool.Name == "" {
		return fmt.Errorf("tool name is required")
	}
	if tool.Handler == nil {
		return fmt.Errorf("tool %s has no handler", tool.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[tool.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateTool, tool.Name)
	}
	r.tools[tool.Name] = tool
	return nil
}

// Has reports whether a tool is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// List returns registered tools sorted by name.
func (r *Registry) List() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		list = append(list, t)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Name < list[j].Name })
	return list
}

// Describe renders the tool catalogue for planner prompts.
func (r *Registry) Describe() string {
	var sb strings.Builder
	for _, t := range r.List() {
		fmt.Fprintf(&sb, "- %s: %s\n", t.Name, t.Description)
		params := make([]string, 0, len(t.Parameters))
		for name := range t.Parameters {
			params = append(params, name)
		}
		sort.Strings(params)
		for _, name := range params {
			req := ""
			if slices.Contains(t.Required, name) {
				req = " (required)"
			}
			fmt.Fprintf(&sb, "    %s%s: %s\n", name, req, t.Parameters[name])
		}
	}
	return sb.String()
}

// Execute runs a tool by name. Failures are reported in the result, never
// returned as errors.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any) models.ToolResult {
	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return models.ToolResult{Error: fmt.Sprintf("%v: %s", ErrUnknownTool, name)}
	}

	for _, req := range tool.Required {
		if _, ok := args[req]; !ok {
			return models.ToolResult{Error: fmt.Sprintf("missing required argument %q", req)}
		}
	}

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	start := time.Now()
	outputs, err := tool.Handler(ctx, args)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	if errors.Is(err, context.DeadlineExceeded) {
		err = fmt.Errorf("timed out after %v: %w", r.timeout, err)
	}

	r.logger.Debug("tool finished",
		zap.String("tool", name),
		zap.Duration("duration", time.Since(start)),
		zap.Error(err),
	)

	if err != nil {
		return models.ToolResult{Outputs: outputs, Error: err.Error()}
	}
	return models.ToolResult{Success: true, Outputs: outputs}
}
