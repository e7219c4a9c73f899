// Package planner turns an objective into a validated task graph by asking
// the language model for a DAG plan.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ShayCichocki/sentinel/internal/executor"
	"github.com/ShayCichocki/sentinel/internal/graph"
	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/logging"
	"github.com/ShayCichocki/sentinel/internal/prompts"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

var (
	// ErrMalformedPlan indicates the model output was not a usable plan.
	ErrMalformedPlan = errors.New("malformed plan")
	// ErrEmptyPlan indicates the plan contained no tasks.
	ErrEmptyPlan = errors.New("plan has no tasks")
	// ErrUnknownTool indicates a task names a tool that is not registered.
	ErrUnknownTool = errors.New("unknown tool")
	// ErrUnknownReference indicates a variable reference to a missing task or mapping.
	ErrUnknownReference = errors.New("unknown reference")
	// ErrCompletion indicates the model call itself failed.
	ErrCompletion = errors.New("plan completion failed")
)

// PlanningError reports why a plan could not be produced.
type PlanningError struct {
	Err error
	// Response is the raw model output, when there was one.
	Response string
}

func (e *PlanningError) Error() string {
	return "planning failed: " + e.Err.Error()
}

func (e *PlanningError) Unwrap() error {
	return e.Err
}

// ToolCatalog describes the tools a plan may use.
type ToolCatalog interface {
	Has(name string) bool
	Describe() string
}

// Planner generates task graphs. It holds no state between calls.
type Planner struct {
	llm     llm.Completer
	tools   ToolCatalog
	prompts prompts.Lookup
	logger  *zap.Logger
	now     func() time.Time
}

// Option configures a Planner.
type Option func(*Planner)

// WithPromptLookup sets where planning templates are looked up.
func WithPromptLookup(l prompts.Lookup) Option {
	return func(p *Planner) { p.prompts = l }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(p *Planner) { p.logger = logging.OrNop(l) }
}

// New creates a planner. tools may be nil, in which case tool names are not
// validated and the prompt lists no tools.
func New(completer llm.Completer, tools ToolCatalog, opts ...Option) *Planner {
	p := &Planner{
		llm:    completer,
		tools:  tools,
		logger: logging.Nop(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GenerateDAGPlan asks the model for a plan and validates it. All failures
// are returned as *PlanningError.
func (p *Planner) GenerateDAGPlan(ctx context.Context, objective string, planCtx map[string]any) (*models.TaskGraph, error) {
	prompt := p.buildPrompt(ctx, objective, planCtx)

	response, err := p.llm.Complete(ctx, "", prompt)
	if err != nil {
		return nil, &PlanningError{Err: fmt.Errorf("%w: %v", ErrCompletion, err)}
	}

	plan, err := ParseResponse(response, p.tools)
	if err != nil {
		p.logger.Warn("plan rejected", zap.Error(err), zap.Int("response_len", len(response)))
		var pe *PlanningError
		if errors.As(err, &pe) {
			pe.Response = response
			return nil, pe
		}
		return nil, &PlanningError{Err: err, Response: response}
	}

	plan.ID = uuid.New().String()
	plan.Objective = objective
	plan.Round = 1
	plan.CreatedAt = p.now()

	p.logPlan(plan)
	return plan, nil
}

// Replan produces the next round's plan from the previous graph, its results,
// and the joiner's feedback.
func (p *Planner) Replan(ctx context.Context, objective string, previous *models.TaskGraph, results []models.TaskExecutionResult, feedback string, planCtx map[string]any) (*models.TaskGraph, error) {
	merged := make(map[string]any, len(planCtx)+3)
	for k, v := range planCtx {
		merged[k] = v
	}
	merged["feedback"] = feedback
	merged["previous_plan"] = summarizePlan(previous)
	merged["previous_results"] = summarizeResults(results)

	plan, err := p.GenerateDAGPlan(ctx, objective, merged)
	if err != nil {
		return nil, err
	}
	if previous != nil {
		plan.ParentID = previous.ID
		plan.Round = previous.Round + 1
	}
	return plan, nil
}

func (p *Planner) buildPrompt(ctx context.Context, objective string, planCtx map[string]any) string {
	template := prompts.Resolve(ctx, p.prompts, p.logger, prompts.ArchLLMCompiler, prompts.StagePlanning, defaultPlanningPrompt)

	contextJSON := "{}"
	if len(planCtx) > 0 {
		if data, err := json.MarshalIndent(planCtx, "", "  "); err == nil {
			contextJSON = string(data)
		}
	}

	tools := "(no tools registered)"
	if p.tools != nil {
		if d := strings.TrimSpace(p.tools.Describe()); d != "" {
			tools = d
		}
	}

	return prompts.Apply(template, map[string]string{
		"USER_INPUT": objective,
		"CONTEXT":    contextJSON,
		"TOOLS":      tools,
	})
}

func (p *Planner) logPlan(plan *models.TaskGraph) {
	if ce := p.logger.Check(zap.DebugLevel, "plan accepted"); ce != nil {
		g := graph.New()
		_ = g.Build(plan.Nodes)
		ce.Write(
			zap.String("plan_id", plan.ID),
			zap.Int("tasks", plan.Size()),
			zap.Any("levels", g.ParallelGroups()),
		)
	}
}

// planResponse is the JSON structure the model returns.
type planResponse struct {
	Nodes            []planNode          `json:"nodes"`
	DependencyGraph  map[string][]string `json:"dependency_graph"`
	VariableMappings map[string]string   `json:"variable_mappings"`
}

type planNode struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Description  string         `json:"description"`
	ToolName     string         `json:"tool_name"`
	Inputs       map[string]any `json:"inputs"`
	Arguments    map[string]any `json:"arguments"`
	Dependencies []string       `json:"dependencies"`
	VariableRefs []string       `json:"variable_refs"`
	Priority     *int           `json:"priority"`
	Tags         []string       `json:"tags"`
}

// ParseResponse extracts and validates a plan from model output. tools may
// be nil to skip tool validation.
func ParseResponse(response string, tools ToolCatalog) (*models.TaskGraph, error) {
	jsonStart := strings.Index(response, "{")
	jsonEnd := strings.LastIndex(response, "}")
	if jsonStart == -1 || jsonEnd <= jsonStart {
		preview := response
		if len(preview) > 200 {
			preview = preview[:200] + "... (truncated)"
		}
		return nil, &PlanningError{Err: fmt.Errorf("%w: no JSON object in response: %q", ErrMalformedPlan, preview)}
	}

	var raw planResponse
	if err := json.Unmarshal([]byte(response[jsonStart:jsonEnd+1]), &raw); err != nil {
		return nil, &PlanningError{Err: fmt.Errorf("%w: %v", ErrMalformedPlan, err)}
	}
	if len(raw.Nodes) == 0 {
		return nil, &PlanningError{Err: ErrEmptyPlan}
	}

	nodes := make([]*models.TaskNode, len(raw.Nodes))
	byID := make(map[string]*models.TaskNode, len(raw.Nodes))
	for i, rn := range raw.Nodes {
		id := rn.ID
		if id == "" {
			id = fmt.Sprintf("task_%d", i+1)
		}
		if rn.ToolName == "" {
			return nil, &PlanningError{Err: fmt.Errorf("%w: task %s has no tool_name", ErrMalformedPlan, id)}
		}
		if tools != nil && !tools.Has(rn.ToolName) {
			return nil, &PlanningError{Err: fmt.Errorf("%w: task %s uses %s", ErrUnknownTool, id, rn.ToolName)}
		}

		args := rn.Inputs
		if len(args) == 0 {
			args = rn.Arguments
		}
		if args == nil {
			args = map[string]any{}
		}
		priority := 1
		if rn.Priority != nil {
			priority = *rn.Priority
		}
		name := rn.Name
		if name == "" {
			name = id
		}

		node := &models.TaskNode{
			ID:           id,
			Name:         name,
			Description:  rn.Description,
			ToolName:     rn.ToolName,
			Arguments:    args,
			Dependencies: append([]string(nil), rn.Dependencies...),
			Priority:     priority,
			Tags:         rn.Tags,
		}
		nodes[i] = node
		if _, dup := byID[id]; !dup {
			byID[id] = node
		}
	}

	// dependency_graph is merged into node dependencies.
	keys := make([]string, 0, len(raw.DependencyGraph))
	for k := range raw.DependencyGraph {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, id := range keys {
		node, ok := byID[id]
		if !ok {
			return nil, &PlanningError{Err: fmt.Errorf("%w: dependency_graph entry for unknown task %s", ErrUnknownReference, id)}
		}
		node.Dependencies = appendMissing(node.Dependencies, raw.DependencyGraph[id]...)
	}

	for name, path := range raw.VariableMappings {
		taskID, _, _ := strings.Cut(path, ".")
		if _, ok := byID[taskID]; !ok {
			return nil, &PlanningError{Err: fmt.Errorf("%w: mapping %s points at unknown task %q", ErrUnknownReference, name, taskID)}
		}
	}

	for i, node := range nodes {
		for _, ref := range raw.Nodes[i].VariableRefs {
			if _, ok := raw.VariableMappings[ref]; !ok {
				return nil, &PlanningError{Err: fmt.Errorf("%w: task %s declares %s with no mapping", ErrUnknownReference, node.ID, ref)}
			}
		}
		for _, taskID := range executor.ReferencedTasks(node.Arguments, raw.VariableMappings) {
			if _, ok := byID[taskID]; !ok {
				return nil, &PlanningError{Err: fmt.Errorf("%w: task %s references unknown task %s", ErrUnknownReference, node.ID, taskID)}
			}
			node.Dependencies = appendMissing(node.Dependencies, taskID)
		}
	}

	if err := graph.New().Build(nodes); err != nil {
		return nil, &PlanningError{Err: err}
	}

	return &models.TaskGraph{
		Nodes:            nodes,
		VariableMappings: raw.VariableMappings,
	}, nil
}

func appendMissing(list []string, items ...string) []string {
	for _, item := range items {
		if !slices.Contains(list, item) {
			list = append(list, item)
		}
	}
	return list
}

// summarizePlan renders the previous graph in topological order for the
// replanning context.
func summarizePlan(plan *models.TaskGraph) []map[string]any {
	if plan == nil {
		return nil
	}
	out := make([]map[string]any, 0, len(plan.Nodes))
	for _, n := range graph.OrderNodes(plan) {
		out = append(out, map[string]any{
			"id":           n.ID,
			"name":         n.Name,
			"tool_name":    n.ToolName,
			"inputs":       n.Arguments,
			"dependencies": n.Dependencies,
		})
	}
	return out
}

// summarizeResults renders task results for the replanning context.
func summarizeResults(results []models.TaskExecutionResult) []map[string]any {
	out := make([]map[string]any, 0, len(results))
	for _, r := range results {
		entry := map[string]any{
			"task_id": r.TaskID,
			"status":  r.Status,
		}
		if len(r.Outputs) > 0 {
			entry["outputs"] = r.Outputs
		}
		if r.Error != "" {
			entry["error"] = r.Error
		}
		out = append(out, entry)
	}
	return out
}
