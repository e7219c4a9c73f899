package compiler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/sentinel/internal/joiner"
	"github.com/ShayCichocki/sentinel/internal/llm"
	"github.com/ShayCichocki/sentinel/internal/planner"
	"github.com/ShayCichocki/sentinel/pkg/models"
)

type toolFunc func(ctx context.Context, name string, args map[string]any) models.ToolResult

func (f toolFunc) Execute(ctx context.Context, name string, args map[string]any) models.ToolResult {
	return f(ctx, name, args)
}

func succeed(outputs map[string]any) toolFunc {
	return func(context.Context, string, map[string]any) models.ToolResult {
		return models.ToolResult{Success: true, Outputs: outputs}
	}
}

type fakePlanner struct {
	mu       sync.Mutex
	generate func(objective string) (*models.TaskGraph, error)
	replan   func(previous *models.TaskGraph, results []models.TaskExecutionResult, feedback string) (*models.TaskGraph, error)

	generateCalls int
	replanCalls   int
	feedback      []string
}

func (p *fakePlanner) GenerateDAGPlan(_ context.Context, objective string, _ map[string]any) (*models.TaskGraph, error) {
	p.mu.Lock()
	p.generateCalls++
	p.mu.Unlock()
	return p.generate(objective)
}

func (p *fakePlanner) Replan(_ context.Context, _ string, previous *models.TaskGraph, results []models.TaskExecutionResult, feedback string, _ map[string]any) (*models.TaskGraph, error) {
	p.mu.Lock()
	p.replanCalls++
	p.feedback = append(p.feedback, feedback)
	p.mu.Unlock()
	if p.replan == nil {
		return graphOf(previous.Round+1, task("retry")), nil
	}
	return p.replan(previous, results, feedback)
}

type fakeJoiner struct {
	mu     sync.Mutex
	decide func(r joiner.Round) models.JoinerDecision
	rounds []joiner.Round
	resets int
}

func (j *fakeJoiner) AnalyzeAndDecide(_ context.Context, r joiner.Round) models.JoinerDecision {
	j.mu.Lock()
	j.rounds = append(j.rounds, r)
	j.mu.Unlock()
	return j.decide(r)
}

func (j *fakeJoiner) Reset() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.resets++
}

type fakeRecorder struct {
	saved []*models.WorkflowExecutionResult
}

func (r *fakeRecorder) SaveRun(_ context.Context, result *models.WorkflowExecutionResult) error {
	r.saved = append(r.saved, result)
	return nil
}

func task(id string, deps ...string) *models.TaskNode {
	return &models.TaskNode{ID: id, ToolName: "probe", Dependencies: deps}
}

func graphOf(round int, nodes ...*models.TaskNode) *models.TaskGraph {
	return &models.TaskGraph{ID: "plan", Round: round, Nodes: nodes}
}

func staticPlanner(nodes ...*models.TaskNode) *fakePlanner {
	return &fakePlanner{generate: func(string) (*models.TaskGraph, error) {
		return graphOf(1, nodes...), nil
	}}
}

func always(d models.JoinerDecision) *fakeJoiner {
	return &fakeJoiner{decide: func(joiner.Round) models.JoinerDecision { return d }}
}

func reply(response string, err error) llm.Completer {
	return llm.CompleterFunc(func(context.Context, string, string) (string, error) {
		return response, err
	})
}

func TestExecuteWorkflowDiamondCompletes(t *testing.T) {
	p := staticPlanner(task("a"), task("b", "a"), task("c", "a"), task("d", "b", "c"))
	j := always(models.Complete("", "done", 0.9))
	rec := &fakeRecorder{}

	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(nil)},
		WithLLM(reply("final report", nil)), WithRecorder(rec))

	result, err := engine.ExecuteWorkflow(context.Background(), "assess example.com", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	var order []string
	for _, r := range result.TaskResults {
		order = append(order, r.TaskID)
	}

	if !result.Success {
		t.Errorf("Success = false, error %q", result.Error)
	}
	if result.Response != "final report" {
		t.Errorf("Response = %q, want synthesized text", result.Response)
	}
	if got := strings.Join(order, ","); got != "a,b,c,d" {
		t.Errorf("result order = %s, want waves a then b,c then d", got)
	}
	s := result.ExecutionSummary
	if s.Rounds != 1 || s.TotalTasks != 4 || s.SuccessfulTasks != 4 || s.ReplanningCount != 0 {
		t.Errorf("summary = %+v", s)
	}
	if len(rec.saved) != 1 || rec.saved[0].RunID == "" {
		t.Errorf("recorder got %d runs, want 1 with a run id", len(rec.saved))
	}
	if len(j.rounds) != 1 || len(j.rounds[0].Results) != 4 {
		t.Errorf("joiner saw %+v", j.rounds)
	}
}

func TestExecuteWorkflowRoundBudget(t *testing.T) {
	p := staticPlanner(task("a"))
	j := always(models.Continue("more", "", 0.5))
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(nil)}, WithMaxIterations(1))

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if result.ExecutionSummary.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", result.ExecutionSummary.Rounds)
	}
	if p.replanCalls != 0 {
		t.Errorf("replanned %d times with a budget of one round", p.replanCalls)
	}
	if len(result.TaskResults) != 1 {
		t.Errorf("TaskResults = %d, want the single round's result", len(result.TaskResults))
	}
}

func TestExecuteWorkflowReplansWithFeedback(t *testing.T) {
	p := staticPlanner(task("a"))
	var seen []int
	p.replan = func(previous *models.TaskGraph, results []models.TaskExecutionResult, _ string) (*models.TaskGraph, error) {
		seen = append(seen, len(results))
		return graphOf(previous.Round+1, task("b"), task("c")), nil
	}
	j := &fakeJoiner{decide: func(r joiner.Round) models.JoinerDecision {
		if r.Number == 1 {
			return models.Continue("probe the web server", "ports only", 0.6)
		}
		return models.Complete("", "enough", 0.9)
	}}
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(nil)})

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}

	if p.replanCalls != 1 || p.feedback[0] != "probe the web server" {
		t.Errorf("replan calls = %d, feedback = %v", p.replanCalls, p.feedback)
	}
	if len(seen) != 1 || seen[0] != 1 {
		t.Errorf("replan saw %v accumulated results, want [1]", seen)
	}
	s := result.ExecutionSummary
	if s.Rounds != 2 || s.ReplanningCount != 1 || s.TotalTasks != 3 {
		t.Errorf("summary = %+v", s)
	}
	if len(j.rounds[1].Results) != 2 {
		t.Errorf("round 2 joiner saw %d results, want only that round's 2", len(j.rounds[1].Results))
	}
}

func TestExecuteWorkflowReplanningDisabled(t *testing.T) {
	p := staticPlanner(task("a"))
	j := always(models.Continue("more", "", 0.5))
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(nil)}, WithReplanning(false))

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if p.replanCalls != 0 || result.ExecutionSummary.Rounds != 1 {
		t.Errorf("replan calls = %d, rounds = %d", p.replanCalls, result.ExecutionSummary.Rounds)
	}
	if !result.Success {
		t.Errorf("Success = false, want completion with existing results")
	}
}

func TestExecuteWorkflowFirstPlanningFailure(t *testing.T) {
	planErr := &planner.PlanningError{Err: planner.ErrMalformedPlan, Response: "nonsense"}
	p := &fakePlanner{generate: func(string) (*models.TaskGraph, error) { return nil, planErr }}
	j := always(models.Complete("", "", 1))
	rec := &fakeRecorder{}
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(nil)}, WithRecorder(rec))

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	var pe *planner.PlanningError
	if !errors.As(err, &pe) {
		t.Fatalf("error = %v, want *planner.PlanningError", err)
	}
	if !errors.Is(err, planner.ErrMalformedPlan) {
		t.Errorf("error should wrap ErrMalformedPlan")
	}
	if result == nil || result.Success || result.Error == "" {
		t.Fatalf("result = %+v, want failed result with error text", result)
	}
	if len(j.rounds) != 0 {
		t.Error("joiner should not run without a plan")
	}
	if len(rec.saved) != 1 {
		t.Errorf("failed run should still be recorded")
	}
}

func TestExecuteWorkflowLaterPlanningFailureIsAbsorbed(t *testing.T) {
	p := staticPlanner(task("a"))
	p.replan = func(*models.TaskGraph, []models.TaskExecutionResult, string) (*models.TaskGraph, error) {
		return nil, &planner.PlanningError{Err: planner.ErrEmptyPlan}
	}
	j := always(models.Continue("more", "", 0.5))
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(nil)})

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if result.ExecutionSummary.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", result.ExecutionSummary.Rounds)
	}
	found := false
	for _, f := range result.ExecutionSummary.KeyFindings {
		if strings.Contains(f, "replanning failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("KeyFindings = %v, want replanning failure", result.ExecutionSummary.KeyFindings)
	}
}

func TestExecuteWorkflowDegradesWhenModelFails(t *testing.T) {
	failing := reply("", errors.New("service unavailable"))
	p := staticPlanner(task("a"), task("b"))
	j := joiner.New(failing, joiner.Config{MaxIterations: 3})
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: succeed(map[string]any{"result": "ok"})},
		WithLLM(failing), WithMaxIterations(3))

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if result.ExecutionSummary.Rounds != 3 {
		t.Errorf("Rounds = %d, want the default decision to continue until the budget", result.ExecutionSummary.Rounds)
	}
	if !strings.HasPrefix(result.Response, "Execution finished.") {
		t.Errorf("Response = %q, want templated fallback", result.Response)
	}
}

func TestExecuteWorkflowStalledDependency(t *testing.T) {
	p := staticPlanner(task("a"), task("b", "a"))
	j := always(models.Complete("", "nothing more to do", 0.7))
	tools := toolFunc(func(context.Context, string, map[string]any) models.ToolResult {
		return models.ToolResult{Success: false, Error: "connection refused"}
	})
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: tools})

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}

	r := j.rounds[0]
	if r.Stats.Failed != 1 || r.Stats.Waiting != 1 || r.Stats.Ready != 0 {
		t.Errorf("joiner stats = %+v, want one failed and one waiting", r.Stats)
	}
	if len(r.Stalled) != 1 || r.Stalled[0] != "b" {
		t.Errorf("Stalled = %v, want [b]", r.Stalled)
	}
	if result.Success {
		t.Error("Success = true with no completed tasks")
	}
	if status := engine.EngineStatus(); status.Pending != 0 || status.Running {
		t.Errorf("status after run = %+v, want nothing pending", status)
	}
}

func TestExecuteWorkflowCancelledDuringWave(t *testing.T) {
	started := make(chan struct{})
	var once sync.Once
	tools := toolFunc(func(ctx context.Context, _ string, _ map[string]any) models.ToolResult {
		once.Do(func() { close(started) })
		<-ctx.Done()
		return models.ToolResult{Success: false, Error: ctx.Err().Error()}
	})
	p := staticPlanner(task("a"), task("b"), task("c", "a"))
	j := always(models.Continue("more", "", 0.5))
	engine := New(RequiredConfig{Planner: p, Joiner: j, Tools: tools})

	go func() {
		<-started
		engine.CancelExecution()
	}()

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if result.Error != ErrCancelled.Error() {
		t.Errorf("Error = %q, want %q", result.Error, ErrCancelled)
	}
	if result.Success {
		t.Error("cancelled run reported success")
	}
	if len(result.TaskResults) != 0 {
		t.Errorf("abandoned results were kept: %+v", result.TaskResults)
	}
	if len(j.rounds) != 0 {
		t.Error("joiner should not run after cancellation")
	}
}

func TestExecuteWorkflowCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := staticPlanner(task("a"))
	engine := New(RequiredConfig{Planner: p, Joiner: always(models.Complete("", "", 1)), Tools: succeed(nil)})

	result, err := engine.ExecuteWorkflow(ctx, "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if result.Error != ErrCancelled.Error() || p.generateCalls != 0 {
		t.Errorf("result error = %q, planner calls = %d", result.Error, p.generateCalls)
	}
}

func TestExecuteWorkflowBoundsWaves(t *testing.T) {
	var inFlight, peak atomic.Int64
	tools := toolFunc(func(context.Context, string, map[string]any) models.ToolResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return models.ToolResult{Success: true}
	})
	p := staticPlanner(task("a"), task("b"), task("c"), task("d"), task("e"))
	engine := New(RequiredConfig{Planner: p, Joiner: always(models.Complete("", "", 1)), Tools: tools}, WithMaxConcurrency(2))

	result, err := engine.ExecuteWorkflow(context.Background(), "objective", nil)
	if err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want at most 2", peak.Load())
	}
	if len(result.TaskResults) != 5 {
		t.Errorf("TaskResults = %d, want 5", len(result.TaskResults))
	}
	if got := engine.PoolMetrics().TotalExecutions; got != 5 {
		t.Errorf("pool executions = %d, want 5", got)
	}
}

func TestExecuteWorkflowResolvesReferences(t *testing.T) {
	var target any
	tools := toolFunc(func(_ context.Context, name string, args map[string]any) models.ToolResult {
		if name == "dns_lookup" {
			return models.ToolResult{Success: true, Outputs: map[string]any{"ip_address": "93.184.216.34"}}
		}
		target = args["target"]
		return models.ToolResult{Success: true}
	})
	p := &fakePlanner{generate: func(string) (*models.TaskGraph, error) {
		return &models.TaskGraph{
			ID: "plan",
			Nodes: []*models.TaskNode{
				{ID: "dns", ToolName: "dns_lookup"},
				{ID: "scan", ToolName: "port_scan", Dependencies: []string{"dns"}, Arguments: map[string]any{"target": "$1"}},
			},
			VariableMappings: map[string]string{"$1": "dns.outputs.ip_address"},
		}, nil
	}}
	engine := New(RequiredConfig{Planner: p, Joiner: always(models.Complete("", "", 1)), Tools: tools})

	if _, err := engine.ExecuteWorkflow(context.Background(), "objective", nil); err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if target != "93.184.216.34" {
		t.Errorf("scan target = %v, want resolved address", target)
	}
}

func TestExecuteWorkflowRejectsConcurrentRuns(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	tools := toolFunc(func(context.Context, string, map[string]any) models.ToolResult {
		once.Do(func() { close(started) })
		<-release
		return models.ToolResult{Success: true}
	})
	engine := New(RequiredConfig{Planner: staticPlanner(task("a")), Joiner: always(models.Complete("", "", 1)), Tools: tools})

	done := make(chan error, 1)
	go func() {
		_, err := engine.ExecuteWorkflow(context.Background(), "first", nil)
		done <- err
	}()
	<-started

	if !engine.EngineStatus().Running {
		t.Error("EngineStatus().Running = false during a workflow")
	}
	if _, err := engine.ExecuteWorkflow(context.Background(), "second", nil); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second run error = %v, want ErrAlreadyRunning", err)
	}
	close(release)
	if err := <-done; err != nil {
		t.Errorf("first run: %v", err)
	}
}

func TestEngineStatusAndReset(t *testing.T) {
	j := always(models.Complete("", "", 1))
	engine := New(RequiredConfig{Planner: staticPlanner(task("a")), Joiner: j, Tools: succeed(nil)}, WithMaxConcurrency(4))

	status := engine.EngineStatus()
	if status.TotalCapacity != 4 || status.AvailableCapacity != 4 || status.Running {
		t.Errorf("idle status = %+v", status)
	}

	if _, err := engine.ExecuteWorkflow(context.Background(), "objective", nil); err != nil {
		t.Fatalf("ExecuteWorkflow: %v", err)
	}
	if status := engine.EngineStatus(); status.Completed != 1 {
		t.Errorf("status after run = %+v, want one completed", status)
	}

	engine.Reset()
	if j.resets != 1 {
		t.Errorf("joiner resets = %d, want 1", j.resets)
	}
}
