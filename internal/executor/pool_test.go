package executor

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

// toolFunc adapts a function to ToolExecutor.
type toolFunc func(ctx context.Context, name string, args map[string]any) models.ToolResult

func (f toolFunc) Execute(ctx context.Context, name string, args map[string]any) models.ToolResult {
	return f(ctx, name, args)
}

func success(outputs map[string]any) models.ToolResult {
	return models.ToolResult{Success: true, Outputs: outputs}
}

func TestExecuteWaveBoundsConcurrency(t *testing.T) {
	var inFlight, peak atomic.Int64
	release := make(chan struct{})

	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		<-release
		inFlight.Add(-1)
		return success(nil)
	})

	pool := New(tools, 3, nil)
	nodes := make([]*models.TaskNode, 10)
	for i := range nodes {
		nodes[i] = &models.TaskNode{ID: string(rune('a' + i)), ToolName: "wait"}
	}

	done := make(chan []models.TaskExecutionResult)
	go func() { done <- pool.ExecuteWave(context.Background(), nodes, nil) }()

	// Let the first batch start, then check capacity is exhausted.
	deadline := time.Now().Add(2 * time.Second)
	for inFlight.Load() < 3 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if got := pool.AvailablePermits(); got != 0 {
		t.Errorf("AvailablePermits() = %d while saturated, want 0", got)
	}
	close(release)

	results := <-done
	if len(results) != 10 {
		t.Fatalf("got %d results, want 10", len(results))
	}
	for i, r := range results {
		if r.TaskID != nodes[i].ID {
			t.Errorf("result %d is for %s, want %s", i, r.TaskID, nodes[i].ID)
		}
		if r.Status != models.TaskStatusCompleted {
			t.Errorf("task %s status = %s", r.TaskID, r.Status)
		}
	}
	if peak.Load() > 3 {
		t.Errorf("peak concurrency %d exceeded max 3", peak.Load())
	}
	if m := pool.Metrics(); m.PeakConcurrency > 3 || m.TotalExecutions != 10 {
		t.Errorf("metrics = %+v", m)
	}
	if got := pool.AvailablePermits(); got != 3 {
		t.Errorf("AvailablePermits() after wave = %d, want 3", got)
	}
}

func TestConcurrentWavesShareCapacity(t *testing.T) {
	var inFlight, peak atomic.Int64
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		n := inFlight.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(5 * time.Millisecond)
		inFlight.Add(-1)
		return success(nil)
	})

	pool := New(tools, 2, nil)
	wave := func(prefix string) []*models.TaskNode {
		nodes := make([]*models.TaskNode, 4)
		for i := range nodes {
			nodes[i] = &models.TaskNode{ID: prefix + string(rune('a'+i)), ToolName: "scan"}
		}
		return nodes
	}

	var wg sync.WaitGroup
	for _, prefix := range []string{"x", "y"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for _, r := range pool.ExecuteWave(context.Background(), wave(prefix), nil) {
				if r.Status != models.TaskStatusCompleted {
					t.Errorf("task %s status = %s", r.TaskID, r.Status)
				}
			}
		}()
	}
	wg.Wait()

	if peak.Load() > 2 {
		t.Errorf("peak concurrency %d across waves exceeded max 2", peak.Load())
	}
	if m := pool.Metrics(); m.TotalExecutions != 8 {
		t.Errorf("TotalExecutions = %d, want 8", m.TotalExecutions)
	}
}

func TestExecuteWaveIsolatesFailures(t *testing.T) {
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		switch name {
		case "broken":
			return models.ToolResult{Success: false, Error: "connection refused"}
		case "explodes":
			panic("nil map write")
		default:
			return success(map[string]any{"status": "up"})
		}
	})

	pool := New(tools, 4, nil)
	results := pool.ExecuteWave(context.Background(), []*models.TaskNode{
		{ID: "good-1", ToolName: "probe"},
		{ID: "bad", ToolName: "broken"},
		{ID: "panic", ToolName: "explodes"},
		{ID: "good-2", ToolName: "probe"},
	}, nil)

	want := map[string]models.TaskStatus{
		"good-1": models.TaskStatusCompleted,
		"bad":    models.TaskStatusFailed,
		"panic":  models.TaskStatusFailed,
		"good-2": models.TaskStatusCompleted,
	}
	for _, r := range results {
		if r.Status != want[r.TaskID] {
			t.Errorf("%s status = %s, want %s", r.TaskID, r.Status, want[r.TaskID])
		}
	}
	if !strings.Contains(results[1].Error, "connection refused") {
		t.Errorf("bad error = %q", results[1].Error)
	}
	if !strings.Contains(results[2].Error, "panicked") {
		t.Errorf("panic error = %q", results[2].Error)
	}
	if results[0].Outputs["status"] != "up" {
		t.Errorf("good-1 outputs = %v", results[0].Outputs)
	}
	if results[0].Metadata["tool_name"] != "probe" {
		t.Errorf("metadata = %v", results[0].Metadata)
	}
}

func TestExecuteTaskToolFailureWithoutMessage(t *testing.T) {
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		return models.ToolResult{Success: false}
	})
	r := New(tools, 1, nil).ExecuteTask(context.Background(), &models.TaskNode{ID: "x", ToolName: "quiet"}, nil)
	if r.Status != models.TaskStatusFailed || r.Error == "" {
		t.Errorf("result = %+v", r)
	}
}

func TestExecuteTaskCancelledBeforePermit(t *testing.T) {
	block := make(chan struct{})
	var once sync.Once
	started := make(chan struct{})
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		once.Do(func() { close(started) })
		<-block
		return success(nil)
	})
	pool := New(tools, 1, nil)

	go pool.ExecuteTask(context.Background(), &models.TaskNode{ID: "holder", ToolName: "slow"}, nil)
	<-started

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := pool.ExecuteTask(ctx, &models.TaskNode{ID: "late", ToolName: "slow"}, nil)
	close(block)

	if r.Status != models.TaskStatusFailed || !strings.Contains(r.Error, "permit") {
		t.Errorf("result = %+v", r)
	}
}

func TestExecuteTaskResolvesReferences(t *testing.T) {
	lookup := fakeLookup{
		"task_1": {TaskID: "task_1", Status: models.TaskStatusCompleted, Outputs: map[string]any{"ip_address": "10.0.0.5"}},
	}
	var got map[string]any
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		got = args
		return success(nil)
	})

	refs := NewResolver(map[string]string{"$1": "task_1.outputs.ip_address"}, lookup)
	r := New(tools, 1, nil).ExecuteTask(context.Background(), &models.TaskNode{
		ID:        "task_2",
		ToolName:  "port_scan",
		Arguments: map[string]any{"target": "$1", "scan_type": "tcp"},
	}, refs)

	if r.Status != models.TaskStatusCompleted {
		t.Fatalf("result = %+v", r)
	}
	if got["target"] != "10.0.0.5" || got["scan_type"] != "tcp" {
		t.Errorf("resolved args = %v", got)
	}
}

func TestExecuteTaskResolutionFailureIsTaskFailure(t *testing.T) {
	called := false
	tools := toolFunc(func(ctx context.Context, name string, args map[string]any) models.ToolResult {
		called = true
		return success(nil)
	})
	lookup := fakeLookup{
		"task_1": {TaskID: "task_1", Status: models.TaskStatusCompleted, Outputs: map[string]any{"host": "a"}},
	}

	r := New(tools, 1, nil).ExecuteTask(context.Background(), &models.TaskNode{
		ID:        "task_2",
		ToolName:  "port_scan",
		Arguments: map[string]any{"target": "${task_1.outputs.ip_address}"},
	}, NewResolver(nil, lookup))

	if called {
		t.Error("tool should not run when references cannot be resolved")
	}
	if r.Status != models.TaskStatusFailed || !strings.Contains(r.Error, ErrUnresolvedReference.Error()) {
		t.Errorf("result = %+v", r)
	}
}
