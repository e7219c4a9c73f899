// Package graph provides a dependency graph for planned tasks.
package graph

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/gammazero/toposort"

	"github.com/ShayCichocki/sentinel/pkg/models"
)

var (
	// ErrCycleDetected indicates a circular dependency was found in the task graph.
	ErrCycleDetected = errors.New("circular dependency detected")
	// ErrDuplicateTask indicates two nodes share an ID.
	ErrDuplicateTask = errors.New("duplicate task id")
	// ErrUnknownDependency indicates a node depends on an ID not in the graph.
	ErrUnknownDependency = errors.New("unknown dependency")
)

// DependencyGraph represents a directed acyclic graph of task dependencies.
// Tasks are nodes, and edges represent "blocked by" relationships.
type DependencyGraph struct {
	mu sync.RWMutex
	// order keeps node IDs in plan order.
	order []string
	// nodes maps task ID to the node itself.
	nodes map[string]*models.TaskNode
	// edges maps task ID to IDs of tasks it depends on (is blocked by).
	edges map[string][]string
	// dependents maps task ID to IDs of tasks blocked by it.
	dependents map[string][]string
	// debugLog is an optional logging function.
	debugLog func(format string, args ...interface{})
}

// New creates a new empty dependency graph.
func New() *DependencyGraph {
	return &DependencyGraph{
		nodes:      make(map[string]*models.TaskNode),
		edges:      make(map[string][]string),
		dependents: make(map[string][]string),
		debugLog:   func(format string, args ...interface{}) {}, // no-op by default
	}
}

// SetDebugLog sets the debug logging function.
func (g *DependencyGraph) SetDebugLog(fn func(format string, args ...interface{})) {
	if fn != nil {
		g.debugLog = fn
	}
}

// Build constructs the dependency graph from a slice of nodes, replacing any
// previous contents. Returns an error on duplicate IDs, unknown dependencies,
// or cycles.
func (g *DependencyGraph) Build(nodes []*models.TaskNode) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.order = nil
	g.nodes = make(map[string]*models.TaskNode, len(nodes))
	g.edges = make(map[string][]string, len(nodes))
	g.dependents = make(map[string][]string, len(nodes))

	g.debugLog("[graph.Build] building graph from %d nodes", len(nodes))

	// First pass: register all nodes.
	for _, node := range nodes {
		if node == nil || node.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, exists := g.nodes[node.ID]; exists {
			return fmt.Errorf("%w: %s", ErrDuplicateTask, node.ID)
		}
		g.nodes[node.ID] = node
		g.edges[node.ID] = nil
		g.order = append(g.order, node.ID)
	}

	// Second pass: build edges, deduplicating repeated dependencies.
	for _, node := range nodes {
		seen := make(map[string]bool, len(node.Dependencies))
		for _, depID := range node.Dependencies {
			if _, exists := g.nodes[depID]; !exists {
				return fmt.Errorf("%w: task %s depends on unknown task %s", ErrUnknownDependency, node.ID, depID)
			}
			if seen[depID] {
				continue
			}
			seen[depID] = true
			g.edges[node.ID] = append(g.edges[node.ID], depID)
			g.dependents[depID] = append(g.dependents[depID], node.ID)
		}
	}

	g.debugLog("[graph.Build] edges: %v", g.edges)

	if cycle := g.findCycleLocked(); cycle != nil {
		return fmt.Errorf("%w: %s", ErrCycleDetected, strings.Join(cycle, " -> "))
	}

	g.debugLog("[graph.Build] graph built with %d nodes", len(g.nodes))
	return nil
}

// findCycleLocked returns the IDs along the first cycle found, closing back
// on the starting ID, or nil. Uses depth-first search with coloring.
func (g *DependencyGraph) findCycleLocked() []string {
	// Color states: 0 = white (unvisited), 1 = gray (in progress), 2 = black (done).
	colors := make(map[string]int, len(g.nodes))
	var stack []string
	var cycle []string

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the stack from the first occurrence of depID.
				for i, s := range stack {
					if s == depID {
						cycle = append(append([]string{}, stack[i:]...), depID)
						break
					}
				}
				return true
			case 0:
				if visit(depID) {
					return true
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return false
	}

	for _, id := range g.order {
		if colors[id] == 0 && visit(id) {
			return cycle
		}
	}
	return nil
}

// TopologicalSort returns task IDs in an order where all dependencies come
// before the tasks that depend on them. Ties are broken by dependency level,
// then plan order.
func (g *DependencyGraph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	edges := make([]toposort.Edge, 0, len(g.order))
	for _, id := range g.order {
		if len(g.edges[id]) == 0 {
			edges = append(edges, toposort.Edge{nil, id})
		}
		for _, depID := range g.edges[id] {
			edges = append(edges, toposort.Edge{depID, id})
		}
	}
	sorted, err := toposort.Toposort(edges)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCycleDetected, err)
	}

	result := make([]string, 0, len(sorted))
	for _, node := range sorted {
		result = append(result, node.(string))
	}

	levels := g.levelsLocked()
	position := make(map[string]int, len(g.order))
	for i, id := range g.order {
		position[id] = i
	}
	sort.SliceStable(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if levels[a] != levels[b] {
			return levels[a] < levels[b]
		}
		return position[a] < position[b]
	})
	return result, nil
}

// ParallelGroups partitions the graph into dependency levels. Every node in
// level N depends only on nodes in levels below N.
func (g *DependencyGraph) ParallelGroups() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	levels := g.levelsLocked()
	var groups [][]string
	for _, id := range g.order {
		d := levels[id]
		for len(groups) <= d {
			groups = append(groups, nil)
		}
		groups[d] = append(groups[d], id)
	}
	return groups
}

// levelsLocked maps each node to the length of its longest dependency chain.
// The graph must be acyclic.
func (g *DependencyGraph) levelsLocked() map[string]int {
	level := make(map[string]int, len(g.nodes))
	var depth func(id string) int
	depth = func(id string) int {
		if d, ok := level[id]; ok {
			return d
		}
		d := 0
		for _, depID := range g.edges[id] {
			if dd := depth(depID) + 1; dd > d {
				d = dd
			}
		}
		level[id] = d
		return d
	}
	for _, id := range g.order {
		depth(id)
	}
	return level
}

// OrderNodes returns the plan's nodes in topological order. A plan that does
// not form a valid graph is returned in plan order.
func OrderNodes(plan *models.TaskGraph) []*models.TaskNode {
	if plan == nil {
		return nil
	}
	g := New()
	if err := g.Build(plan.Nodes); err != nil {
		return plan.Nodes
	}
	ids, err := g.TopologicalSort()
	if err != nil {
		return plan.Nodes
	}
	nodes := make([]*models.TaskNode, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, g.GetTask(id))
	}
	return nodes
}

// GetTask returns the node for a given ID, or nil if not found.
func (g *DependencyGraph) GetTask(taskID string) *models.TaskNode {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// IDs returns node IDs in plan order.
func (g *DependencyGraph) IDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.order...)
}

// Size returns the number of nodes in the graph.
func (g *DependencyGraph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// GetDependencies returns the IDs of tasks that the given task depends on.
func (g *DependencyGraph) GetDependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[taskID]
}

// GetDependents returns the IDs of tasks that depend on the given task.
func (g *DependencyGraph) GetDependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependents[taskID]
}
