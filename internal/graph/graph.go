// Package graph implements the task dependency DAG: cycle detection,
// topological ordering, readiness evaluation, and transitive reduction
// (plan-integration Pass 3).
package graph

import (
	"fmt"
	"sync"

	"github.com/weftlabs/weft/pkg/models"
)

// ErrCycleDetected indicates a circular dependency was found or would
// be introduced in the task graph.
var ErrCycleDetected = models.ErrCycleDetected

// Graph is a directed acyclic graph of task dependencies. Nodes are
// tasks; an edge from A to B means "A depends on B" (A is blocked by B).
type Graph struct {
	mu        sync.RWMutex
	nodes     map[string]*models.Task
	edges     map[string][]string
	completed map[string]bool
}

// New creates an empty Graph.
func New() *Graph {
	return &Graph{
		nodes:     make(map[string]*models.Task),
		edges:     make(map[string][]string),
		completed: make(map[string]bool),
	}
}

// Build replaces the graph contents with the given tasks. Returns
// ErrCycleDetected if the resulting edge set has a cycle, or an error
// if a dependency references an unknown task id.
func (g *Graph) Build(tasks []*models.Task) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	nodes := make(map[string]*models.Task, len(tasks))
	edges := make(map[string][]string, len(tasks))
	for _, t := range tasks {
		nodes[t.ID] = t
		edges[t.ID] = nil
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			if _, ok := nodes[dep]; !ok {
				return fmt.Errorf("task %s depends on unknown task %s", t.ID, dep)
			}
			edges[t.ID] = append(edges[t.ID], dep)
		}
	}
	if hasCycle(nodes, edges) {
		return ErrCycleDetected
	}

	g.nodes = nodes
	g.edges = edges
	// Re-derive completion state from task status so rebuilding the
	// graph from a fresh store snapshot doesn't lose readiness history.
	completed := make(map[string]bool, len(tasks))
	for _, t := range tasks {
		if t.Status == models.StatusComplete {
			completed[t.ID] = true
		}
	}
	g.completed = completed
	return nil
}

// WouldCycle reports whether adding an edge from-depends-on-to would
// introduce a cycle, without mutating the graph. Used by plan
// integration to drop LLM-proposed edges that would close a loop; the
// store's acyclicity check goes through Build instead.
func (g *Graph) WouldCycle(from, to string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if from == to {
		return true
	}
	// A cycle is introduced iff `to` can already reach `from`.
	visited := make(map[string]bool)
	var visit func(id string) bool
	visit = func(id string) bool {
		if id == from {
			return true
		}
		if visited[id] {
			return false
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			if visit(dep) {
				return true
			}
		}
		return false
	}
	return visit(to)
}

func hasCycle(nodes map[string]*models.Task, edges map[string][]string) bool {
	const white, gray, black = 0, 1, 2
	colors := make(map[string]int, len(nodes))

	var visit func(id string) bool
	visit = func(id string) bool {
		colors[id] = gray
		for _, dep := range edges[id] {
			switch colors[dep] {
			case gray:
				return true
			case white:
				if visit(dep) {
					return true
				}
			}
		}
		colors[id] = black
		return false
	}

	for id := range nodes {
		if colors[id] == white {
			if visit(id) {
				return true
			}
		}
	}
	return false
}

// TopologicalSort returns task ids ordered so every dependency precedes
// its dependents. Returns ErrCycleDetected if the graph has a cycle.
func (g *Graph) TopologicalSort() ([]string, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if hasCycle(g.nodes, g.edges) {
		return nil, ErrCycleDetected
	}

	visited := make(map[string]bool, len(g.nodes))
	result := make([]string, 0, len(g.nodes))

	var visit func(id string)
	visit = func(id string) {
		if visited[id] {
			return
		}
		visited[id] = true
		for _, dep := range g.edges[id] {
			visit(dep)
		}
		result = append(result, id)
	}
	for id := range g.nodes {
		visit(id)
	}
	return result, nil
}

// GetReady returns ids of tasks whose dependencies are all complete and
// which are not themselves already complete.
func (g *Graph) GetReady() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ready []string
	for id, task := range g.nodes {
		if g.completed[id] || task.Status.IsTerminal() {
			continue
		}
		allDone := true
		for _, dep := range g.edges[id] {
			if g.completed[dep] {
				continue
			}
			if depTask, ok := g.nodes[dep]; !ok || depTask.Status != models.StatusComplete {
				allDone = false
				break
			}
		}
		if allDone {
			ready = append(ready, id)
		}
	}
	return ready
}

// MarkComplete records taskID as complete for future GetReady calls.
func (g *Graph) MarkComplete(taskID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.completed[taskID] = true
}

// GetTask returns the node for taskID, or nil.
func (g *Graph) GetTask(taskID string) *models.Task {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[taskID]
}

// Size returns the number of nodes in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the ids taskID depends on.
func (g *Graph) Dependencies(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return append([]string(nil), g.edges[taskID]...)
}

// Dependents returns the ids of tasks that depend on taskID.
func (g *Graph) Dependents(taskID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var dependents []string
	for id, deps := range g.edges {
		for _, dep := range deps {
			if dep == taskID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// CompletedIDs returns ids marked complete in the graph.
func (g *Graph) CompletedIDs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var ids []string
	for id, done := range g.completed {
		if done {
			ids = append(ids, id)
		}
	}
	return ids
}

// TransitiveReduction computes, for the current edge set, the subset of
// edges that are NOT implied by a longer path — i.e. the minimal
// equivalent DAG. It returns the edges to remove as (from, to) pairs;
// callers apply the removal to the store (plan-integration Pass 3).
// The graph itself is not mutated.
func (g *Graph) TransitiveReduction() [][2]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	// reachable[a][b] = true if a can reach b via some path of length >= 1.
	reachable := make(map[string]map[string]bool, len(g.nodes))
	var reaches func(id string) map[string]bool
	memo := make(map[string]map[string]bool)
	reaches = func(id string) map[string]bool {
		if m, ok := memo[id]; ok {
			return m
		}
		set := make(map[string]bool)
		memo[id] = set // break cycles defensively; graph is assumed acyclic
		for _, dep := range g.edges[id] {
			set[dep] = true
			for k := range reaches(dep) {
				set[k] = true
			}
		}
		return set
	}
	for id := range g.nodes {
		reachable[id] = reaches(id)
	}

	var toRemove [][2]string
	for id, deps := range g.edges {
		for _, dep := range deps {
			// Edge id->dep is redundant if some other dependency of id
			// can also reach dep.
			for _, other := range deps {
				if other == dep {
					continue
				}
				if reachable[other][dep] {
					toRemove = append(toRemove, [2]string{id, dep})
					break
				}
			}
		}
	}
	return toRemove
}
