// Package validation checks task graphs before they are merged and explains
// why pending nodes cannot run.
package validation

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// CycleDetectionResult contains the result of cycle detection
type CycleDetectionResult struct {
	HasCycle     bool
	CyclePath    []string // IDs along one cycle, first id repeated at the end
	Stuck        []string // every node left with unresolved edges (cycle members and their dependents)
	SortedOrder  []string // Topological order (if no cycle)
	ErrorMessage string
}

// DetectCyclicDependencies runs Kahn's algorithm over the dependency edges
// between the given nodes. Dependencies on ids outside the set are ignored;
// a self-dependency counts as a cycle because such a node can never run.
func DetectCyclicDependencies(nodes []*tasks.TaskNode) CycleDetectionResult {
	if len(nodes) == 0 {
		return CycleDetectionResult{HasCycle: false, SortedOrder: []string{}}
	}

	inDegree := make(map[string]int, len(nodes))
	graph := make(map[string][]string, len(nodes)) // dependency -> dependents
	order := make([]string, 0, len(nodes))

	for _, n := range nodes {
		if _, exists := inDegree[n.ID]; exists {
			continue
		}
		inDegree[n.ID] = 0
		graph[n.ID] = []string{}
		order = append(order, n.ID)
	}

	for _, n := range nodes {
		for _, dep := range n.Dependencies {
			if _, known := inDegree[dep]; !known {
				continue
			}
			graph[dep] = append(graph[dep], n.ID)
			inDegree[n.ID]++
		}
	}

	// Seed in input order so the sorted order is deterministic
	queue := []string{}
	for _, id := range order {
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	sortedOrder := []string{}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		sortedOrder = append(sortedOrder, current)

		for _, dependent := range graph[current] {
			inDegree[dependent]--
			if inDegree[dependent] == 0 {
				queue = append(queue, dependent)
			}
		}
	}

	if len(sortedOrder) == len(order) {
		return CycleDetectionResult{HasCycle: false, SortedOrder: sortedOrder}
	}

	stuck := []string{}
	for _, id := range order {
		if inDegree[id] > 0 {
			stuck = append(stuck, id)
		}
	}

	deps := dependencyIndex(nodes)
	var cyclePath []string
	for _, id := range stuck {
		if p := FindCyclePath(deps, id); len(p) > 0 {
			cyclePath = p
			break
		}
	}
	if cyclePath == nil {
		cyclePath = stuck
	}

	return CycleDetectionResult{
		HasCycle:     true,
		CyclePath:    cyclePath,
		Stuck:        stuck,
		ErrorMessage: fmt.Sprintf("circular dependency detected involving tasks: %s", strings.Join(cyclePath, " -> ")),
	}
}

// FindCyclePath returns a dependency path that starts and ends at start, or
// nil when start is not on a cycle. deps maps a node id to its dependency ids.
func FindCyclePath(deps map[string][]string, start string) []string {
	visited := make(map[string]bool)

	var dfs func(node string, path []string) []string
	dfs = func(node string, path []string) []string {
		for _, next := range sortedCopy(deps[node]) {
			if next == start {
				return append(append([]string{}, path...), start)
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if found := dfs(next, append(path, next)); found != nil {
				return found
			}
		}
		return nil
	}

	return dfs(start, []string{start})
}

func dependencyIndex(nodes []*tasks.TaskNode) map[string][]string {
	deps := make(map[string][]string, len(nodes))
	for _, n := range nodes {
		deps[n.ID] = n.Dependencies
	}
	return deps
}

func sortedCopy(ids []string) []string {
	out := append([]string(nil), ids...)
	sort.Strings(out)
	return out
}
