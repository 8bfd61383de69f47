package validation

import (
	"fmt"
	"strings"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// Stall explains why a pending node is not ready.
type Stall struct {
	TaskID     string `json:"task_id"`
	Dependency string `json:"dependency,omitempty"`
	Reason     string `json:"reason"`
	// Permanent is true when the node can never become ready: a dependency
	// failed, is blocked, is missing, or sits on a dependency cycle.
	Permanent bool `json:"permanent"`
}

// IsReady reports whether every dependency of n is completed in g.
func IsReady(g *tasks.Graph, n *tasks.TaskNode) bool {
	for _, dep := range n.Dependencies {
		d := g.Find(dep)
		if d == nil || d.Status != tasks.StatusCompleted {
			return false
		}
	}
	return true
}

// Diagnose returns a Stall for every pending node of g that is not ready, in
// graph order. A pending node whose only unmet dependencies are themselves
// runnable (pending or in progress and not stalled permanently) is reported
// as a temporary wait.
func Diagnose(g *tasks.Graph) []Stall {
	nodes := g.Nodes()

	var pending []*tasks.TaskNode
	for _, n := range nodes {
		if n.Status == tasks.StatusPending {
			pending = append(pending, n)
		}
	}
	if len(pending) == 0 {
		return nil
	}

	deps := dependencyIndex(pending)
	permanent := make(map[string]Stall)

	// Cycle members first: they explain everything downstream of them
	cycles := DetectCyclicDependencies(pending)
	for _, id := range cycles.Stuck {
		if path := FindCyclePath(deps, id); len(path) > 0 {
			next := ""
			if len(path) > 1 {
				next = path[1]
			}
			permanent[id] = Stall{
				TaskID:     id,
				Dependency: next,
				Reason:     "dependency cycle: " + strings.Join(path, " -> "),
				Permanent:  true,
			}
		}
	}

	// Propagate until nothing changes; graphs hold tens of nodes
	for changed := true; changed; {
		changed = false
		for _, n := range pending {
			if _, done := permanent[n.ID]; done {
				continue
			}
			if s, ok := permanentCause(g, n, permanent); ok {
				permanent[n.ID] = s
				changed = true
			}
		}
	}

	var stalls []Stall
	for _, n := range pending {
		if s, ok := permanent[n.ID]; ok {
			stalls = append(stalls, s)
			continue
		}
		if IsReady(g, n) {
			continue
		}
		for _, dep := range n.Dependencies {
			d := g.Find(dep)
			if d.Status == tasks.StatusCompleted {
				continue
			}
			stalls = append(stalls, Stall{
				TaskID:     n.ID,
				Dependency: dep,
				Reason:     fmt.Sprintf("waiting on dependency %s (%s)", dep, d.Status),
			})
			break
		}
	}
	return stalls
}

func permanentCause(g *tasks.Graph, n *tasks.TaskNode, known map[string]Stall) (Stall, bool) {
	for _, dep := range n.Dependencies {
		d := g.Find(dep)
		switch {
		case d == nil:
			return Stall{TaskID: n.ID, Dependency: dep, Permanent: true,
				Reason: fmt.Sprintf("dependency %s does not exist", dep)}, true
		case d.Status == tasks.StatusFailed:
			return Stall{TaskID: n.ID, Dependency: dep, Permanent: true,
				Reason: fmt.Sprintf("dependency %s failed", dep)}, true
		case d.Status == tasks.StatusBlocked:
			return Stall{TaskID: n.ID, Dependency: dep, Permanent: true,
				Reason: fmt.Sprintf("dependency %s is blocked", dep)}, true
		}
		if _, stalled := known[dep]; stalled {
			return Stall{TaskID: n.ID, Dependency: dep, Permanent: true,
				Reason: fmt.Sprintf("dependency %s can never run", dep)}, true
		}
	}
	return Stall{}, false
}
