package validation

import (
	"fmt"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// ValidateMerge checks that incoming nodes can be appended to existing.
//
// Every node needs an id and an agent type, ids must be unique across the
// existing graph and the batch, and every dependency must name a node of the
// same session: either already in the graph or elsewhere in the batch.
// Acyclicity is not required here.
func ValidateMerge(existing *tasks.Graph, incoming []*tasks.TaskNode) error {
	batch := make(map[string]bool, len(incoming))
	for _, n := range incoming {
		if n == nil {
			return newError(ErrInvalidTask, "", "", "nil task node")
		}
		if n.ID == "" {
			return newError(ErrInvalidTask, "", "", fmt.Sprintf("task %q has no id", n.Description))
		}
		if n.AgentType == "" {
			return newError(ErrInvalidTask, n.ID, "", fmt.Sprintf("task %s has no agent type", n.ID))
		}
		if n.Kind != "" && n.Kind != tasks.KindWork && n.Kind != tasks.KindReference {
			return newError(ErrInvalidTask, n.ID, "", fmt.Sprintf("task %s has unknown kind %q", n.ID, n.Kind))
		}
		if n.Status != "" && !n.Status.Valid() {
			return newError(ErrInvalidTask, n.ID, "", fmt.Sprintf("task %s has unknown status %q", n.ID, n.Status))
		}
		if batch[n.ID] || existing.Contains(n.ID) {
			return newError(ErrDuplicateTask, n.ID, "", "")
		}
		batch[n.ID] = true
	}

	for _, n := range incoming {
		for _, dep := range n.Dependencies {
			if batch[dep] || existing.Contains(dep) {
				continue
			}
			return newError(ErrDanglingDependency, n.ID, dep,
				fmt.Sprintf("task %s depends on %s which is not part of this session", n.ID, dep))
		}
	}
	return nil
}
