// Package executor runs task descriptions on agents. The planner looks up an
// agent by the node's agent type and hands it the description together with
// the results of the node's dependencies.
package executor

import (
	"context"
	"errors"

	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// ErrUnknownExecutor is returned when no agent is registered for an agent type
var ErrUnknownExecutor = errors.New("no executor registered for agent type")

// Context is the bundle handed to an agent alongside the description.
// DependenciesUsed holds the decoded dependency results in the order the
// node lists its dependencies.
type Context struct {
	SessionID        string              `json:"session_id"`
	TaskID           string              `json:"task_id"`
	Tags             []string            `json:"tags,omitempty"`
	ReferenceType    tasks.ReferenceType `json:"reference_type,omitempty"`
	KVSKey           string              `json:"kvs_key,omitempty"`
	DependenciesUsed []interface{}       `json:"dependencies_used"`
}

// Executor performs one task. The returned value must be JSON-serializable.
type Executor interface {
	Execute(ctx context.Context, description string, ec Context) (interface{}, error)
}

// Func adapts a function to the Executor interface
type Func func(ctx context.Context, description string, ec Context) (interface{}, error)

// Execute calls f
func (f Func) Execute(ctx context.Context, description string, ec Context) (interface{}, error) {
	return f(ctx, description, ec)
}
