// Package tasks defines the task graph data model shared by the planner, the
// session repository and the executors.
package tasks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrInvalidTransition is returned for a status change the lifecycle forbids
var ErrInvalidTransition = errors.New("invalid status transition")

// Status is the lifecycle state of a task node
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	// StatusBlocked marks a node that can never become ready (failed or
	// blocked dependency, dependency cycle, missing dependency).
	StatusBlocked Status = "blocked"
)

// Valid reports whether s is a known status
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusInProgress, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// IsTerminal reports whether no further transition is possible from s
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal lifecycle transition.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusInProgress || to == StatusBlocked
	case StatusInProgress:
		return to == StatusCompleted || to == StatusFailed
	default:
		return false
	}
}

// AgentType selects the executor that handles a node
type AgentType string

const (
	AgentWeb    AgentType = "web"
	AgentCoder  AgentType = "coder"
	AgentCasual AgentType = "casual"
	AgentFile   AgentType = "file"
)

// Kind discriminates ordinary work nodes from information-reference nodes
type Kind string

const (
	KindWork      Kind = "work"
	KindReference Kind = "reference"
)

// ReferenceType is the sub-kind of a reference node
type ReferenceType string

const (
	ReferenceKVSDocument ReferenceType = "kvs_document"
	ReferenceWebSearch   ReferenceType = "web_search"
	ReferenceFileRead    ReferenceType = "file_read"
)

// Schema identifiers recorded on nodes, one per kind.
const (
	SchemaDailyTask     = "daily_task_schema"
	SchemaInfoReference = "info_reference_schema"
)

// TaskNode is one unit of plannable and executable work.
type TaskNode struct {
	ID            string          `json:"id" yaml:"id"`
	Kind          Kind            `json:"kind" yaml:"kind"`
	AgentType     AgentType       `json:"agent_type" yaml:"agent_type"`
	Description   string          `json:"description" yaml:"description"`
	Dependencies  []string        `json:"dependencies" yaml:"dependencies"`
	Tags          []string        `json:"tags" yaml:"tags"`
	SchemaID      string          `json:"schema_id,omitempty" yaml:"schema_id,omitempty"`
	ReferenceType ReferenceType   `json:"reference_type,omitempty" yaml:"reference_type,omitempty"`
	KVSKey        string          `json:"kvs_key,omitempty" yaml:"kvs_key,omitempty"`
	Status        Status          `json:"status" yaml:"status,omitempty"`
	Result        json.RawMessage `json:"result,omitempty" yaml:"-"`
	BlockedReason string          `json:"blocked_reason,omitempty" yaml:"-"`
	CreatedAt     time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt     time.Time       `json:"updated_at" yaml:"-"`
}

// NewWorkTask creates a pending work node with a generated id.
func NewWorkTask(agent AgentType, description string, deps ...string) *TaskNode {
	return &TaskNode{
		ID:           NewTaskID("task"),
		Kind:         KindWork,
		AgentType:    agent,
		Description:  description,
		Dependencies: deps,
		SchemaID:     SchemaDailyTask,
		Status:       StatusPending,
	}
}

// NewReferenceTask creates a pending information-reference node with a generated id.
func NewReferenceTask(agent AgentType, ref ReferenceType, description string, deps ...string) *TaskNode {
	return &TaskNode{
		ID:            NewTaskID("info"),
		Kind:          KindReference,
		AgentType:     agent,
		Description:   description,
		Dependencies:  deps,
		SchemaID:      SchemaInfoReference,
		ReferenceType: ref,
		Status:        StatusPending,
	}
}

// NewTaskID returns "<prefix>_" followed by eight hex characters of a random uuid.
func NewTaskID(prefix string) string {
	hex := strings.ReplaceAll(uuid.New().String(), "-", "")
	return fmt.Sprintf("%s_%s", prefix, hex[:8])
}

// IsReference reports whether the node is an information-reference node
func (n *TaskNode) IsReference() bool {
	return n.Kind == KindReference
}

// Normalize fills in defaults for a freshly drafted node: kind, schema id,
// pending status and creation timestamps.
func (n *TaskNode) Normalize(now time.Time) {
	if n.Kind == "" {
		if n.ReferenceType != "" {
			n.Kind = KindReference
		} else {
			n.Kind = KindWork
		}
	}
	if n.SchemaID == "" {
		if n.Kind == KindReference {
			n.SchemaID = SchemaInfoReference
		} else {
			n.SchemaID = SchemaDailyTask
		}
	}
	if n.Status == "" {
		n.Status = StatusPending
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.UpdatedAt.IsZero() {
		n.UpdatedAt = n.CreatedAt
	}
}

// Transition moves the node to status `to`, refreshing UpdatedAt. It fails
// without mutating the node if the transition is not allowed.
func (n *TaskNode) Transition(to Status, now time.Time) error {
	if !CanTransition(n.Status, to) {
		return fmt.Errorf("%w for %q: %s -> %s", ErrInvalidTransition, n.ID, n.Status, to)
	}
	n.Status = to
	n.UpdatedAt = now
	return nil
}

// SetResult stores a serialized result and refreshes UpdatedAt.
func (n *TaskNode) SetResult(result json.RawMessage, now time.Time) {
	n.Result = result
	n.UpdatedAt = now
}

// Clone returns a deep copy of the node
func (n *TaskNode) Clone() *TaskNode {
	if n == nil {
		return nil
	}
	c := *n
	if n.Dependencies != nil {
		c.Dependencies = append([]string(nil), n.Dependencies...)
	}
	if n.Tags != nil {
		c.Tags = append([]string(nil), n.Tags...)
	}
	if n.Result != nil {
		c.Result = append(json.RawMessage(nil), n.Result...)
	}
	return &c
}

// Schemas is the per-session schema metadata document.
type Schemas struct {
	DailyTaskSchema     map[string]interface{} `json:"daily_task_schema" yaml:"daily_task_schema"`
	InfoReferenceSchema map[string]interface{} `json:"info_reference_schema" yaml:"info_reference_schema"`
	CreatedAt           time.Time              `json:"created_at" yaml:"-"`
	UpdatedAt           time.Time              `json:"updated_at" yaml:"-"`
}

// HearingNotes is the free-text notes document gathered before planning.
type HearingNotes struct {
	SessionID string    `json:"session_id"`
	Content   string    `json:"hearing_result"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
