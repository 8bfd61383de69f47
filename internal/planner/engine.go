// Package planner is the task graph engine: it turns instructions into task
// nodes, merges them into the session graph, and executes nodes whose
// dependencies have completed.
package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/executor"
	"github.com/Kocoro-lab/taskgraph/internal/metrics"
	"github.com/Kocoro-lab/taskgraph/internal/session"
	"github.com/Kocoro-lab/taskgraph/internal/streaming"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
	"github.com/Kocoro-lab/taskgraph/internal/tracing"
	"github.com/Kocoro-lab/taskgraph/internal/validation"
)

var (
	// ErrUnknownExecutor is returned before any mutation when a node names
	// an agent type with no registered executor
	ErrUnknownExecutor = executor.ErrUnknownExecutor

	// ErrTaskNotFound is returned when a node id is not part of the session graph
	ErrTaskNotFound = errors.New("task not found in session graph")

	// ErrExecutorPanic wraps a panic recovered from an executor
	ErrExecutorPanic = errors.New("executor panicked")
)

// Interpreter turns an instruction into draft nodes. Dependencies of the
// returned nodes may only reference nodes in the same batch or already in
// the session graph.
type Interpreter interface {
	Interpret(ctx context.Context, instruction, notes string, schemas *tasks.Schemas) ([]*tasks.TaskNode, error)
}

// Executors runs a description on the agent registered for an agent type.
type Executors interface {
	Execute(ctx context.Context, agentType tasks.AgentType, description string, ec executor.Context) (interface{}, error)
	Has(agentType tasks.AgentType) bool
}

// Engine plans and executes session task graphs. The persisted graph is the
// source of truth for node status and results; the engine keeps only a memo
// of decoded results.
type Engine struct {
	sessions    *session.Manager
	interpreter Interpreter
	executors   Executors
	events      *streaming.Manager
	logger      *zap.Logger
	now         func() time.Time

	mu    sync.Mutex
	cache map[string]map[string]cachedResult
}

type cachedResult struct {
	raw   string
	value interface{}
}

// Option configures an Engine
type Option func(*Engine)

// WithLogger sets the engine logger
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithEvents publishes task lifecycle events to m
func WithEvents(m *streaming.Manager) Option {
	return func(e *Engine) { e.events = m }
}

// WithClock overrides the time source used for node timestamps
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates an engine over a session manager, an interpreter and an
// executor registry.
func NewEngine(sessions *session.Manager, interpreter Interpreter, executors Executors, opts ...Option) *Engine {
	e := &Engine{
		sessions:    sessions,
		interpreter: interpreter,
		executors:   executors,
		logger:      zap.NewNop(),
		now:         func() time.Time { return time.Now().UTC() },
		cache:       make(map[string]map[string]cachedResult),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// CreateTaskPlan interprets instruction against the session's hearing notes
// and schemas, appends the resulting nodes to the session graph and returns
// only the new nodes.
func (e *Engine) CreateTaskPlan(ctx context.Context, sessionID, instruction string) ([]*tasks.TaskNode, error) {
	ctx, span := tracing.StartSessionSpan(ctx, "create_task_plan", sessionID)
	defer span.End()

	nodes, err := e.createTaskPlan(ctx, sessionID, instruction)
	if err != nil {
		metrics.PlansCreated.WithLabelValues("error").Inc()
		span.RecordError(err)
		return nil, err
	}
	metrics.PlansCreated.WithLabelValues("success").Inc()
	return nodes, nil
}

func (e *Engine) createTaskPlan(ctx context.Context, sessionID, instruction string) ([]*tasks.TaskNode, error) {
	if err := session.ValidateID(sessionID); err != nil {
		return nil, err
	}

	var notes string
	hearing, err := e.sessions.GetHearingNotes(ctx, sessionID)
	switch {
	case err == nil:
		notes = hearing.Content
	case !errors.Is(err, session.ErrNotFound):
		return nil, fmt.Errorf("failed to read hearing notes: %w", err)
	}

	schemas, err := e.sessions.GetSchemas(ctx, sessionID)
	if err != nil {
		if !errors.Is(err, session.ErrNotFound) {
			return nil, fmt.Errorf("failed to read task schemas: %w", err)
		}
		schemas = &tasks.Schemas{}
	}

	drafts, err := e.interpreter.Interpret(ctx, instruction, notes, schemas)
	if err != nil {
		return nil, fmt.Errorf("failed to interpret instruction: %w", err)
	}

	created, err := e.merge(ctx, sessionID, drafts, "plan")
	if err != nil {
		return nil, err
	}

	e.publish(sessionID, streaming.Event{
		Type:    streaming.EventPlanCreated,
		Message: fmt.Sprintf("%d task(s) planned", len(created)),
	})
	e.logger.Info("Created task plan",
		zap.String("session_id", sessionID),
		zap.Int("nodes", len(created)),
	)
	return created, nil
}

// UpdatePlanDynamically appends caller-supplied nodes to the session graph
// with the same merge rules as plan creation. Nothing is executed.
func (e *Engine) UpdatePlanDynamically(ctx context.Context, sessionID string, nodes []*tasks.TaskNode) error {
	ctx, span := tracing.StartSessionSpan(ctx, "update_plan", sessionID)
	defer span.End()

	if err := session.ValidateID(sessionID); err != nil {
		return err
	}
	added, err := e.merge(ctx, sessionID, nodes, "update")
	if err != nil {
		span.RecordError(err)
		return err
	}

	metrics.PlanUpdates.Inc()
	e.publish(sessionID, streaming.Event{
		Type:    streaming.EventPlanUpdated,
		Message: fmt.Sprintf("%d task(s) appended", len(added)),
	})
	e.logger.Info("Updated task plan",
		zap.String("session_id", sessionID),
		zap.Int("nodes", len(added)),
	)
	return nil
}

// merge validates drafts against the persisted graph, appends them and
// writes the graph back in one Set. Drafts are copied; the copies are
// returned.
func (e *Engine) merge(ctx context.Context, sessionID string, drafts []*tasks.TaskNode, source string) ([]*tasks.TaskNode, error) {
	now := e.now()

	nodes := make([]*tasks.TaskNode, 0, len(drafts))
	for _, d := range drafts {
		if d == nil {
			return nil, fmt.Errorf("%w: nil task node", validation.ErrInvalidTask)
		}
		n := d.Clone()
		n.Normalize(now)
		nodes = append(nodes, n)
	}

	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := validation.ValidateMerge(g, nodes); err != nil {
		return nil, err
	}
	if len(nodes) == 0 {
		return nodes, nil
	}

	g.Append(now, nodes...)
	if err := e.sessions.SaveGraph(ctx, sessionID, g); err != nil {
		return nil, err
	}

	for _, n := range nodes {
		metrics.NodesAppended.WithLabelValues(source, string(n.Kind)).Inc()
	}
	metrics.GraphSize.Observe(float64(g.Len()))

	out := make([]*tasks.TaskNode, len(nodes))
	for i, n := range nodes {
		out[i] = n.Clone()
	}
	return out, nil
}

// IsReady reports whether every dependency of node has completed in the
// persisted session graph. A node without dependencies is always ready.
func (e *Engine) IsReady(ctx context.Context, sessionID string, node *tasks.TaskNode) (bool, error) {
	if len(node.Dependencies) == 0 {
		return true, nil
	}
	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return validation.IsReady(g, node), nil
}

// GetTaskStatus returns the persisted graph. A session without a graph
// yields an empty graph.
func (e *Engine) GetTaskStatus(ctx context.Context, sessionID string) (*tasks.Graph, error) {
	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	return g, err
}

// Diagnose explains why each pending node of the session is not ready
func (e *Engine) Diagnose(ctx context.Context, sessionID string) ([]validation.Stall, error) {
	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return validation.Diagnose(g), nil
}

// UpdateTaskStatus applies a manual status change to one node. Only
// lifecycle transitions are accepted. A non-nil result is stored on the
// node; for blocked nodes a string result becomes the blocked reason.
func (e *Engine) UpdateTaskStatus(ctx context.Context, sessionID, taskID string, status tasks.Status, result interface{}) (*tasks.TaskNode, error) {
	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	n := g.Find(taskID)
	if n == nil {
		return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, taskID)
	}

	now := e.now()
	if err := n.Transition(status, now); err != nil {
		return nil, err
	}
	if reason, ok := result.(string); ok && status == tasks.StatusBlocked {
		n.BlockedReason = reason
	} else if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return nil, fmt.Errorf("failed to encode task result: %w", err)
		}
		n.SetResult(raw, now)
	}
	g.UpdatedAt = now

	if err := e.sessions.SaveGraph(ctx, sessionID, g); err != nil {
		return nil, err
	}
	e.forget(sessionID, taskID)

	e.publish(sessionID, streaming.Event{
		Type:      eventForStatus(status),
		TaskID:    n.ID,
		AgentType: string(n.AgentType),
		Message:   "manual status update",
	})
	e.logger.Info("Updated task status",
		zap.String("session_id", sessionID),
		zap.String("task_id", taskID),
		zap.String("status", string(status)),
	)
	return n.Clone(), nil
}

// DeleteSession removes every document of the session and drops its cached
// results and event history.
func (e *Engine) DeleteSession(ctx context.Context, sessionID string) error {
	if err := e.sessions.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.cache, sessionID)
	e.mu.Unlock()

	if e.events != nil {
		e.events.Forget(sessionID)
	}
	return nil
}

// CachedResult returns the memoized decoded result of a node, if the engine
// has decoded or produced one in this process.
func (e *Engine) CachedResult(sessionID, taskID string) (interface{}, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	c, ok := e.cache[sessionID][taskID]
	if !ok {
		return nil, false
	}
	return copyDecoded(c.value), true
}

// decodeResult returns the decoded result of a persisted node, reusing the
// memo while the persisted bytes are unchanged. Each caller gets its own
// copy so a dependent cannot alter what the next one sees.
func (e *Engine) decodeResult(sessionID string, n *tasks.TaskNode) (interface{}, error) {
	if len(n.Result) == 0 {
		return nil, nil
	}

	e.mu.Lock()
	c, ok := e.cache[sessionID][n.ID]
	e.mu.Unlock()
	if ok && c.raw == string(n.Result) {
		return copyDecoded(c.value), nil
	}

	var value interface{}
	if err := json.Unmarshal(n.Result, &value); err != nil {
		return nil, fmt.Errorf("failed to decode result of %s: %w", n.ID, err)
	}
	e.remember(sessionID, n.ID, n.Result, value)
	return copyDecoded(value), nil
}

// copyDecoded deep-copies a value produced by json.Unmarshal into an
// interface{}; only maps and slices need copying.
func copyDecoded(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			out[k] = copyDecoded(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			out[i] = copyDecoded(item)
		}
		return out
	default:
		return v
	}
}

func (e *Engine) remember(sessionID, taskID string, raw json.RawMessage, value interface{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	byTask := e.cache[sessionID]
	if byTask == nil {
		byTask = make(map[string]cachedResult)
		e.cache[sessionID] = byTask
	}
	byTask[taskID] = cachedResult{raw: string(raw), value: value}
}

func (e *Engine) forget(sessionID, taskID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.cache[sessionID], taskID)
}

func (e *Engine) publish(sessionID string, evt streaming.Event) {
	if e.events == nil {
		return
	}
	if evt.Timestamp.IsZero() {
		evt.Timestamp = e.now()
	}
	e.events.Publish(sessionID, evt)
}

func eventForStatus(status tasks.Status) string {
	switch status {
	case tasks.StatusInProgress:
		return streaming.EventTaskStarted
	case tasks.StatusCompleted:
		return streaming.EventTaskCompleted
	case tasks.StatusFailed:
		return streaming.EventTaskFailed
	case tasks.StatusBlocked:
		return streaming.EventTaskBlocked
	default:
		return streaming.EventPlanUpdated
	}
}
