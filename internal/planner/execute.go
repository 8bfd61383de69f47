package planner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/executor"
	"github.com/Kocoro-lab/taskgraph/internal/metrics"
	"github.com/Kocoro-lab/taskgraph/internal/streaming"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
	"github.com/Kocoro-lab/taskgraph/internal/tracing"
	"github.com/Kocoro-lab/taskgraph/internal/validation"
)

// ExecutePlan makes one pass over nodes in the given order and executes each
// pending node whose dependencies have completed. A dependency completed
// earlier in the same pass counts; a node checked before its dependency runs
// stays pending. Non-pending nodes are skipped.
//
// Before anything is mutated, every pending node must exist in the session
// graph and name a registered agent type. Executor errors and panics mark
// the node failed with {"error": message} as its result and the pass moves
// on. The returned map holds the raw result of every node executed in the
// pass, failed ones included. Caller nodes are updated in place.
func (e *Engine) ExecutePlan(ctx context.Context, sessionID string, nodes []*tasks.TaskNode) (map[string]interface{}, error) {
	ctx, span := tracing.StartSessionSpan(ctx, "execute_plan", sessionID)
	defer span.End()

	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	targets := make([]*tasks.TaskNode, 0, len(nodes))
	callers := make([]*tasks.TaskNode, 0, len(nodes))
	for _, n := range nodes {
		if n == nil {
			continue
		}
		stored := g.Find(n.ID)
		if stored == nil {
			return nil, fmt.Errorf("%w: %s", ErrTaskNotFound, n.ID)
		}
		targets = append(targets, stored)
		callers = append(callers, n)
	}
	if err := e.checkExecutors(targets); err != nil {
		span.RecordError(err)
		return nil, err
	}

	results := make(map[string]interface{})
	for i, n := range targets {
		if n.Status != tasks.StatusPending {
			continue
		}
		if err := ctx.Err(); err != nil {
			return results, err
		}
		if !validation.IsReady(g, n) {
			metrics.SkippedNotReady.Inc()
			e.logger.Debug("Skipping task with incomplete dependencies",
				zap.String("session_id", sessionID),
				zap.String("task_id", n.ID),
			)
			continue
		}

		value, err := e.executeNode(ctx, sessionID, g, n)
		if n.Status == tasks.StatusCompleted || n.Status == tasks.StatusFailed {
			results[n.ID] = value
		}
		if callers[i] != n {
			*callers[i] = *n.Clone()
		}
		if err != nil {
			span.RecordError(err)
			return results, err
		}
	}
	return results, nil
}

// checkExecutors fails with ErrUnknownExecutor if any pending node names an
// agent type without a registered executor.
func (e *Engine) checkExecutors(nodes []*tasks.TaskNode) error {
	for _, n := range nodes {
		if n.Status != tasks.StatusPending {
			continue
		}
		if !e.executors.Has(n.AgentType) {
			return fmt.Errorf("%w: %q (task %s)", ErrUnknownExecutor, n.AgentType, n.ID)
		}
	}
	return nil
}

// executeNode runs one ready node and persists both of its transitions. The
// returned error is only set for store failures and cancellation; executor
// failures are recorded on the node.
func (e *Engine) executeNode(ctx context.Context, sessionID string, g *tasks.Graph, n *tasks.TaskNode) (interface{}, error) {
	prevStatus, prevUpdated, prevGraph := n.Status, n.UpdatedAt, g.UpdatedAt
	if err := n.Transition(tasks.StatusInProgress, e.now()); err != nil {
		return nil, err
	}
	g.UpdatedAt = n.UpdatedAt
	if err := e.sessions.SaveGraph(ctx, sessionID, g); err != nil {
		// Not persisted, so the node never started
		n.Status, n.UpdatedAt, g.UpdatedAt = prevStatus, prevUpdated, prevGraph
		return nil, err
	}
	e.publish(sessionID, streaming.Event{
		Type:      streaming.EventTaskStarted,
		TaskID:    n.ID,
		AgentType: string(n.AgentType),
	})

	ec, err := e.executionContext(sessionID, g, n)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	value, execErr := e.invoke(ctx, sessionID, n, ec)
	elapsed := time.Since(start)

	// Persist the outcome even if the caller gave up on the pass
	saveCtx := ctx
	if ctx.Err() != nil {
		saveCtx = context.WithoutCancel(ctx)
	}

	now := e.now()
	if execErr != nil {
		value = map[string]interface{}{"error": execErr.Error()}
		raw, _ := json.Marshal(value)
		_ = n.Transition(tasks.StatusFailed, now)
		n.SetResult(raw, now)
		metrics.RecordTaskExecution(string(n.AgentType), "failed", elapsed.Seconds())
		e.logger.Warn("Task failed",
			zap.String("session_id", sessionID),
			zap.String("task_id", n.ID),
			zap.String("agent_type", string(n.AgentType)),
			zap.Error(execErr),
		)
	} else {
		raw, err := json.Marshal(value)
		if err != nil {
			// A result that cannot be stored is a failed execution
			value = map[string]interface{}{"error": fmt.Sprintf("failed to encode result: %v", err)}
			raw, _ = json.Marshal(value)
			_ = n.Transition(tasks.StatusFailed, now)
			metrics.RecordTaskExecution(string(n.AgentType), "failed", elapsed.Seconds())
		} else {
			_ = n.Transition(tasks.StatusCompleted, now)
			metrics.RecordTaskExecution(string(n.AgentType), "completed", elapsed.Seconds())
		}
		n.SetResult(raw, now)
		e.logger.Info("Task completed",
			zap.String("session_id", sessionID),
			zap.String("task_id", n.ID),
			zap.String("agent_type", string(n.AgentType)),
			zap.Duration("duration", elapsed),
		)
	}
	// Dependents see the stored form, never the executor's own value
	var decoded interface{}
	if err := json.Unmarshal(n.Result, &decoded); err == nil {
		e.remember(sessionID, n.ID, n.Result, decoded)
	} else {
		e.forget(sessionID, n.ID)
	}
	g.UpdatedAt = now

	if err := e.sessions.SaveGraph(saveCtx, sessionID, g); err != nil {
		return value, err
	}

	evtType := streaming.EventTaskCompleted
	if n.Status == tasks.StatusFailed {
		evtType = streaming.EventTaskFailed
	}
	evt := streaming.Event{Type: evtType, TaskID: n.ID, AgentType: string(n.AgentType)}
	if execErr != nil {
		evt.Message = execErr.Error()
	}
	e.publish(sessionID, evt)

	return value, ctx.Err()
}

// executionContext collects the decoded results of n's dependencies from
// the persisted graph, in dependency-list order.
func (e *Engine) executionContext(sessionID string, g *tasks.Graph, n *tasks.TaskNode) (executor.Context, error) {
	ec := executor.Context{
		SessionID:        sessionID,
		TaskID:           n.ID,
		Tags:             append([]string(nil), n.Tags...),
		ReferenceType:    n.ReferenceType,
		KVSKey:           n.KVSKey,
		DependenciesUsed: make([]interface{}, 0, len(n.Dependencies)),
	}
	for _, dep := range n.Dependencies {
		d := g.Find(dep)
		if d == nil {
			continue
		}
		value, err := e.decodeResult(sessionID, d)
		if err != nil {
			return ec, err
		}
		ec.DependenciesUsed = append(ec.DependenciesUsed, value)
	}
	return ec, nil
}

// invoke calls the executor inside a recover boundary
func (e *Engine) invoke(ctx context.Context, sessionID string, n *tasks.TaskNode, ec executor.Context) (value interface{}, err error) {
	ctx, span := tracing.StartTaskSpan(ctx, sessionID, n.ID, string(n.AgentType))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Executor panicked",
				zap.String("task_id", n.ID),
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			value, err = nil, fmt.Errorf("%w: %v", ErrExecutorPanic, r)
		}
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	value, err = e.executors.Execute(ctx, n.AgentType, n.Description, ec)
	if errors.Is(err, ErrUnknownExecutor) {
		// Registration changed after pre-validation
		e.logger.Warn("Executor disappeared during pass", zap.String("agent_type", string(n.AgentType)))
	}
	return value, err
}
