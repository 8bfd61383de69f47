package planner

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/metrics"
	"github.com/Kocoro-lab/taskgraph/internal/streaming"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
	"github.com/Kocoro-lab/taskgraph/internal/tracing"
	"github.com/Kocoro-lab/taskgraph/internal/validation"
)

// RunReport summarizes a scheduler run
type RunReport struct {
	// Results holds the raw result of every node executed during the run
	Results map[string]interface{} `json:"results"`
	// Blocked lists nodes that were marked blocked because they can never run
	Blocked []validation.Stall `json:"blocked,omitempty"`
	// Waiting lists pending nodes still waiting on a runnable dependency.
	// It is only non-empty when the run was interrupted.
	Waiting []validation.Stall `json:"waiting,omitempty"`
	Rounds  int                `json:"rounds"`
}

// Run drains the session graph: it repeatedly executes every ready pending
// node in graph order until no pending node is ready. Pending nodes left
// behind whose dependencies failed, are blocked, are missing, or form a
// cycle are marked blocked with a reason.
func (e *Engine) Run(ctx context.Context, sessionID string) (*RunReport, error) {
	ctx, span := tracing.StartSessionSpan(ctx, "run", sessionID)
	defer span.End()

	g, _, err := e.sessions.LoadGraph(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if err := e.checkExecutors(g.Nodes()); err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &RunReport{Results: make(map[string]interface{})}
	defer func() { metrics.SchedulerRounds.Observe(float64(report.Rounds)) }()

	for {
		var ready []*tasks.TaskNode
		for _, n := range g.Nodes() {
			if n.Status == tasks.StatusPending && validation.IsReady(g, n) {
				ready = append(ready, n)
			}
		}
		if len(ready) == 0 {
			break
		}
		report.Rounds++

		for _, n := range ready {
			value, err := e.executeNode(ctx, sessionID, g, n)
			if n.Status == tasks.StatusCompleted || n.Status == tasks.StatusFailed {
				report.Results[n.ID] = value
			}
			if err != nil {
				span.RecordError(err)
				report.Waiting = validation.Diagnose(g)
				return report, err
			}
		}
	}

	stalls := validation.Diagnose(g)
	if len(stalls) == 0 {
		e.logger.Info("Run finished",
			zap.String("session_id", sessionID),
			zap.Int("executed", len(report.Results)),
			zap.Int("rounds", report.Rounds),
		)
		return report, nil
	}

	now := e.now()
	for _, s := range stalls {
		if !s.Permanent {
			// Nothing is runnable, so a non-permanent stall waits on an in-progress node
			report.Waiting = append(report.Waiting, s)
			continue
		}
		n := g.Find(s.TaskID)
		if err := n.Transition(tasks.StatusBlocked, now); err != nil {
			return report, err
		}
		n.BlockedReason = s.Reason
		report.Blocked = append(report.Blocked, s)
	}
	if len(report.Blocked) == 0 {
		return report, nil
	}

	g.UpdatedAt = now
	if err := e.sessions.SaveGraph(ctx, sessionID, g); err != nil {
		return report, fmt.Errorf("failed to persist blocked tasks: %w", err)
	}
	for _, s := range report.Blocked {
		n := g.Find(s.TaskID)
		metrics.TasksBlocked.Inc()
		e.publish(sessionID, streaming.Event{
			Type:      streaming.EventTaskBlocked,
			TaskID:    n.ID,
			AgentType: string(n.AgentType),
			Message:   s.Reason,
		})
	}
	e.logger.Warn("Run left tasks blocked",
		zap.String("session_id", sessionID),
		zap.Int("executed", len(report.Results)),
		zap.Int("blocked", len(report.Blocked)),
		zap.Int("waiting", len(report.Waiting)),
	)
	return report, nil
}
