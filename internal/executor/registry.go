package executor

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Kocoro-lab/taskgraph/internal/metrics"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// RateLimit bounds how often one agent type may be invoked. A zero
// PerSecond disables limiting.
type RateLimit struct {
	PerSecond float64
	Burst     int
}

// Registry maps agent types to executors. Each agent type gets its own
// token bucket.
type Registry struct {
	mu        sync.RWMutex
	executors map[tasks.AgentType]Executor
	limiters  map[tasks.AgentType]*rate.Limiter
	limit     RateLimit
	logger    *zap.Logger
}

// NewRegistry creates an empty registry
func NewRegistry(limit RateLimit, logger *zap.Logger) *Registry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Registry{
		executors: make(map[tasks.AgentType]Executor),
		limiters:  make(map[tasks.AgentType]*rate.Limiter),
		limit:     limit,
		logger:    logger,
	}
}

// Register binds an executor to an agent type, replacing any previous one
func (r *Registry) Register(agentType tasks.AgentType, exec Executor) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.executors[agentType] = exec
	if r.limit.PerSecond > 0 {
		burst := r.limit.Burst
		if burst <= 0 {
			burst = 1
		}
		r.limiters[agentType] = rate.NewLimiter(rate.Limit(r.limit.PerSecond), burst)
	}
	r.logger.Debug("Registered executor", zap.String("agent_type", string(agentType)))
}

// Has reports whether an executor is registered for agentType
func (r *Registry) Has(agentType tasks.AgentType) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.executors[agentType]
	return ok
}

// AgentTypes returns the registered agent types in sorted order
func (r *Registry) AgentTypes() []tasks.AgentType {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]tasks.AgentType, 0, len(r.executors))
	for t := range r.executors {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Execute runs description on the executor registered for agentType, after
// waiting for the agent's rate limiter.
func (r *Registry) Execute(ctx context.Context, agentType tasks.AgentType, description string, ec Context) (interface{}, error) {
	r.mu.RLock()
	exec, ok := r.executors[agentType]
	limiter := r.limiters[agentType]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownExecutor, agentType)
	}

	if limiter != nil {
		if res := limiter.Reserve(); res.OK() {
			if delay := res.Delay(); delay > 0 {
				metrics.ExecutorRateLimited.WithLabelValues(string(agentType)).Inc()
				timer := time.NewTimer(delay)
				select {
				case <-ctx.Done():
					timer.Stop()
					res.Cancel()
					return nil, ctx.Err()
				case <-timer.C:
				}
			}
		}
	}

	return exec.Execute(ctx, description, ec)
}
