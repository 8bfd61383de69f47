package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
	"github.com/Kocoro-lab/taskgraph/internal/kv"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
)

// slowStore is the ping latency above which the store is reported degraded
const slowStore = 100 * time.Millisecond

// StoreHealthChecker pings the session store
type StoreHealthChecker struct {
	store   kv.Store
	backend string
	timeout time.Duration
}

// NewStoreHealthChecker creates a store health checker
func NewStoreHealthChecker(store kv.Store, backend string) *StoreHealthChecker {
	return &StoreHealthChecker{store: store, backend: backend, timeout: 5 * time.Second}
}

func (s *StoreHealthChecker) Name() string           { return "session_store" }
func (s *StoreHealthChecker) IsCritical() bool       { return true }
func (s *StoreHealthChecker) Timeout() time.Duration { return s.timeout }

func (s *StoreHealthChecker) Check(ctx context.Context) CheckResult {
	start := time.Now()
	err := s.store.Ping(ctx)
	latency := time.Since(start)

	result := CheckResult{
		Details: map[string]interface{}{
			"backend":    s.backend,
			"latency_ms": latency.Milliseconds(),
		},
	}
	switch {
	case err != nil:
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = fmt.Sprintf("%s ping failed", s.backend)
	case latency > slowStore:
		result.Status = StatusDegraded
		result.Message = fmt.Sprintf("%s responding but with high latency", s.backend)
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%s healthy", s.backend)
	}
	return result
}

// AgentLister is satisfied by the executor registry
type AgentLister interface {
	AgentTypes() []tasks.AgentType
}

// ExecutorHealthChecker verifies that the agent types plans rely on have executors
type ExecutorHealthChecker struct {
	registry AgentLister
	required []tasks.AgentType
}

// NewExecutorHealthChecker creates an executor checker. An empty required
// list only demands that some executor is registered.
func NewExecutorHealthChecker(registry AgentLister, required ...tasks.AgentType) *ExecutorHealthChecker {
	return &ExecutorHealthChecker{registry: registry, required: required}
}

func (e *ExecutorHealthChecker) Name() string           { return "executors" }
func (e *ExecutorHealthChecker) IsCritical() bool       { return true }
func (e *ExecutorHealthChecker) Timeout() time.Duration { return time.Second }

func (e *ExecutorHealthChecker) Check(ctx context.Context) CheckResult {
	registered := e.registry.AgentTypes()
	have := make(map[tasks.AgentType]bool, len(registered))
	names := make([]string, 0, len(registered))
	for _, a := range registered {
		have[a] = true
		names = append(names, string(a))
	}

	var missing []string
	for _, a := range e.required {
		if !have[a] {
			missing = append(missing, string(a))
		}
	}

	result := CheckResult{Details: map[string]interface{}{"agent_types": names}}
	switch {
	case len(registered) == 0:
		result.Status = StatusUnhealthy
		result.Message = "no executors registered"
	case len(missing) > 0:
		result.Status = StatusUnhealthy
		result.Message = "missing executors"
		result.Details["missing"] = missing
	default:
		result.Status = StatusHealthy
		result.Message = fmt.Sprintf("%d executor(s) registered", len(registered))
	}
	return result
}

// BreakerHealthChecker reports open circuit breakers as degraded
type BreakerHealthChecker struct {
	registry *circuitbreaker.Registry
}

// NewBreakerHealthChecker reads breaker states from registry, or from the
// default registry when nil
func NewBreakerHealthChecker(registry *circuitbreaker.Registry) *BreakerHealthChecker {
	if registry == nil {
		registry = circuitbreaker.Default
	}
	return &BreakerHealthChecker{registry: registry}
}

func (b *BreakerHealthChecker) Name() string           { return "circuit_breakers" }
func (b *BreakerHealthChecker) IsCritical() bool       { return false }
func (b *BreakerHealthChecker) Timeout() time.Duration { return time.Second }

func (b *BreakerHealthChecker) Check(ctx context.Context) CheckResult {
	snaps := b.registry.Snapshots()
	var open []string
	details := make(map[string]interface{}, len(snaps))
	for _, s := range snaps {
		details[s.Key()] = s.State.String()
		if s.State == circuitbreaker.StateOpen {
			open = append(open, s.Key())
			details[s.Key()+".open_since"] = s.OpenedAt.Format(time.RFC3339)
		}
	}

	if len(open) > 0 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("circuit breaker(s) open: %s", strings.Join(open, ", ")),
			Details: details,
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "all circuit breakers closed", Details: details}
}

// RemoteAgentHealthChecker probes the health endpoint of the remote agent service
type RemoteAgentHealthChecker struct {
	url    string
	client *circuitbreaker.HTTPWrapper
}

// NewRemoteAgentHealthChecker creates a checker that GETs url
func NewRemoteAgentHealthChecker(url string, client *circuitbreaker.HTTPWrapper) *RemoteAgentHealthChecker {
	return &RemoteAgentHealthChecker{url: url, client: client}
}

func (r *RemoteAgentHealthChecker) Name() string           { return "remote_agents" }
func (r *RemoteAgentHealthChecker) IsCritical() bool       { return false }
func (r *RemoteAgentHealthChecker) Timeout() time.Duration { return 5 * time.Second }

func (r *RemoteAgentHealthChecker) Check(ctx context.Context) CheckResult {
	result := CheckResult{Details: map[string]interface{}{"url": r.url}}
	if r.client.IsOpen() {
		result.Status = StatusUnhealthy
		result.Error = "circuit breaker open"
		result.Message = "remote agent circuit breaker is open"
		return result
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.url, nil)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		return result
	}
	resp, err := r.client.Do(req)
	if err != nil {
		result.Status = StatusUnhealthy
		result.Error = err.Error()
		result.Message = "remote agent service unreachable"
		return result
	}
	defer resp.Body.Close()

	result.Details["status_code"] = resp.StatusCode
	if resp.StatusCode >= 300 {
		result.Status = StatusUnhealthy
		result.Message = fmt.Sprintf("remote agent service returned %d", resp.StatusCode)
		return result
	}
	result.Status = StatusHealthy
	result.Message = "remote agent service healthy"
	return result
}
