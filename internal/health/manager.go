package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Manager runs registered checks and aggregates their results
type Manager struct {
	checkers    map[string]Checker
	order       []string
	lastResults map[string]CheckResult
	logger      *zap.Logger
	mu          sync.RWMutex
}

// NewManager creates a new health manager
func NewManager(logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		checkers:    make(map[string]Checker),
		lastResults: make(map[string]CheckResult),
		logger:      logger,
	}
}

// RegisterChecker registers a health check under its name
func (m *Manager) RegisterChecker(checker Checker) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := checker.Name()
	if name == "" {
		return fmt.Errorf("checker name cannot be empty")
	}
	if _, exists := m.checkers[name]; exists {
		return fmt.Errorf("checker %s already registered", name)
	}

	m.checkers[name] = checker
	m.order = append(m.order, name)
	m.logger.Info("Health checker registered",
		zap.String("checker", name),
		zap.Bool("critical", checker.IsCritical()),
		zap.Duration("timeout", checker.Timeout()),
	)
	return nil
}

// Check runs every registered check concurrently and aggregates the results
func (m *Manager) Check(ctx context.Context) Report {
	start := time.Now()

	m.mu.RLock()
	checkers := make([]Checker, 0, len(m.order))
	for _, name := range m.order {
		checkers = append(checkers, m.checkers[name])
	}
	m.mu.RUnlock()

	results := make([]CheckResult, len(checkers))
	var wg sync.WaitGroup
	for i, c := range checkers {
		wg.Add(1)
		go func(i int, c Checker) {
			defer wg.Done()
			results[i] = runCheck(ctx, c)
		}(i, c)
	}
	wg.Wait()

	report := Report{
		Components: make(map[string]CheckResult, len(results)),
		Timestamp:  start,
	}
	for _, r := range results {
		report.Components[r.Component] = r
		report.Summary.Total++
		switch r.Status {
		case StatusHealthy:
			report.Summary.Healthy++
		case StatusDegraded:
			report.Summary.Degraded++
		default:
			report.Summary.Unhealthy++
		}
		if r.Critical {
			report.Summary.Critical++
		}
	}
	aggregate(&report)
	report.Duration = time.Since(start)

	m.mu.Lock()
	for name, r := range report.Components {
		m.lastResults[name] = r
	}
	m.mu.Unlock()

	if report.Status == StatusUnhealthy {
		m.logger.Warn("Health check failing", zap.String("message", report.Message))
	}
	return report
}

// LastResults returns the most recent result of each check
func (m *Manager) LastResults() map[string]CheckResult {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]CheckResult, len(m.lastResults))
	for k, v := range m.lastResults {
		out[k] = v
	}
	return out
}

// runCheck executes one check under its timeout and stamps the common fields
func runCheck(ctx context.Context, c Checker) CheckResult {
	checkCtx, cancel := context.WithTimeout(ctx, c.Timeout())
	defer cancel()

	start := time.Now()
	result := c.Check(checkCtx)
	result.Component = c.Name()
	result.Critical = c.IsCritical()
	result.Duration = time.Since(start)
	result.Timestamp = start
	return result
}

func aggregate(r *Report) {
	r.Live = true
	if r.Summary.Total == 0 {
		r.Status = StatusUnknown
		r.Message = "No health checks registered"
		r.Ready = true
		return
	}

	criticalFailures, otherFailures := 0, 0
	for _, c := range r.Components {
		if c.Status != StatusUnhealthy {
			continue
		}
		if c.Critical {
			criticalFailures++
		} else {
			otherFailures++
		}
	}

	switch {
	case criticalFailures > 0:
		r.Status = StatusUnhealthy
		r.Message = fmt.Sprintf("%d critical component(s) failing", criticalFailures)
	case r.Summary.Degraded > 0:
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%d component(s) degraded", r.Summary.Degraded)
		r.Ready = true
	case otherFailures > 0:
		r.Status = StatusDegraded
		r.Message = fmt.Sprintf("%d non-critical component(s) failing", otherFailures)
		r.Ready = true
	default:
		r.Status = StatusHealthy
		r.Message = fmt.Sprintf("All %d components healthy", r.Summary.Total)
		r.Ready = true
	}
}
