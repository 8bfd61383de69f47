// Package circuitbreaker guards calls to the session store and to remote
// agents so that a failing dependency fails fast instead of stalling a plan.
package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State is the position of a breaker in its closed, half-open, open cycle
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

var (
	// ErrOpen is returned without calling through while the breaker is open
	ErrOpen = errors.New("circuit breaker is open")
	// ErrHalfOpenLimit is returned when the half-open probe budget is spent
	ErrHalfOpenLimit = errors.New("too many requests in half-open state")
)

// Counts are the request statistics of the current breaker generation
type Counts struct {
	Requests             uint32 `json:"requests"`
	TotalSuccesses       uint32 `json:"total_successes"`
	TotalFailures        uint32 `json:"total_failures"`
	ConsecutiveSuccesses uint32 `json:"consecutive_successes"`
	ConsecutiveFailures  uint32 `json:"consecutive_failures"`
}

// Transition describes one state change
type Transition struct {
	Name    string
	Service string
	From    State
	To      State
	At      time.Time
}

// Option customizes a Breaker
type Option func(*Breaker)

// WithClock replaces time.Now
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnTransition registers fn to be called after every state change. fn runs
// outside the breaker lock.
func OnTransition(fn func(Transition)) Option {
	return func(b *Breaker) { b.listeners = append(b.listeners, fn) }
}

// Breaker trips open after FailureThreshold consecutive failures, rejects
// calls for Timeout, then lets up to MaxRequests probes through. Every
// state change starts a new generation; results reported for an older
// generation are dropped.
type Breaker struct {
	name      string
	service   string
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time
	listeners []func(Transition)

	mu         sync.Mutex
	state      State
	generation uint64
	counts     Counts
	expiry     time.Time
	openedAt   time.Time
}

// New creates a closed breaker. Zero settings take DefaultSettings values.
func New(name, service string, settings Settings, logger *zap.Logger, opts ...Option) *Breaker {
	if logger == nil {
		logger = zap.NewNop()
	}
	b := &Breaker{
		name:     name,
		service:  service,
		settings: settings.Merge(DefaultSettings()),
		logger:   logger,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(b)
	}
	b.renew(b.now())
	stateGauge.WithLabelValues(name, service).Set(float64(StateClosed))
	return b
}

// Do calls fn unless the breaker rejects the call. A context that is
// already done is returned as-is and does not count against the breaker. A
// panic in fn counts as a failure and is re-raised.
func (b *Breaker) Do(ctx context.Context, fn func(context.Context) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	generation, state, err := b.admit()
	if err != nil {
		requestsTotal.WithLabelValues(b.name, b.service, state.String(), "rejected").Inc()
		return err
	}

	succeeded := false
	defer func() {
		b.settle(generation, state, succeeded)
	}()

	err = fn(ctx)
	succeeded = err == nil
	return err
}

// Name returns the breaker name used in logs and metrics
func (b *Breaker) Name() string { return b.name }

// Service returns the dependency the breaker guards
func (b *Breaker) Service() string { return b.service }

// State returns the current state, applying any transition that is due
func (b *Breaker) State() State {
	return b.Snapshot().State
}

// Snapshot returns a consistent view of the breaker
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	fired := b.advance(b.now())
	snap := Snapshot{
		Name:     b.name,
		Service:  b.service,
		State:    b.state,
		Counts:   b.counts,
		OpenedAt: b.openedAt,
	}
	b.mu.Unlock()

	b.notify(fired)
	return snap
}

func (b *Breaker) admit() (uint64, State, error) {
	b.mu.Lock()
	fired := b.advance(b.now())
	state, generation := b.state, b.generation

	var err error
	switch {
	case state == StateOpen:
		err = ErrOpen
	case state == StateHalfOpen && b.counts.Requests >= b.settings.MaxRequests:
		err = ErrHalfOpenLimit
	default:
		b.counts.Requests++
	}
	b.mu.Unlock()

	b.notify(fired)
	return generation, state, err
}

func (b *Breaker) settle(generation uint64, admittedIn State, succeeded bool) {
	result := "success"
	if !succeeded {
		result = "failure"
		failuresTotal.WithLabelValues(b.name, b.service).Inc()
	}
	requestsTotal.WithLabelValues(b.name, b.service, admittedIn.String(), result).Inc()

	b.mu.Lock()
	now := b.now()
	fired := b.advance(now)
	if generation == b.generation {
		if succeeded {
			fired = append(fired, b.recordSuccess(now)...)
		} else {
			fired = append(fired, b.recordFailure(now)...)
		}
	}
	b.mu.Unlock()

	b.notify(fired)
}

// advance applies time based transitions. Callers hold b.mu.
func (b *Breaker) advance(now time.Time) []Transition {
	switch b.state {
	case StateClosed:
		if !b.expiry.IsZero() && now.After(b.expiry) {
			b.renew(now)
		}
	case StateOpen:
		if now.After(b.expiry) {
			return b.moveTo(StateHalfOpen, now)
		}
	}
	return nil
}

func (b *Breaker) recordSuccess(now time.Time) []Transition {
	b.counts.TotalSuccesses++
	b.counts.ConsecutiveSuccesses++
	b.counts.ConsecutiveFailures = 0
	if b.state == StateHalfOpen && b.counts.ConsecutiveSuccesses >= b.settings.SuccessThreshold {
		return b.moveTo(StateClosed, now)
	}
	return nil
}

func (b *Breaker) recordFailure(now time.Time) []Transition {
	b.counts.TotalFailures++
	b.counts.ConsecutiveFailures++
	b.counts.ConsecutiveSuccesses = 0
	switch b.state {
	case StateClosed:
		if b.counts.ConsecutiveFailures >= b.settings.FailureThreshold {
			return b.moveTo(StateOpen, now)
		}
	case StateHalfOpen:
		return b.moveTo(StateOpen, now)
	}
	return nil
}

func (b *Breaker) moveTo(to State, now time.Time) []Transition {
	from := b.state
	b.state = to
	if to == StateOpen {
		b.openedAt = now
	} else {
		b.openedAt = time.Time{}
	}
	b.renew(now)
	return []Transition{{Name: b.name, Service: b.service, From: from, To: to, At: now}}
}

// renew starts a new generation and sets the expiry of the current state
func (b *Breaker) renew(now time.Time) {
	b.generation++
	b.counts = Counts{}

	switch b.state {
	case StateClosed:
		b.expiry = time.Time{}
		if b.settings.Interval > 0 {
			b.expiry = now.Add(b.settings.Interval)
		}
	case StateOpen:
		b.expiry = now.Add(b.settings.Timeout)
	default:
		b.expiry = time.Time{}
	}
}

func (b *Breaker) notify(fired []Transition) {
	for _, t := range fired {
		stateGauge.WithLabelValues(t.Name, t.Service).Set(float64(t.To))
		stateChangesTotal.WithLabelValues(t.Name, t.Service, t.From.String(), t.To.String()).Inc()
		if t.To == StateOpen {
			openSinceGauge.WithLabelValues(t.Name, t.Service).Set(float64(t.At.Unix()))
		} else if t.From == StateOpen {
			openSinceGauge.WithLabelValues(t.Name, t.Service).Set(0)
		}

		b.logger.Info("Circuit breaker state changed",
			zap.String("name", t.Name),
			zap.String("service", t.Service),
			zap.String("from", t.From.String()),
			zap.String("to", t.To.String()),
		)
		for _, fn := range b.listeners {
			fn(t)
		}
	}
}
