package circuitbreaker

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	stateGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgraph_circuit_breaker_state",
			Help: "Current state of circuit breaker (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name", "service"},
	)

	requestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_circuit_breaker_requests_total",
			Help: "Requests through circuit breakers by admitting state and result (success, failure, rejected)",
		},
		[]string{"name", "service", "state", "result"},
	)

	failuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_circuit_breaker_failures_total",
			Help: "Total number of failures in circuit breaker",
		},
		[]string{"name", "service"},
	)

	stateChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_circuit_breaker_state_changes_total",
			Help: "Total number of state changes in circuit breaker",
		},
		[]string{"name", "service", "from_state", "to_state"},
	)

	openSinceGauge = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskgraph_circuit_breaker_open_since_seconds",
			Help: "Unix time the circuit breaker entered open state (0 if not open)",
		},
		[]string{"name", "service"},
	)
)

// Snapshot is a point-in-time view of one breaker
type Snapshot struct {
	Name     string    `json:"name"`
	Service  string    `json:"service"`
	State    State     `json:"-"`
	Counts   Counts    `json:"counts"`
	OpenedAt time.Time `json:"opened_at,omitempty"`
}

// Key identifies the breaker as service:name
func (s Snapshot) Key() string {
	return s.Service + ":" + s.Name
}

// Registry tracks breakers for health reporting and gauge refreshes
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{breakers: make(map[string]*Breaker)}
}

// Default holds every breaker created by the store and HTTP wrappers
var Default = NewRegistry()

// Register adds b, replacing a breaker with the same service and name
func (r *Registry) Register(b *Breaker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.breakers[b.Service()+":"+b.Name()] = b
}

// Snapshots returns every registered breaker ordered by key
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mu.RUnlock()

	out := make([]Snapshot, 0, len(breakers))
	for _, b := range breakers {
		out = append(out, b.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key() < out[j].Key() })
	return out
}

// Refresh sets the state gauge of every registered breaker. Taking a
// snapshot also applies open to half-open transitions that are due.
func (r *Registry) Refresh() {
	for _, s := range r.Snapshots() {
		stateGauge.WithLabelValues(s.Name, s.Service).Set(float64(s.State))
	}
}

// Run refreshes gauges every interval until ctx is done
func (r *Registry) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Refresh()
		}
	}
}

// StartMetricsCollection runs the Default registry refresher in the
// background until ctx is done
func StartMetricsCollection(ctx context.Context, interval time.Duration) {
	go Default.Run(ctx, interval)
}
