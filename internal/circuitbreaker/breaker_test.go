package circuitbreaker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errBoom = errors.New("boom")

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestBreaker(t *testing.T, settings Settings, opts ...Option) (*Breaker, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	opts = append([]Option{WithClock(clock.Now)}, opts...)
	return New(t.Name(), "test", settings, zaptest.NewLogger(t), opts...), clock
}

func succeed(context.Context) error { return nil }
func fail(context.Context) error    { return errBoom }

func TestBreakerTripsAndRecovers(t *testing.T) {
	cb, clock := newTestBreaker(t, Settings{
		FailureThreshold: 3,
		SuccessThreshold: 2,
		MaxRequests:      2,
		Timeout:          10 * time.Second,
	})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Do(ctx, fail), errBoom)
	}
	require.Equal(t, StateOpen, cb.State())
	assert.Equal(t, clock.Now(), cb.Snapshot().OpenedAt)

	called := false
	err := cb.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)

	clock.Advance(11 * time.Second)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Snapshot().OpenedAt.IsZero())

	require.NoError(t, cb.Do(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.State())
	require.NoError(t, cb.Do(ctx, succeed))
	assert.Equal(t, StateClosed, cb.State())
}

func TestBreakerHalfOpenFailureReopens(t *testing.T) {
	cb, clock := newTestBreaker(t, Settings{FailureThreshold: 1, Timeout: time.Second})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	clock.Advance(2 * time.Second)
	require.Equal(t, StateHalfOpen, cb.State())

	_ = cb.Do(ctx, fail)
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerHalfOpenLimit(t *testing.T) {
	cb, clock := newTestBreaker(t, Settings{FailureThreshold: 1, MaxRequests: 1, SuccessThreshold: 2, Timeout: time.Second})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	clock.Advance(2 * time.Second)

	release := make(chan struct{})
	done := make(chan error)
	go func() {
		done <- cb.Do(ctx, func(context.Context) error { <-release; return nil })
	}()
	require.Eventually(t, func() bool { return cb.Snapshot().Counts.Requests == 1 }, time.Second, time.Millisecond)

	assert.ErrorIs(t, cb.Do(ctx, succeed), ErrHalfOpenLimit)
	close(release)
	assert.NoError(t, <-done)
}

func TestBreakerClosedIntervalClearsCounts(t *testing.T) {
	cb, clock := newTestBreaker(t, Settings{FailureThreshold: 3, Interval: time.Minute})
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	assert.Equal(t, uint32(2), cb.Snapshot().Counts.ConsecutiveFailures)

	clock.Advance(2 * time.Minute)
	_ = cb.Do(ctx, fail)
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, uint32(1), cb.Snapshot().Counts.ConsecutiveFailures)
}

func TestBreakerCounts(t *testing.T) {
	cb, _ := newTestBreaker(t, Settings{})
	ctx := context.Background()

	_ = cb.Do(ctx, succeed)
	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, succeed)

	assert.Equal(t, Counts{
		Requests:             3,
		TotalSuccesses:       2,
		TotalFailures:        1,
		ConsecutiveSuccesses: 1,
	}, cb.Snapshot().Counts)
}

func TestBreakerCanceledContextNotCounted(t *testing.T) {
	cb, _ := newTestBreaker(t, Settings{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	called := false
	err := cb.Do(ctx, func(context.Context) error { called = true; return nil })
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, called)
	assert.Zero(t, cb.Snapshot().Counts.Requests)
}

func TestBreakerPanicCountsAsFailure(t *testing.T) {
	cb, _ := newTestBreaker(t, Settings{FailureThreshold: 1})

	assert.PanicsWithValue(t, "agent crashed", func() {
		_ = cb.Do(context.Background(), func(context.Context) error { panic("agent crashed") })
	})
	assert.Equal(t, StateOpen, cb.State())
}

func TestBreakerTransitionListener(t *testing.T) {
	var mu sync.Mutex
	var seen []Transition
	cb, clock := newTestBreaker(t, Settings{FailureThreshold: 2, SuccessThreshold: 1, Timeout: time.Second},
		OnTransition(func(tr Transition) {
			mu.Lock()
			seen = append(seen, tr)
			mu.Unlock()
		}),
	)
	ctx := context.Background()

	_ = cb.Do(ctx, fail)
	_ = cb.Do(ctx, fail)
	clock.Advance(2 * time.Second)
	_ = cb.Do(ctx, succeed)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, seen, 3)
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, []State{seen[0].To, seen[1].To, seen[2].To})
	assert.Equal(t, StateClosed, seen[0].From)
	assert.Equal(t, "test", seen[0].Service)
}

func TestSettingsMerge(t *testing.T) {
	s := Settings{FailureThreshold: 7}.Merge(StoreSettings())
	assert.Equal(t, uint32(7), s.FailureThreshold)
	assert.Equal(t, StoreSettings().MaxRequests, s.MaxRequests)
	assert.Equal(t, StoreSettings().Timeout, s.Timeout)

	assert.Equal(t, DefaultSettings(), Settings{}.Merge(DefaultSettings()))
}

func TestRegistrySnapshots(t *testing.T) {
	r := NewRegistry()
	a, _ := newTestBreaker(t, Settings{FailureThreshold: 1})
	b := New("beta", "agents", Settings{}, nil)
	r.Register(a)
	r.Register(b)

	_ = a.Do(context.Background(), fail)

	snaps := r.Snapshots()
	require.Len(t, snaps, 2)
	assert.Equal(t, "agents:beta", snaps[0].Key())
	assert.Equal(t, StateClosed, snaps[0].State)
	assert.Equal(t, "test:"+t.Name(), snaps[1].Key())
	assert.Equal(t, StateOpen, snaps[1].State)

	r.Refresh()
}
