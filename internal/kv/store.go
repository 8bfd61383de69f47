// Package kv is the session store: a flat key-value space holding the task
// graph, hearing notes and schema documents of every session.
package kv

import (
	"context"
	"errors"
	"time"

	"github.com/Kocoro-lab/taskgraph/internal/metrics"
)

// ErrNotFound is returned by Get when the key is absent or expired
var ErrNotFound = errors.New("key not found")

// Store is the contract every backend satisfies. Values are opaque bytes.
// Delete removes all given keys in a single backend call; missing keys are
// not an error.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, keys ...string) error
	Ping(ctx context.Context) error
	Close() error
}

// Backend names accepted in configuration
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

func observe(backend, op string, start time.Time, err error) {
	status := "success"
	switch {
	case errors.Is(err, ErrNotFound):
		status = "miss"
	case err != nil:
		status = "error"
	}
	metrics.RecordStoreOperation(backend, op, status, time.Since(start).Seconds())
}
