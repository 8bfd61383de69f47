package circuitbreaker

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// StoreService labels breakers in front of the session store
const StoreService = "session-store"

// RedisWrapper routes the commands the session store uses through a breaker
type RedisWrapper struct {
	client redis.UniversalClient
	cb     *Breaker
}

// NewRedisWrapper creates a Redis wrapper registered with the Default registry
func NewRedisWrapper(client redis.UniversalClient, settings Settings, logger *zap.Logger) *RedisWrapper {
	cb := New("redis", StoreService, settings.Merge(StoreSettings()), logger)
	Default.Register(cb)
	return &RedisWrapper{client: client, cb: cb}
}

// redisCmd is the part of the go-redis command types the wrapper needs
type redisCmd interface {
	Err() error
	SetErr(error)
}

// guard runs cmd through the breaker. redis.Nil reaches the caller but is
// not a breaker failure. A rejected call yields an empty command carrying
// the breaker error.
func guard[C redisCmd](ctx context.Context, cb *Breaker, empty func(context.Context) C, cmd func(context.Context) C) C {
	var result C
	var ran bool
	err := cb.Do(ctx, func(ctx context.Context) error {
		result, ran = cmd(ctx), true
		if errors.Is(result.Err(), redis.Nil) {
			return nil
		}
		return result.Err()
	})
	if !ran {
		result = empty(ctx)
		result.SetErr(err)
	}
	return result
}

// Ping checks the connection
func (rw *RedisWrapper) Ping(ctx context.Context) *redis.StatusCmd {
	return guard(ctx, rw.cb, newStatusCmd, func(ctx context.Context) *redis.StatusCmd {
		return rw.client.Ping(ctx)
	})
}

// Get reads key
func (rw *RedisWrapper) Get(ctx context.Context, key string) *redis.StringCmd {
	return guard(ctx, rw.cb, newStringCmd, func(ctx context.Context) *redis.StringCmd {
		return rw.client.Get(ctx, key)
	})
}

// Set writes key with an optional expiration
func (rw *RedisWrapper) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	return guard(ctx, rw.cb, newStatusCmd, func(ctx context.Context) *redis.StatusCmd {
		return rw.client.Set(ctx, key, value, expiration)
	})
}

// Del removes keys in one command
func (rw *RedisWrapper) Del(ctx context.Context, keys ...string) *redis.IntCmd {
	return guard(ctx, rw.cb, newIntCmd, func(ctx context.Context) *redis.IntCmd {
		return rw.client.Del(ctx, keys...)
	})
}

// Close closes the underlying client
func (rw *RedisWrapper) Close() error {
	return rw.client.Close()
}

// IsOpen reports whether the breaker is rejecting calls
func (rw *RedisWrapper) IsOpen() bool {
	return rw.cb.State() == StateOpen
}

func newStatusCmd(ctx context.Context) *redis.StatusCmd { return redis.NewStatusCmd(ctx) }
func newStringCmd(ctx context.Context) *redis.StringCmd { return redis.NewStringCmd(ctx) }
func newIntCmd(ctx context.Context) *redis.IntCmd       { return redis.NewIntCmd(ctx) }
