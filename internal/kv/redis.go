package kv

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
)

// RedisOptions configures a Redis connection
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	// TTL applied on every Set; zero keeps keys until deleted
	TTL     time.Duration
	Breaker circuitbreaker.Settings
}

// RedisStore keeps session documents in Redis behind a circuit breaker
type RedisStore struct {
	client *circuitbreaker.RedisWrapper
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisStore connects to Redis and verifies the connection with a ping
func NewRedisStore(ctx context.Context, opts RedisOptions, logger *zap.Logger) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.DialTimeout,
		ReadTimeout:  opts.ReadTimeout,
		WriteTimeout: opts.WriteTimeout,
	})

	store := NewRedisStoreFromClient(client, opts.TTL, opts.Breaker, logger)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(pingCtx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return store, nil
}

// NewRedisStoreFromClient wraps an existing client
func NewRedisStoreFromClient(client redis.UniversalClient, ttl time.Duration, settings circuitbreaker.Settings, logger *zap.Logger) *RedisStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisStore{
		client: circuitbreaker.NewRedisWrapper(client, settings, logger),
		ttl:    ttl,
		logger: logger,
	}
}

// Get returns the value stored at key, or ErrNotFound
func (s *RedisStore) Get(ctx context.Context, key string) (data []byte, err error) {
	defer func(start time.Time) { observe(BackendRedis, "get", start, err) }(time.Now())

	data, err = s.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Set stores value at key, replacing any previous value
func (s *RedisStore) Set(ctx context.Context, key string, value []byte) (err error) {
	defer func(start time.Time) { observe(BackendRedis, "set", start, err) }(time.Now())

	if err = s.client.Set(ctx, key, value, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Delete removes every key in one DEL command
func (s *RedisStore) Delete(ctx context.Context, keys ...string) (err error) {
	if len(keys) == 0 {
		return nil
	}
	defer func(start time.Time) { observe(BackendRedis, "delete", start, err) }(time.Now())

	n, err := s.client.Del(ctx, keys...).Result()
	if err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	s.logger.Debug("Deleted keys", zap.Strings("keys", keys), zap.Int64("removed", n))
	return nil
}

// Ping checks connectivity
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the client
func (s *RedisStore) Close() error {
	return s.client.Close()
}
