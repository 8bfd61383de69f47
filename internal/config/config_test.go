package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, v, err := Load("")
	require.NoError(t, err)
	require.NotNil(t, v)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.Equal(t, BackendRedis, cfg.Store.Backend)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 5*time.Second, cfg.Redis.DialTimeout)
	assert.Equal(t, "taskgraph_kv", cfg.SQL.Table)
	assert.Equal(t, 60*time.Second, cfg.Executor.Timeout)
	assert.Equal(t, 2112, cfg.Metrics.Port)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "taskgraph", cfg.Tracing.ServiceName)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)
}

func TestLoadEnvironmentOverride(t *testing.T) {
	t.Setenv("TASKGRAPH_LOGGING_LEVEL", "debug")
	t.Setenv("TASKGRAPH_REDIS_ADDR", "redis-test:6380")
	t.Setenv("TASKGRAPH_STORE_KEY_PREFIX", "tg")
	t.Setenv("TASKGRAPH_CIRCUIT_BREAKER_FAILURE_THRESHOLD", "7")
	t.Setenv("TASKGRAPH_EXECUTOR_REMOTE_URL", "http://agents:8000/execute")
	t.Setenv("TASKGRAPH_EXECUTOR_REMOTE_AGENTS", "web,coder")

	cfg, _, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, "redis-test:6380", cfg.Redis.Addr)
	assert.Equal(t, "tg", cfg.Store.KeyPrefix)
	assert.Equal(t, uint32(7), cfg.CircuitBreaker.FailureThreshold)
	assert.Equal(t, []string{"web", "coder"}, cfg.Executor.RemoteAgents)
}

func TestLoadYAMLFile(t *testing.T) {
	path := writeFile(t, "taskgraph.yaml", `
logging:
  level: warn
  format: json
store:
  backend: sqlite
  ttl: 24h
sql:
  dsn: /tmp/tg.db
executor:
  rate_per_second: 2
  burst: 4
metrics:
  enabled: true
  port: 9100
`)

	cfg, v, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, path, v.ConfigFileUsed())
	assert.Equal(t, "warn", cfg.Logging.Level)
	assert.Equal(t, "json", cfg.Logging.Format)
	assert.Equal(t, BackendSQLite, cfg.Store.Backend)
	assert.Equal(t, 24*time.Hour, cfg.Store.TTL)
	assert.Equal(t, "/tmp/tg.db", cfg.SQL.DSN)
	assert.Equal(t, 2.0, cfg.Executor.RatePerSecond)
	assert.Equal(t, 4, cfg.Executor.Burst)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, 9100, cfg.Metrics.Port)
}

func TestLoadTOMLFile(t *testing.T) {
	path := writeFile(t, "taskgraph.toml", `
[store]
backend = "postgres"

[sql]
dsn = "postgres://tg@localhost/tg?sslmode=disable"
max_open_conns = 4
`)

	cfg, _, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Store.Backend)
	assert.Equal(t, 4, cfg.SQL.MaxOpenConns)
}

func TestLoadMissingFile(t *testing.T) {
	_, _, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, _, err := Load("")
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"unknown backend", func(c *Config) { c.Store.Backend = "etcd" }, "store.backend"},
		{"bad level", func(c *Config) { c.Logging.Level = "loud" }, "logging.level"},
		{"bad format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
		{"negative ttl", func(c *Config) { c.Store.TTL = -time.Second }, "store.ttl"},
		{"missing dsn", func(c *Config) { c.Store.Backend = BackendPostgres; c.SQL.DSN = "" }, "sql.dsn"},
		{"zero burst", func(c *Config) { c.Executor.RatePerSecond = 1; c.Executor.Burst = 0 }, "executor.burst"},
		{"remote agents without url", func(c *Config) { c.Executor.RemoteAgents = []string{"web"} }, "executor.remote_url"},
		{"metrics port", func(c *Config) { c.Metrics.Enabled = true; c.Metrics.Port = 70000 }, "metrics.port"},
		{"sample ratio", func(c *Config) { c.Tracing.SampleRatio = 1.5 }, "tracing.sample_ratio"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.errMsg)
		})
	}

	assert.NoError(t, base().Validate())
}

func TestLoadRejectsInvalidFile(t *testing.T) {
	path := writeFile(t, "bad.yaml", "store:\n  backend: memcached\n")
	_, _, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "memcached")
}

func TestNewLogger(t *testing.T) {
	logger, level, err := NewLogger(LoggingConfig{Level: "warn", Format: "json"})
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.Equal(t, zapcore.WarnLevel, level.Level())
	assert.False(t, logger.Core().Enabled(zapcore.InfoLevel))

	level.SetLevel(zapcore.DebugLevel)
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))

	_, _, err = NewLogger(LoggingConfig{Level: "chatty"})
	assert.Error(t, err)
}

func TestWatchReloadsConfig(t *testing.T) {
	path := writeFile(t, "taskgraph.yaml", "logging:\n  level: info\n")
	_, v, err := Load(path)
	require.NoError(t, err)

	changes := make(chan *Config, 4)
	Watch(v, zaptest.NewLogger(t), func(cfg *Config) { changes <- cfg })

	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o644))

	select {
	case cfg := <-changes:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(5 * time.Second):
		t.Fatal("config change not observed")
	}
}

func TestWatchWithoutFile(t *testing.T) {
	_, v, err := Load("")
	require.NoError(t, err)
	// No file: nothing to watch, and no panic
	Watch(v, zap.NewNop(), func(*Config) { t.Fatal("unexpected reload") })
}
