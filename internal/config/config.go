// Package config loads runtime settings from an optional file and TASKGRAPH_
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
	"github.com/Kocoro-lab/taskgraph/internal/tracing"
)

// EnvPrefix is prepended to every environment override, e.g. TASKGRAPH_REDIS_ADDR
const EnvPrefix = "TASKGRAPH"

// Store backends
const (
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
)

// Config is the complete runtime configuration
type Config struct {
	Logging        LoggingConfig           `mapstructure:"logging"`
	Store          StoreConfig             `mapstructure:"store"`
	Redis          RedisConfig             `mapstructure:"redis"`
	SQL            SQLConfig               `mapstructure:"sql"`
	CircuitBreaker circuitbreaker.Settings `mapstructure:"circuit_breaker"`
	Interpreter    InterpreterConfig       `mapstructure:"interpreter"`
	Executor       ExecutorConfig          `mapstructure:"executor"`
	Metrics        MetricsConfig           `mapstructure:"metrics"`
	Tracing        tracing.Config          `mapstructure:"tracing"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StoreConfig selects the session store backend
type StoreConfig struct {
	Backend   string        `mapstructure:"backend"`
	KeyPrefix string        `mapstructure:"key_prefix"`
	TTL       time.Duration `mapstructure:"ttl"`
}

type RedisConfig struct {
	Addr         string        `mapstructure:"addr"`
	Password     string        `mapstructure:"password"`
	DB           int           `mapstructure:"db"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
}

// SQLConfig is shared by the postgres and sqlite backends
type SQLConfig struct {
	DSN          string `mapstructure:"dsn"`
	Table        string `mapstructure:"table"`
	MaxOpenConns int    `mapstructure:"max_open_conns"`
}

type InterpreterConfig struct {
	// RulesFile is a YAML, TOML or JSON rule set; empty uses the built-in rules
	RulesFile string `mapstructure:"rules_file"`
}

// ExecutorConfig controls executor rate limits and the optional remote agent service
type ExecutorConfig struct {
	RatePerSecond float64       `mapstructure:"rate_per_second"`
	Burst         int           `mapstructure:"burst"`
	RemoteURL     string        `mapstructure:"remote_url"`
	RemoteAgents  []string      `mapstructure:"remote_agents"`
	Timeout       time.Duration `mapstructure:"timeout"`
}

type MetricsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// SetDefaults registers default values on v
func SetDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")

	v.SetDefault("store.backend", BackendRedis)
	v.SetDefault("store.key_prefix", "")
	v.SetDefault("store.ttl", time.Duration(0))

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.read_timeout", 3*time.Second)
	v.SetDefault("redis.write_timeout", 3*time.Second)

	v.SetDefault("sql.dsn", "taskgraph.db")
	v.SetDefault("sql.table", "taskgraph_kv")
	v.SetDefault("sql.max_open_conns", 10)

	v.SetDefault("circuit_breaker.max_requests", 0)
	v.SetDefault("circuit_breaker.interval", time.Duration(0))
	v.SetDefault("circuit_breaker.timeout", time.Duration(0))
	v.SetDefault("circuit_breaker.failure_threshold", 0)
	v.SetDefault("circuit_breaker.success_threshold", 0)

	v.SetDefault("interpreter.rules_file", "")

	v.SetDefault("executor.rate_per_second", 0.0)
	v.SetDefault("executor.burst", 1)
	v.SetDefault("executor.remote_url", "")
	v.SetDefault("executor.remote_agents", []string{})
	v.SetDefault("executor.timeout", 60*time.Second)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.port", 2112)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "taskgraph")
	v.SetDefault("tracing.otlp_endpoint", "localhost:4317")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// New returns a viper instance with defaults and environment overrides
// wired. path may be empty, in which case only defaults and the environment
// apply.
func New(path string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path != "" {
		v.SetConfigFile(path)
	}
	return v
}

// Load reads the config file at path (optional), applies environment
// overrides and validates the result. The viper instance is returned so the
// caller can watch the file.
func Load(path string) (*Config, *viper.Viper, error) {
	v := New(path)
	if path != "" {
		if err := v.ReadInConfig(); err != nil {
			return nil, nil, fmt.Errorf("read config: %w", err)
		}
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, nil, err
	}
	return cfg, v, nil
}

func decode(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	// A comma separated env value arrives as a single element
	if len(cfg.Executor.RemoteAgents) == 1 && strings.Contains(cfg.Executor.RemoteAgents[0], ",") {
		cfg.Executor.RemoteAgents = splitList(cfg.Executor.RemoteAgents[0])
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks backend names, the log level and numeric limits
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Backend {
	case BackendRedis, BackendPostgres, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("store.backend must be one of redis, postgres, sqlite: got %q", c.Store.Backend))
	}
	if _, err := ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "console", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be console or json: got %q", c.Logging.Format))
	}
	if c.Store.TTL < 0 {
		errs = append(errs, errors.New("store.ttl must not be negative"))
	}
	if c.Store.Backend == BackendRedis && c.Redis.Addr == "" {
		errs = append(errs, errors.New("redis.addr is required for the redis backend"))
	}
	if c.Store.Backend != BackendRedis && c.SQL.DSN == "" {
		errs = append(errs, fmt.Errorf("sql.dsn is required for the %s backend", c.Store.Backend))
	}
	if c.SQL.MaxOpenConns < 0 {
		errs = append(errs, errors.New("sql.max_open_conns must not be negative"))
	}
	if c.Executor.RatePerSecond < 0 {
		errs = append(errs, errors.New("executor.rate_per_second must not be negative"))
	}
	if c.Executor.RatePerSecond > 0 && c.Executor.Burst < 1 {
		errs = append(errs, errors.New("executor.burst must be at least 1 when rate limiting"))
	}
	if len(c.Executor.RemoteAgents) > 0 && c.Executor.RemoteURL == "" {
		errs = append(errs, errors.New("executor.remote_url is required when executor.remote_agents is set"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, fmt.Errorf("tracing.sample_ratio must be within [0, 1]: got %g", c.Tracing.SampleRatio))
	}
	if c.Metrics.Enabled && (c.Metrics.Port <= 0 || c.Metrics.Port > 65535) {
		errs = append(errs, fmt.Errorf("metrics.port out of range: %d", c.Metrics.Port))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
