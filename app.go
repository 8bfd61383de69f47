package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Kocoro-lab/taskgraph/internal/circuitbreaker"
	"github.com/Kocoro-lab/taskgraph/internal/config"
	"github.com/Kocoro-lab/taskgraph/internal/executor"
	"github.com/Kocoro-lab/taskgraph/internal/health"
	"github.com/Kocoro-lab/taskgraph/internal/httpapi"
	"github.com/Kocoro-lab/taskgraph/internal/interpreter"
	"github.com/Kocoro-lab/taskgraph/internal/kv"
	"github.com/Kocoro-lab/taskgraph/internal/planner"
	"github.com/Kocoro-lab/taskgraph/internal/session"
	"github.com/Kocoro-lab/taskgraph/internal/streaming"
	"github.com/Kocoro-lab/taskgraph/internal/tasks"
	"github.com/Kocoro-lab/taskgraph/internal/tracing"
)

// app holds every wired component for one CLI invocation
type app struct {
	cfg      *config.Config
	logger   *zap.Logger
	store    kv.Store
	backend  string
	sessions *session.Manager
	registry *executor.Registry
	events   *streaming.Manager
	engine   *planner.Engine
	health   *health.Manager

	admin         *http.Server
	stopTracing   func(context.Context) error
	stopCollector context.CancelFunc
}

func newApp(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, stopTracing: func(context.Context) error { return nil }}

	stopTracing, err := tracing.Initialize(ctx, cfg.Tracing, logger)
	if err != nil {
		// Tracing is optional; run without it
		logger.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		a.stopTracing = stopTracing
	}

	if err := a.openStore(ctx); err != nil {
		return nil, err
	}
	a.sessions = session.NewManager(a.store, cfg.Store.KeyPrefix, logger)

	remote, err := a.buildRegistry()
	if err != nil {
		_ = a.store.Close()
		return nil, err
	}

	rules := interpreter.DefaultRules()
	if cfg.Interpreter.RulesFile != "" {
		if rules, err = interpreter.LoadRules(cfg.Interpreter.RulesFile); err != nil {
			_ = a.store.Close()
			return nil, fmt.Errorf("load interpreter rules: %w", err)
		}
	}

	a.events = streaming.NewManager(streaming.DefaultCapacity)
	a.engine = planner.NewEngine(a.sessions, interpreter.NewKeywordInterpreter(rules, logger), a.registry,
		planner.WithLogger(logger),
		planner.WithEvents(a.events),
	)

	a.health = health.NewManager(logger)
	_ = a.health.RegisterChecker(health.NewStoreHealthChecker(a.store, a.backend))
	_ = a.health.RegisterChecker(health.NewExecutorHealthChecker(a.registry, tasks.AgentCasual))
	_ = a.health.RegisterChecker(health.NewBreakerHealthChecker(nil))
	if remote != nil {
		_ = a.health.RegisterChecker(health.NewRemoteAgentHealthChecker(healthURL(cfg.Executor.RemoteURL), remote))
	}

	collectorCtx, cancel := context.WithCancel(context.Background())
	a.stopCollector = cancel
	circuitbreaker.StartMetricsCollection(collectorCtx, 10*time.Second)

	if cfg.Metrics.Enabled {
		a.startAdmin()
	}
	return a, nil
}

func (a *app) openStore(ctx context.Context) error {
	cfg := a.cfg
	switch cfg.Store.Backend {
	case config.BackendRedis:
		store, err := kv.NewRedisStore(ctx, kv.RedisOptions{
			Addr:         cfg.Redis.Addr,
			Password:     cfg.Redis.Password,
			DB:           cfg.Redis.DB,
			DialTimeout:  cfg.Redis.DialTimeout,
			ReadTimeout:  cfg.Redis.ReadTimeout,
			WriteTimeout: cfg.Redis.WriteTimeout,
			TTL:          cfg.Store.TTL,
			Breaker:      cfg.CircuitBreaker,
		}, a.logger)
		if err != nil {
			return err
		}
		a.store, a.backend = store, kv.BackendRedis
	case config.BackendPostgres, config.BackendSQLite:
		driver, backend := "postgres", kv.BackendPostgres
		if cfg.Store.Backend == config.BackendSQLite {
			driver, backend = "sqlite3", kv.BackendSQLite
		}
		store, err := kv.NewSQLStore(ctx, kv.SQLOptions{
			Driver:       driver,
			DSN:          cfg.SQL.DSN,
			Table:        cfg.SQL.Table,
			MaxOpenConns: cfg.SQL.MaxOpenConns,
			TTL:          cfg.Store.TTL,
			Breaker:      cfg.CircuitBreaker,
		}, a.logger)
		if err != nil {
			return err
		}
		a.store, a.backend = store, backend
	default:
		return fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
	a.logger.Debug("Session store ready", zap.String("backend", a.backend))
	return nil
}

// buildRegistry registers the built-in agents, then replaces the configured
// agent types with the remote executor. The remote HTTP client is returned
// for health checks; it is nil without remote agents.
func (a *app) buildRegistry() (*circuitbreaker.HTTPWrapper, error) {
	ec := a.cfg.Executor
	a.registry = executor.NewRegistry(executor.RateLimit{PerSecond: ec.RatePerSecond, Burst: ec.Burst}, a.logger)
	executor.NewBuiltin().RegisterAll(a.registry)

	if len(ec.RemoteAgents) == 0 {
		return nil, nil
	}
	if _, err := url.ParseRequestURI(ec.RemoteURL); err != nil {
		return nil, fmt.Errorf("executor.remote_url: %w", err)
	}
	client := circuitbreaker.NewHTTPWrapper(&http.Client{Timeout: ec.Timeout}, "remote-agents", "agents", a.cfg.CircuitBreaker, a.logger)
	for _, agent := range ec.RemoteAgents {
		a.registry.Register(tasks.AgentType(agent), executor.NewHTTPExecutor(ec.RemoteURL, tasks.AgentType(agent), client, a.logger))
	}
	a.logger.Info("Remote agents registered",
		zap.String("url", ec.RemoteURL),
		zap.Strings("agent_types", ec.RemoteAgents),
	)
	return client, nil
}

// startAdmin serves metrics, health and the event stream on the metrics port
func (a *app) startAdmin() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	health.NewHTTPHandler(a.health, a.logger).RegisterRoutes(mux)
	httpapi.NewEventsHandler(a.events, a.logger).RegisterRoutes(mux)

	a.admin = &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Metrics.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		a.logger.Info("Admin HTTP server listening", zap.Int("port", a.cfg.Metrics.Port))
		if err := a.admin.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.logger.Error("Admin HTTP server failed", zap.Error(err))
		}
	}()
}

func (a *app) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if a.admin != nil {
		_ = a.admin.Shutdown(ctx)
	}
	if a.stopCollector != nil {
		a.stopCollector()
	}
	if err := a.stopTracing(ctx); err != nil {
		a.logger.Warn("Failed to flush traces", zap.Error(err))
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn("Failed to close session store", zap.Error(err))
		}
	}
}

// healthURL maps the remote execute endpoint to /health on the same host
func healthURL(remote string) string {
	u, err := url.Parse(remote)
	if err != nil {
		return remote
	}
	u.Path = "/health"
	u.RawQuery = ""
	return u.String()
}
