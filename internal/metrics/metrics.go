package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Plan metrics
	PlansCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_plans_created_total",
			Help: "Total number of task plans created from an instruction",
		},
		[]string{"status"},
	)

	NodesAppended = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_nodes_appended_total",
			Help: "Total number of task nodes merged into session graphs",
		},
		[]string{"source", "kind"},
	)

	PlanUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgraph_plan_updates_total",
			Help: "Total number of dynamic plan updates",
		},
	)

	GraphSize = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskgraph_graph_nodes",
			Help:    "Number of nodes in a session graph after a merge",
			Buckets: []float64{1, 2, 5, 10, 20, 50, 100},
		},
	)

	// Task execution metrics
	TaskExecutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_task_executions_total",
			Help: "Total number of task executions by agent type and outcome",
		},
		[]string{"agent_type", "outcome"},
	)

	TaskExecutionDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskgraph_task_execution_duration_seconds",
			Help:    "Task executor latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
		},
		[]string{"agent_type"},
	)

	TasksBlocked = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgraph_tasks_blocked_total",
			Help: "Total number of task nodes marked blocked by the scheduler",
		},
	)

	SkippedNotReady = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgraph_tasks_skipped_not_ready_total",
			Help: "Total number of nodes skipped in an execution pass because dependencies were not completed",
		},
	)

	SchedulerRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskgraph_scheduler_rounds",
			Help:    "Number of ready-set rounds a scheduler run needed",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
	)

	ExecutorRateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_executor_rate_limited_total",
			Help: "Executor calls that waited on the per-agent rate limiter",
		},
		[]string{"agent_type"},
	)

	// Session store metrics
	StoreOperations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_store_operations_total",
			Help: "Total number of session store operations",
		},
		[]string{"backend", "operation", "status"},
	)

	StoreLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskgraph_store_latency_seconds",
			Help:    "Session store operation latency in seconds",
			Buckets: []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		},
		[]string{"backend", "operation"},
	)

	SessionsDeleted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgraph_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		},
	)

	// Streaming metrics
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskgraph_events_published_total",
			Help: "Task events published to subscribers",
		},
		[]string{"type"},
	)

	EventsDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "taskgraph_events_dropped_total",
			Help: "Task events dropped because a subscriber was not keeping up",
		},
	)
)

// RecordTaskExecution records the outcome and latency of one executor call
func RecordTaskExecution(agentType, outcome string, durationSeconds float64) {
	TaskExecutions.WithLabelValues(agentType, outcome).Inc()
	if durationSeconds > 0 {
		TaskExecutionDuration.WithLabelValues(agentType).Observe(durationSeconds)
	}
}

// RecordStoreOperation records a session store operation
func RecordStoreOperation(backend, operation, status string, durationSeconds float64) {
	StoreOperations.WithLabelValues(backend, operation, status).Inc()
	if durationSeconds > 0 {
		StoreLatency.WithLabelValues(backend, operation).Observe(durationSeconds)
	}
}
