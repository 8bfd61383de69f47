// Package tracing wires OpenTelemetry spans around engine operations and
// executor calls. Spans are exported over OTLP gRPC when enabled; otherwise
// the global no-op provider makes every helper free.
package tracing

import (
	"context"
	"fmt"
	"net/http"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Kocoro-lab/taskgraph"

// Config is the tracing section of the config file
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	ServiceName  string `mapstructure:"service_name"`
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
	// SampleRatio is the fraction of root traces kept; children follow
	// their parent's decision
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

// Initialize installs the W3C trace context propagator and, when enabled,
// an OTLP exporting tracer provider. The returned function flushes pending
// spans; it is a no-op when tracing is disabled.
func Initialize(ctx context.Context, cfg Config, logger *zap.Logger) (func(context.Context) error, error) {
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	noop := func(context.Context) error { return nil }

	if !cfg.Enabled {
		logger.Debug("Tracing disabled")
		return noop, nil
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "taskgraph"
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.OTLPEndpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return noop, fmt.Errorf("failed to create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx, resource.WithAttributes(semconv.ServiceName(cfg.ServiceName)))
	if err != nil {
		return noop, fmt.Errorf("failed to create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
	)
	otel.SetTracerProvider(tp)

	logger.Info("Tracing initialized",
		zap.String("endpoint", cfg.OTLPEndpoint),
		zap.Float64("sample_ratio", cfg.SampleRatio),
	)
	return tp.Shutdown, nil
}

// tracer resolves the global provider on every call so a provider installed
// after package init (by Initialize or a test) takes effect
func tracer() trace.Tracer {
	return otel.Tracer(instrumentationName)
}

// StartSessionSpan creates a span for an engine operation on a session
func StartSessionSpan(ctx context.Context, operation, sessionID string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "taskgraph."+operation,
		trace.WithAttributes(attribute.String("session.id", sessionID)),
	)
}

// StartTaskSpan creates a span around one executor invocation
func StartTaskSpan(ctx context.Context, sessionID, taskID, agentType string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "taskgraph.execute_task",
		trace.WithAttributes(
			attribute.String("session.id", sessionID),
			attribute.String("task.id", taskID),
			attribute.String("agent.type", agentType),
		),
	)
}

// StartHTTPSpan creates a client span for an outgoing request
func StartHTTPSpan(ctx context.Context, method, url string) (context.Context, trace.Span) {
	return tracer().Start(ctx, "HTTP "+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			semconv.HTTPRequestMethodKey.String(method),
			semconv.URLFull(url),
		),
	)
}

// InjectHeaders writes the trace context of ctx (traceparent, tracestate
// and baggage) into the request headers
func InjectHeaders(ctx context.Context, req *http.Request) {
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))
}

// ExtractHeaders returns ctx carrying the remote span context found in h
func ExtractHeaders(ctx context.Context, h http.Header) context.Context {
	return otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(h))
}
