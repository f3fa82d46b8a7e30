// Package obstrace wires OpenTelemetry tracing for Decision Gate: when
// an OTLP endpoint is configured, spans for every tool call are
// exported over gRPC; otherwise the global no-op tracer provider
// already supplied by go.opentelemetry.io/otel keeps Tracer calls free.
package obstrace

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "decisiongate.io/server"

var activeTracer = otel.Tracer(tracerName)

// Tracer returns the package-level tracer — the no-op global tracer
// until New configures a real exporter.
func Tracer() trace.Tracer { return activeTracer }

// Config selects the OTLP/gRPC collector endpoint tool-call spans are
// exported to. An empty Endpoint disables export entirely.
type Config struct {
	Endpoint    string
	ServiceName string
}

// New configures the global tracer provider per cfg. With an empty
// Endpoint, tracing stays disabled and Tracer keeps returning the
// package's no-op tracer; callers never need to branch on whether
// tracing is enabled. Returns a shutdown func that flushes and closes
// the exporter.
func New(ctx context.Context, cfg Config) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx, otlptracegrpc.WithEndpoint(cfg.Endpoint), otlptracegrpc.WithInsecure())
	if err != nil {
		return nil, fmt.Errorf("obstrace: build otlp exporter: %w", err)
	}

	serviceName := cfg.ServiceName
	if serviceName == "" {
		serviceName = "decisiongate"
	}
	res, err := resource.New(ctx, resource.WithHost(), resource.WithAttributes(
		semconv.ServiceNameKey.String(serviceName),
	))
	if err != nil {
		return nil, fmt.Errorf("obstrace: build resource: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(provider)
	activeTracer = provider.Tracer(tracerName)

	return provider.Shutdown, nil
}

// StartToolCallSpan creates a span for one dispatched MCP tool call.
func StartToolCallSpan(ctx context.Context, method, tenantID, namespaceID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "decisiongate.tool_call",
		trace.WithAttributes(
			attribute.String("decisiongate.method", method),
			attribute.String("decisiongate.tenant", tenantID),
			attribute.String("decisiongate.namespace", namespaceID),
		),
		trace.WithSpanKind(trace.SpanKindServer),
	)
}

// EndToolCallSpan enriches the span with the pipeline's outcome and
// ends it.
func EndToolCallSpan(span trace.Span, outcome string) {
	span.SetAttributes(attribute.String("decisiongate.outcome", outcome))
	span.End()
}
