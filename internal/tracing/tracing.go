// Package tracing wraps the tool loop's LLM requests and tool calls
// (MCP-bridged tools included, since they are ordinary tools.Tool
// values from this package's point of view) in OpenTelemetry spans,
// following the teacher's internal/observability.Tracer wiring but
// narrowed to the spans this runtime's components (otel, otel/sdk,
// otel/trace only — no OTLP exporter is part of the dependency set)
// actually produce.
package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdkresource "go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("github.com/ausmarton/agentforge")

// NewProvider builds and installs a process-wide TracerProvider
// resourced under serviceName. No exporter is attached: spans are
// created and ended like any other instrumentation, available to
// whatever SpanProcessor a deployment's main() chooses to add later
// (e.g. an OTLP exporter brought in at the binary's discretion); this
// package stays exporter-agnostic.
func NewProvider(ctx context.Context, serviceName string) (*sdktrace.TracerProvider, error) {
	res, err := sdkresource.New(ctx, sdkresource.WithAttributes(semconv.ServiceName(serviceName)))
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithResource(res))
	otel.SetTracerProvider(tp)
	return tp, nil
}

// WithSpan starts a span named name, runs fn under it, and records fn's
// error on the span before ending it. It is generic over fn's return
// value so both *llm.ChatResponse and *runtypes.ToolResult call sites
// can share it without an any-typed result.
func WithSpan[T any](ctx context.Context, name string, fn func(context.Context) (T, error)) (T, error) {
	spanCtx, span := tracer.Start(ctx, name)
	defer span.End()

	v, err := fn(spanCtx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return v, err
}

// StartSpan is the non-generic form for call sites that need the span
// itself (to set additional attributes) rather than WithSpan's
// run-and-record convenience.
func StartSpan(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name)
}
