package tracing

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// TracerName is the instrumentation name used for spans started by this module.
const TracerName = "github.com/glimte/courier"

// Telemetry starts spans for messaging operations.
type Telemetry interface {
	// StartSpan starts a span of the given kind. When parent is valid the
	// span continues that trace, otherwise it starts a new root.
	StartSpan(ctx context.Context, name string, kind trace.SpanKind, parent trace.SpanContext, tags map[string]string) (context.Context, trace.Span)
}

// OtelTelemetry implements Telemetry on an OpenTelemetry tracer provider.
type OtelTelemetry struct {
	tracer trace.Tracer
}

// NewOtelTelemetry uses provider, or the global provider when nil.
func NewOtelTelemetry(provider trace.TracerProvider) *OtelTelemetry {
	if provider == nil {
		provider = otel.GetTracerProvider()
	}
	return &OtelTelemetry{tracer: provider.Tracer(TracerName)}
}

// StartSpan implements Telemetry
func (t *OtelTelemetry) StartSpan(ctx context.Context, name string, kind trace.SpanKind, parent trace.SpanContext, tags map[string]string) (context.Context, trace.Span) {
	opts := []trace.SpanStartOption{trace.WithSpanKind(kind)}
	if parent.IsValid() {
		ctx = trace.ContextWithRemoteSpanContext(ctx, parent)
	} else {
		opts = append(opts, trace.WithNewRoot())
	}

	if len(tags) > 0 {
		attrs := make([]attribute.KeyValue, 0, len(tags))
		for k, v := range tags {
			attrs = append(attrs, attribute.String(k, v))
		}
		opts = append(opts, trace.WithAttributes(attrs...))
	}

	return t.tracer.Start(ctx, name, opts...)
}
