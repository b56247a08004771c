package tracing

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/courier/contracts"
)

const sample = "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01"

func TestParse(t *testing.T) {
	t.Run("valid header", func(t *testing.T) {
		sc, err := Parse(sample)
		require.NoError(t, err)

		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", sc.TraceID().String())
		assert.Equal(t, "00f067aa0ba902b7", sc.SpanID().String())
		assert.True(t, sc.IsSampled())
		assert.True(t, sc.IsRemote())
	})

	t.Run("format round trip", func(t *testing.T) {
		sc, err := Parse(sample)
		require.NoError(t, err)
		assert.Equal(t, sample, Format(sc))
	})

	t.Run("unsampled flags", func(t *testing.T) {
		sc, err := Parse("00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-00")
		require.NoError(t, err)
		assert.False(t, sc.IsSampled())
	})

	malformed := map[string]string{
		"empty":             "",
		"too few fields":    "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7",
		"too many fields":   sample + "-ff",
		"unknown version":   "01-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01",
		"short trace id":    "00-4bf92f3577b34da6a3ce929d0e0e473-00f067aa0ba902b7-01",
		"short span id":     "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b-01",
		"upper case":        "00-4BF92F3577B34DA6A3CE929D0E0E4736-00f067aa0ba902b7-01",
		"non hex":           "00-4bf92f3577b34da6a3ce929d0e0e473z-00f067aa0ba902b7-01",
		"zero trace id":     "00-00000000000000000000000000000000-00f067aa0ba902b7-01",
		"zero span id":      "00-4bf92f3577b34da6a3ce929d0e0e4736-0000000000000000-01",
		"three digit flags": "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-001",
	}
	for name, header := range malformed {
		t.Run(name, func(t *testing.T) {
			_, err := Parse(header)
			assert.ErrorIs(t, err, ErrMalformedTraceParent)
		})
	}
}

func TestFormatInvalid(t *testing.T) {
	assert.Equal(t, "", Format(trace.SpanContext{}))
}

func TestInjectExtract(t *testing.T) {
	t.Run("inject active span", func(t *testing.T) {
		sc, err := Parse(sample)
		require.NoError(t, err)
		ctx := trace.ContextWithSpanContext(context.Background(), sc)

		headers := map[string]string{}
		Inject(ctx, headers)

		assert.Equal(t, sample, headers[contracts.HeaderTraceParent])
		assert.Equal(t, "4bf92f3577b34da6a3ce929d0e0e4736", headers[contracts.HeaderTraceID])
		assert.Equal(t, "00f067aa0ba902b7", headers[contracts.HeaderSpanID])

		extracted, err := Extract(headers)
		require.NoError(t, err)
		assert.Equal(t, sc.TraceID(), extracted.TraceID())
		assert.Equal(t, sc.SpanID(), extracted.SpanID())
	})

	t.Run("inject without span leaves headers alone", func(t *testing.T) {
		headers := map[string]string{}
		Inject(context.Background(), headers)
		assert.Empty(t, headers)
	})

	t.Run("extract missing header", func(t *testing.T) {
		_, err := Extract(map[string]string{})
		assert.ErrorIs(t, err, ErrMalformedTraceParent)
	})
}

func TestOtelTelemetry(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	provider := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))
	telemetry := NewOtelTelemetry(provider)

	t.Run("continues remote parent", func(t *testing.T) {
		parent, err := Parse(sample)
		require.NoError(t, err)

		ctx, span := telemetry.StartSpan(context.Background(), "handle", trace.SpanKindConsumer, parent, map[string]string{"messaging.sender": "any"})
		span.End()

		sc := trace.SpanContextFromContext(ctx)
		assert.Equal(t, parent.TraceID(), sc.TraceID())
		assert.NotEqual(t, parent.SpanID(), sc.SpanID())

		ended := recorder.Ended()
		require.NotEmpty(t, ended)
		last := ended[len(ended)-1]
		assert.Equal(t, "handle", last.Name())
		assert.Equal(t, trace.SpanKindConsumer, last.SpanKind())
		assert.Equal(t, parent.SpanID(), last.Parent().SpanID())
		assert.Contains(t, last.Attributes(), attribute.String("messaging.sender", "any"))
	})

	t.Run("starts new root without parent", func(t *testing.T) {
		ctx, span := telemetry.StartSpan(context.Background(), "publish", trace.SpanKindProducer, trace.SpanContext{}, nil)
		span.End()

		sc := trace.SpanContextFromContext(ctx)
		assert.True(t, sc.IsValid())

		ended := recorder.Ended()
		last := ended[len(ended)-1]
		assert.False(t, last.Parent().IsValid())
	})
}
