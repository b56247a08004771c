// Package tracing carries W3C trace context across the broker boundary and
// starts spans for handled deliveries.
package tracing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/glimte/courier/contracts"
)

const supportedVersion = "00"

var (
	// ErrMalformedTraceParent is returned by Parse for any header that is not a valid version 00 traceparent
	ErrMalformedTraceParent = errors.New("tracing: malformed traceparent")
)

// Parse decodes a traceparent header of the form version-traceid-spanid-flags.
// The returned span context is marked remote.
func Parse(header string) (trace.SpanContext, error) {
	parts := strings.Split(strings.TrimSpace(header), "-")
	if len(parts) != 4 {
		return trace.SpanContext{}, fmt.Errorf("%w: expected 4 fields, got %d", ErrMalformedTraceParent, len(parts))
	}
	version, traceHex, spanHex, flagsHex := parts[0], parts[1], parts[2], parts[3]

	if version != supportedVersion {
		return trace.SpanContext{}, fmt.Errorf("%w: unsupported version %q", ErrMalformedTraceParent, version)
	}
	if len(traceHex) != 32 || len(spanHex) != 16 || len(flagsHex) != 2 {
		return trace.SpanContext{}, fmt.Errorf("%w: bad field length", ErrMalformedTraceParent)
	}
	if !isLowerHex(traceHex) || !isLowerHex(spanHex) || !isLowerHex(flagsHex) {
		return trace.SpanContext{}, fmt.Errorf("%w: fields must be lower-case hex", ErrMalformedTraceParent)
	}

	traceID, err := trace.TraceIDFromHex(traceHex)
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("%w: trace id: %v", ErrMalformedTraceParent, err)
	}
	spanID, err := trace.SpanIDFromHex(spanHex)
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("%w: span id: %v", ErrMalformedTraceParent, err)
	}
	flags, err := hex.DecodeString(flagsHex)
	if err != nil {
		return trace.SpanContext{}, fmt.Errorf("%w: flags: %v", ErrMalformedTraceParent, err)
	}

	return trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.TraceFlags(flags[0]),
		Remote:     true,
	}), nil
}

// Format renders sc as a traceparent header, or "" when sc is not valid.
func Format(sc trace.SpanContext) string {
	if !sc.IsValid() {
		return ""
	}
	return supportedVersion + "-" + sc.TraceID().String() + "-" + sc.SpanID().String() + "-" + sc.TraceFlags().String()
}

// Inject writes traceparent, trace_id and span_id for the span active in ctx.
// Headers are left untouched when ctx carries no valid span.
func Inject(ctx context.Context, headers map[string]string) {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.IsValid() {
		return
	}
	headers[contracts.HeaderTraceParent] = Format(sc)
	headers[contracts.HeaderTraceID] = sc.TraceID().String()
	headers[contracts.HeaderSpanID] = sc.SpanID().String()
}

// Extract returns the remote parent carried in headers. The zero SpanContext
// and an error are returned when the header is missing or malformed.
func Extract(headers map[string]string) (trace.SpanContext, error) {
	header, ok := headers[contracts.HeaderTraceParent]
	if !ok || header == "" {
		return trace.SpanContext{}, fmt.Errorf("%w: header missing", ErrMalformedTraceParent)
	}
	return Parse(header)
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}
