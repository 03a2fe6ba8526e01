//go:build unit

package opentelemetry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

// Propagator state is process global, so these tests do not run in
// parallel.
func withTraceContextPropagator(t *testing.T) {
	t.Helper()

	previous := otel.GetTextMapPropagator()
	otel.SetTextMapPropagator(propagation.TraceContext{})
	t.Cleanup(func() { otel.SetTextMapPropagator(previous) })
}

func contextWithSpan(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("0102030405060708090a0b0c0d0e0f10")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("0102030405060708")
	require.NoError(t, err)

	spanContext := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	})

	return trace.ContextWithSpanContext(context.Background(), spanContext), spanContext
}

func TestQueueTraceContextRoundTrip(t *testing.T) {
	withTraceContextPropagator(t)

	ctx, want := contextWithSpan(t)

	headers := InjectQueueTraceContext(ctx)
	require.NotEmpty(t, headers)
	assert.Contains(t, headers, "Traceparent")

	extracted := ExtractQueueTraceContext(context.Background(), headers)
	got := trace.SpanContextFromContext(extracted)
	assert.Equal(t, want.TraceID(), got.TraceID())
}

func TestPrepareQueueHeadersKeepsBaseHeaders(t *testing.T) {
	withTraceContextPropagator(t)

	ctx, _ := contextWithSpan(t)

	headers := PrepareQueueHeaders(ctx, map[string]any{"EventType": "AccountCreatedEvent"})
	assert.Equal(t, "AccountCreatedEvent", headers["EventType"])
	assert.Contains(t, headers, "Traceparent")
}

func TestExtractTraceContextFromQueueHeaders(t *testing.T) {
	withTraceContextPropagator(t)

	ctx, want := contextWithSpan(t)
	injected := PrepareQueueHeaders(ctx, nil)

	t.Run("string_values_extracted", func(t *testing.T) {
		extracted := ExtractTraceContextFromQueueHeaders(context.Background(), injected)
		got := trace.SpanContextFromContext(extracted)
		assert.Equal(t, want.TraceID(), got.TraceID())
	})

	t.Run("non_string_values_ignored", func(t *testing.T) {
		extracted := ExtractTraceContextFromQueueHeaders(context.Background(), map[string]any{"Traceparent": 42})
		assert.False(t, trace.SpanContextFromContext(extracted).IsValid())
	})

	t.Run("empty_headers_return_base_context", func(t *testing.T) {
		base := context.Background()
		assert.Equal(t, base, ExtractTraceContextFromQueueHeaders(base, nil))
	})
}

func TestGetTraceIDFromContext(t *testing.T) {
	t.Run("valid_span", func(t *testing.T) {
		ctx, want := contextWithSpan(t)
		assert.Equal(t, want.TraceID().String(), GetTraceIDFromContext(ctx))
	})

	t.Run("no_span", func(t *testing.T) {
		assert.Empty(t, GetTraceIDFromContext(context.Background()))
	})
}

func TestHandleSpanHelpersTolerateNilInputs(t *testing.T) {
	t.Parallel()

	HandleSpanError(nil, "boom", assert.AnError)
	HandleSpanEvent(nil, "event")

	_, span := noop.NewTracerProvider().Tracer("test").Start(context.Background(), "op")
	defer span.End()

	HandleSpanError(span, "boom", nil)
	HandleSpanError(span, "boom", assert.AnError)
	HandleSpanEvent(span, "event")
}
