package tracing

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func recordSpans(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	sr := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(sr))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return sr
}

func attrValue(span tracesdk.ReadOnlySpan, key attribute.Key) (string, bool) {
	for _, kv := range span.Attributes() {
		if kv.Key == key {
			return kv.Value.Emit(), true
		}
	}
	return "", false
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.False(t, cfg.Enabled)
	assert.Equal(t, "voicechat", cfg.ServiceName)
	assert.Equal(t, "http://localhost:14268/api/traces", cfg.JaegerURL)
	assert.Equal(t, 1.0, cfg.SampleRate)
}

func TestInitDisabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	require.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))
}

func TestStartSpan(t *testing.T) {
	_, span := StartSpan(context.Background(), "test.operation")
	require.NotNil(t, span)
	span.End()
}

func TestSpanHelpersWithoutProvider(t *testing.T) {
	ctx, span := StartSpan(context.Background(), "test")
	defer span.End()

	AddSpanAttributes(ctx,
		attribute.String("test.key", "test.value"),
		attribute.Int("test.number", 42),
	)
	RecordError(ctx, errors.New("test error"))
	MeasureDuration(ctx, time.Now().Add(-10*time.Millisecond), "test.operation")
	assert.NotNil(t, SpanFromContext(ctx))
}

func TestTraceHelpers(t *testing.T) {
	_, httpSpan := TraceHTTPRequest(context.Background(), "GET", "/api/rooms")
	require.NotNil(t, httpSpan)
	httpSpan.End()

	_, signalSpan := TraceSignalRequest(context.Background(), "join", "conn-1")
	require.NotNil(t, signalSpan)
	signalSpan.End()

	_, engineSpan := TraceEngine(context.Background(), "create_router", "General")
	require.NotNil(t, engineSpan)
	engineSpan.End()
}

func TestEndSpanSetsStatus(t *testing.T) {
	sr := recordSpans(t)

	ctx, span := TraceEngine(context.Background(), "produce", "General")
	span.SetAttributes(TransportIDKey.String("t-1"), ProducerIDKey.String("p-1"))
	EndSpan(ctx, nil)

	ctx, _ = TraceEngine(context.Background(), "consume", "General")
	SetSpanStatus(ctx, codes.Unset, "")
	EndSpan(ctx, errors.New("producer not found"))

	ended := sr.Ended()
	require.Len(t, ended, 2)

	assert.Equal(t, "engine.produce", ended[0].Name())
	assert.Equal(t, codes.Ok, ended[0].Status().Code)
	room, _ := attrValue(ended[0], RoomKey)
	assert.Equal(t, "General", room)
	producer, ok := attrValue(ended[0], ProducerIDKey)
	require.True(t, ok)
	assert.Equal(t, "p-1", producer)

	assert.Equal(t, "engine.consume", ended[1].Name())
	assert.Equal(t, codes.Error, ended[1].Status().Code)
	assert.Equal(t, "producer not found", ended[1].Status().Description)
	require.Len(t, ended[1].Events(), 1)
}

func TestMeasureDurationRecordsMilliseconds(t *testing.T) {
	sr := recordSpans(t)

	ctx, span := TraceSignalRequest(context.Background(), "join", "conn-1")
	MeasureDuration(ctx, time.Now().Add(-25*time.Millisecond), "join")
	span.End()

	ended := sr.Ended()
	require.Len(t, ended, 1)
	conn, _ := attrValue(ended[0], ConnectionIDKey)
	assert.Equal(t, "conn-1", conn)
	_, ok := attrValue(ended[0], DurationKey)
	assert.True(t, ok)
}
