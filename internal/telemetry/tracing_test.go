package telemetry

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogExporter(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(NewLogExporter(zap.New(core))))
	tracer := tp.Tracer("test")

	_, span := tracer.Start(context.Background(), "input.touch")
	span.SetAttributes(attribute.String("l2d.packet_id", "p-1"))
	span.End()

	_, span = tracer.Start(context.Background(), "custom.op")
	span.RecordError(errors.New("boom"))
	span.SetStatus(codes.Error, "unknown op")
	span.End()

	require.NoError(t, tp.Shutdown(context.Background()))

	entries := logs.AllUntimed()
	require.Len(t, entries, 2)

	ok := entries[0].ContextMap()
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "input.touch", ok["span"])
	assert.Equal(t, "p-1", ok["l2d.packet_id"])
	assert.NotEmpty(t, ok["traceId"])

	failed := entries[1].ContextMap()
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, "custom.op", failed["span"])
	assert.Equal(t, "unknown op", failed["status"])
}

func TestNewTracerProviderSampling(t *testing.T) {
	tests := []struct {
		ratio   float64
		sampled bool
	}{
		{1, true},
		{2, true},
		{0, false},
		{-1, false},
	}
	for _, tt := range tests {
		tp := NewTracerProvider(TraceOptions{SampleRatio: tt.ratio}, zap.NewNop())
		_, span := tp.Tracer("test").Start(context.Background(), "op")
		assert.Equal(t, tt.sampled, span.SpanContext().IsSampled(), "ratio %v", tt.ratio)
		span.End()
		require.NoError(t, tp.Shutdown(context.Background()))
	}
}
