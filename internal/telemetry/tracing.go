package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.uber.org/zap"
)

const ServiceName = "l2dbridge"

type TraceOptions struct {
	ServiceName string
	// SampleRatio is the share of root spans kept, clamped to [0, 1].
	SampleRatio float64
}

// NewTracerProvider returns a provider that batches finished spans into the
// log. The caller owns Shutdown.
func NewTracerProvider(opts TraceOptions, logger *zap.Logger) *sdktrace.TracerProvider {
	if opts.ServiceName == "" {
		opts.ServiceName = ServiceName
	}
	ratio := opts.SampleRatio
	if ratio < 0 {
		ratio = 0
	}
	if ratio > 1 {
		ratio = 1
	}
	return sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(NewLogExporter(logger)),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(ratio))),
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", opts.ServiceName))),
	)
}

// LogExporter writes finished spans to a zap logger. Failed spans are logged
// at warn level, the rest at debug.
type LogExporter struct {
	logger *zap.Logger
}

func NewLogExporter(logger *zap.Logger) *LogExporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogExporter{logger: logger}
}

func (e *LogExporter) ExportSpans(_ context.Context, spans []sdktrace.ReadOnlySpan) error {
	for _, s := range spans {
		sc := s.SpanContext()
		fields := []zap.Field{
			zap.String("span", s.Name()),
			zap.String("traceId", sc.TraceID().String()),
			zap.String("spanId", sc.SpanID().String()),
			zap.Duration("duration", s.EndTime().Sub(s.StartTime())),
		}
		for _, kv := range s.Attributes() {
			fields = append(fields, zap.String(string(kv.Key), kv.Value.Emit()))
		}
		if st := s.Status(); st.Code == codes.Error {
			e.logger.Warn("Span failed", append(fields, zap.String("status", st.Description))...)
			continue
		}
		e.logger.Debug("Span finished", fields...)
	}
	return nil
}

func (e *LogExporter) Shutdown(context.Context) error { return nil }
