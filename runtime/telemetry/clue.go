package telemetry

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
)

type (
	// ClueLogger delegates to goa.design/clue/log. The logger reads
	// formatting and debug settings from the context (set via log.Context,
	// log.WithFormat and log.WithDebug).
	ClueLogger struct{}

	// OtelMetrics records measurements through OTEL metrics. Configure the
	// global MeterProvider before invoking kernel methods.
	OtelMetrics struct {
		meter metric.Meter
	}

	// Tracer creates spans around pipeline stages. The kernel tolerates a nil
	// tracer.
	Tracer interface {
		Start(ctx context.Context, name string) (context.Context, Span)
	}

	// Span is a minimal span handle.
	Span interface {
		End()
		RecordError(err error)
	}

	// OtelTracer delegates to the global OTEL TracerProvider.
	OtelTracer struct {
		tracer trace.Tracer
	}

	otelSpan struct {
		span trace.Span
	}
)

// NewClueLogger constructs a Logger backed by goa.design/clue/log.
func NewClueLogger() Logger {
	return ClueLogger{}
}

// NewOtelMetrics constructs a Metrics recorder backed by OTEL metrics.
func NewOtelMetrics() Metrics {
	return &OtelMetrics{meter: otel.Meter("goa.design/parserator/runtime")}
}

// NewOtelTracer constructs a Tracer backed by the global OTEL TracerProvider.
func NewOtelTracer() Tracer {
	return &OtelTracer{tracer: otel.Tracer("goa.design/parserator/runtime")}
}

// Debug emits a debug-level log message with structured key-value pairs.
func (ClueLogger) Debug(ctx context.Context, msg string, keyvals ...any) {
	log.Debug(ctx, clueFields(msg, keyvals)...)
}

// Info emits an info-level log message with structured key-value pairs.
func (ClueLogger) Info(ctx context.Context, msg string, keyvals ...any) {
	log.Info(ctx, clueFields(msg, keyvals)...)
}

// Warn emits a warning-level log message with structured key-value pairs.
func (ClueLogger) Warn(ctx context.Context, msg string, keyvals ...any) {
	log.Warn(ctx, clueFields(msg, keyvals)...)
}

// Error emits an error-level log message with structured key-value pairs.
func (ClueLogger) Error(ctx context.Context, msg string, keyvals ...any) {
	log.Error(ctx, nil, clueFields(msg, keyvals)...)
}

// IncCounter increments a counter metric by the given value.
func (m *OtelMetrics) IncCounter(name string, value float64, tags ...string) {
	counter, err := m.meter.Float64Counter(name)
	if err != nil {
		return
	}
	counter.Add(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// RecordTimer records a duration histogram metric.
func (m *OtelMetrics) RecordTimer(name string, duration time.Duration, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name)
	if err != nil {
		return
	}
	histogram.Record(context.Background(), duration.Seconds(), metric.WithAttributes(tagAttrs(tags)...))
}

// RecordGauge records a gauge-style measurement. OTEL has no synchronous
// gauge, so a suffixed histogram stands in.
func (m *OtelMetrics) RecordGauge(name string, value float64, tags ...string) {
	histogram, err := m.meter.Float64Histogram(name + "_gauge")
	if err != nil {
		return
	}
	histogram.Record(context.Background(), value, metric.WithAttributes(tagAttrs(tags)...))
}

// Start opens a span with the given name.
func (t *OtelTracer) Start(ctx context.Context, name string) (context.Context, Span) {
	newCtx, span := t.tracer.Start(ctx, name)
	return newCtx, &otelSpan{span: span}
}

func (s *otelSpan) End() { s.span.End() }

func (s *otelSpan) RecordError(err error) {
	if err != nil {
		s.span.RecordError(err)
	}
}

// clueFields converts a message plus alternating key/value pairs into Clue
// fielders. Non-string keys are skipped; a trailing key pairs with nil.
func clueFields(msg string, keyvals []any) []log.Fielder {
	fielders := []log.Fielder{log.KV{K: "msg", V: msg}}
	for i := 0; i < len(keyvals); i += 2 {
		k, ok := keyvals[i].(string)
		if !ok {
			continue
		}
		var v any
		if i+1 < len(keyvals) {
			v = keyvals[i+1]
		}
		fielders = append(fielders, log.KV{K: k, V: v})
	}
	return fielders
}

func tagAttrs(tags []string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, len(tags)/2)
	for i := 0; i < len(tags); i += 2 {
		v := ""
		if i+1 < len(tags) {
			v = tags[i+1]
		}
		attrs = append(attrs, attribute.String(tags[i], v))
	}
	return attrs
}
