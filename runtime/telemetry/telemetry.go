package telemetry

import (
	"context"
	"time"
)

type (
	// Logger is the structured logging contract the runtime is written
	// against. Implementations receive alternating key/value pairs.
	Logger interface {
		Debug(ctx context.Context, msg string, keyvals ...any)
		Info(ctx context.Context, msg string, keyvals ...any)
		Warn(ctx context.Context, msg string, keyvals ...any)
		Error(ctx context.Context, msg string, keyvals ...any)
	}

	// Metrics records counters, timers and gauges for kernel instrumentation.
	// Tags are alternating key/value strings.
	Metrics interface {
		IncCounter(name string, value float64, tags ...string)
		RecordTimer(name string, duration time.Duration, tags ...string)
		RecordGauge(name string, value float64, tags ...string)
	}

	// NoopLogger discards all log output. It is the default when callers do
	// not provide a logger.
	NoopLogger struct{}

	// NoopMetrics discards all measurements.
	NoopMetrics struct{}
)

func (NoopLogger) Debug(context.Context, string, ...any) {}
func (NoopLogger) Info(context.Context, string, ...any)  {}
func (NoopLogger) Warn(context.Context, string, ...any)  {}
func (NoopLogger) Error(context.Context, string, ...any) {}

func (NoopMetrics) IncCounter(string, float64, ...string)           {}
func (NoopMetrics) RecordTimer(string, time.Duration, ...string)    {}
func (NoopMetrics) RecordGauge(string, float64, ...string)          {}
