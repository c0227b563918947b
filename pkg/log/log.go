// Package log defines the structured logging facade used across the broker
// and its libraries. The facade is deliberately small: leveled methods with
// alternating key/value context, persistent key-value pairs, hierarchical
// names, and caller-skip control for wrappers.
//
// Two implementations ship with the package: ZapLogger (the production
// backend, configured from the environment) and NoopLogger (a discard
// logger for tests and safe defaults). SpanLogger decorates any Logger so
// that log records are mirrored onto an OpenTelemetry span.
package log

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

// Logger is the logging facade implemented by every backend in this package.
type Logger interface {
	// Debug records fine-grained diagnostic detail.
	Debug(msg string, keysAndValues ...any)
	// Info records routine operational events.
	Info(msg string, keysAndValues ...any)
	// Warn records conditions that are suspicious but survivable.
	Warn(msg string, keysAndValues ...any)
	// Error records failures that need attention.
	Error(msg string, keysAndValues ...any)
	// Fatal records an unrecoverable failure. Backends may exit the process.
	Fatal(msg string, keysAndValues ...any)

	// WithKV returns a logger that attaches the pair to every future record.
	WithKV(key string, value any) Logger
	// GetAllKV returns the persistent pairs accumulated via WithKV.
	GetAllKV() []any
	// WithName returns a logger scoped under the given component name.
	WithName(name string) Logger
	// Name returns the logger's component name.
	Name() string
	// AddCallerSkip returns a logger that skips additional stack frames when
	// resolving the caller. Wrappers use it so call sites stay accurate.
	AddCallerSkip(skip int) Logger
}

// Level is a log severity, ordered from Debug up to Fatal.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder receives log records destined for a tracing span.
type SpanEventRecorder interface {
	// TraceID returns the identifier of the active trace.
	TraceID() string
	// SpanID returns the identifier of the active span.
	SpanID() string
	// RecordEvent attaches a named event with key/value attributes.
	RecordEvent(name string, keysAndValues ...any)
	// RecordError attaches a named error event and marks the span failed.
	RecordError(name string, keysAndValues ...any)
}

type loggerCtxKey struct{}

// SetContextLogger stores lg in the context. When the context carries a
// recording OpenTelemetry span, the stored logger is wrapped in a SpanLogger
// so records land on the span as well. A nil lg stores a NoopLogger.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	if lg == nil {
		lg = NewNoopLogger()
	}

	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		lg = NewSpanLogger(lg, NewOtelSpanEventRecorder(span))
	}

	return context.WithValue(ctx, loggerCtxKey{}, lg)
}

// FromContext returns the logger stored by SetContextLogger, or a NoopLogger
// when none is present.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(loggerCtxKey{}).(Logger); ok {
		return lg
	}
	return NewNoopLogger()
}

var _ Logger = NoopLogger{}

// NoopLogger discards every record. It is the zero-cost default wherever a
// Logger is required but output is unwanted.
type NoopLogger struct{}

// NewNoopLogger returns a logger that drops everything.
func NewNoopLogger() Logger { return NoopLogger{} }

func (NoopLogger) Debug(string, ...any) {}
func (NoopLogger) Info(string, ...any)  {}
func (NoopLogger) Warn(string, ...any)  {}
func (NoopLogger) Error(string, ...any) {}
func (NoopLogger) Fatal(string, ...any) {}

func (n NoopLogger) WithKV(string, any) Logger  { return n }
func (NoopLogger) GetAllKV() []any              { return nil }
func (n NoopLogger) WithName(string) Logger     { return n }
func (NoopLogger) Name() string                 { return "noop" }
func (n NoopLogger) AddCallerSkip(int) Logger   { return n }
