package log_test

import (
	"github.com/layer-3/tollgate/pkg/log"
)

var _ log.Logger = &mockLogger{}

// mockLogger captures the last record and the logger state mutations so
// tests can assert on what a decorator forwarded.
type mockLogger struct {
	lastEntry mockLogEntry

	name          string
	keysAndValues []any
	callerSkip    int
}

type mockLogEntry struct {
	Level         log.Level
	Message       string
	KeysAndValues []any
}

func newMockLogger() *mockLogger {
	return &mockLogger{name: "mock", keysAndValues: []any{}}
}

func (ml *mockLogger) Debug(msg string, keysAndValues ...any) {
	ml.record(log.LevelDebug, msg, keysAndValues...)
}

func (ml *mockLogger) Info(msg string, keysAndValues ...any) {
	ml.record(log.LevelInfo, msg, keysAndValues...)
}

func (ml *mockLogger) Warn(msg string, keysAndValues ...any) {
	ml.record(log.LevelWarn, msg, keysAndValues...)
}

func (ml *mockLogger) Error(msg string, keysAndValues ...any) {
	ml.record(log.LevelError, msg, keysAndValues...)
}

func (ml *mockLogger) Fatal(msg string, keysAndValues ...any) {
	ml.record(log.LevelFatal, msg, keysAndValues...)
}

func (ml *mockLogger) WithKV(key string, value any) log.Logger {
	ml.keysAndValues = append(ml.keysAndValues, key, value)
	return ml
}

func (ml *mockLogger) GetAllKV() []any { return ml.keysAndValues }

func (ml *mockLogger) WithName(name string) log.Logger {
	ml.name = name
	return ml
}

func (ml *mockLogger) Name() string { return ml.name }

func (ml *mockLogger) AddCallerSkip(skip int) log.Logger {
	ml.callerSkip += skip
	return ml
}

func (ml *mockLogger) record(level log.Level, msg string, keysAndValues ...any) {
	ml.lastEntry = mockLogEntry{
		Level:         level,
		Message:       msg,
		KeysAndValues: append(append([]any{}, ml.keysAndValues...), keysAndValues...),
	}
}

var _ log.SpanEventRecorder = &mockSpanEventRecorder{}

// mockSpanEventRecorder collects span events so SpanLogger tests can check
// what was mirrored onto the span.
type mockSpanEventRecorder struct {
	traceID string
	spanID  string

	events []mockSpanEvent
}

type mockSpanEvent struct {
	Name          string
	IsError       bool
	KeysAndValues []any
}

func newMockSpanEventRecorder() *mockSpanEventRecorder {
	return &mockSpanEventRecorder{traceID: "trace-1", spanID: "span-1"}
}

func (ser *mockSpanEventRecorder) TraceID() string { return ser.traceID }
func (ser *mockSpanEventRecorder) SpanID() string  { return ser.spanID }

func (ser *mockSpanEventRecorder) RecordEvent(name string, keysAndValues ...any) {
	ser.events = append(ser.events, mockSpanEvent{Name: name, KeysAndValues: keysAndValues})
}

func (ser *mockSpanEventRecorder) RecordError(name string, keysAndValues ...any) {
	ser.events = append(ser.events, mockSpanEvent{Name: name, IsError: true, KeysAndValues: keysAndValues})
}

func (ser *mockSpanEventRecorder) lastEvent() mockSpanEvent {
	if len(ser.events) == 0 {
		return mockSpanEvent{}
	}
	return ser.events[len(ser.events)-1]
}
