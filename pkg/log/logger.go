// Package log is the structured logging facade used by every nodelink package.
//
// Components receive a Logger and derive named children from it
// ("engine", "transport.ipc", "supervisor") so that a single zap core
// serves the whole process. When a context carries an OpenTelemetry span,
// FromContext returns a logger that mirrors every entry onto that span.
package log

// Logger is the logging surface handed to components.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Warn(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
	// Fatal logs and terminates the process when the backend supports it.
	Fatal(msg string, keysAndValues ...any)

	// WithKV returns a child logger that attaches key=value to every entry.
	WithKV(key string, value any) Logger
	// GetAllKV returns the pairs accumulated through WithKV.
	GetAllKV() []any
	// WithName returns a child logger whose name is suffixed with name.
	WithName(name string) Logger
	Name() string
	// AddCallerSkip is used by wrappers so the reported caller stays accurate.
	AddCallerSkip(skip int) Logger
}

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
	LevelFatal Level = "fatal"
)

// SpanEventRecorder receives log entries as trace span events.
type SpanEventRecorder interface {
	TraceID() string
	SpanID() string
	RecordEvent(name string, keysAndValues ...any)
	RecordError(name string, keysAndValues ...any)
}
