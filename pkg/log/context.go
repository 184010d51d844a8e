package log

import (
	"context"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

// SetContextLogger stores lg in ctx. If ctx carries a recording span the
// stored logger is a SpanLogger bound to it.
func SetContextLogger(ctx context.Context, lg Logger) context.Context {
	lg = OrNoop(lg)
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		lg = NewSpanLogger(lg, NewOtelSpanEventRecorder(span))
	}
	return context.WithValue(ctx, ctxKey{}, lg)
}

// FromContext returns the logger stored by SetContextLogger, or a NoopLogger.
func FromContext(ctx context.Context) Logger {
	if lg, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return lg
	}
	return NoopLogger{}
}
