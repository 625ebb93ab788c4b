package logger

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel/trace"
)

type ctxKey struct{}

func AttrsFromCtx(ctx context.Context) []slog.Attr {
	sc := trace.SpanFromContext(ctx).SpanContext()
	if !sc.IsValid() {
		return nil
	}

	return []slog.Attr{
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	}
}

// WithContext кладёт логгер запроса в ctx; FromCtx достаёт его обратно.
func WithContext(ctx context.Context, l *slog.Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromCtx — логгер запроса (или процесса) с trace_id/span_id текущего спана, если он есть.
func FromCtx(ctx context.Context) *slog.Logger {
	base, ok := ctx.Value(ctxKey{}).(*slog.Logger)
	if !ok || base == nil {
		base = L()
	}
	attrs := AttrsFromCtx(ctx)
	if len(attrs) == 0 {
		return base
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return base.With(args...)
}
