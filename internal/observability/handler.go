package observability

import (
	"context"
	"log/slog"
	"os"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// TraceLogHandler wraps a JSON handler so every record carries the
// active trace and span ids, and counts log volume per level.
type TraceLogHandler struct {
	inner       slog.Handler
	serviceName string
	logCounter  metric.Int64Counter
}

func NewTraceLogHandler(meter metric.Meter, serviceName string, level slog.Level) (*TraceLogHandler, error) {
	logCounter, err := meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log entries"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	inner := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level})
	return &TraceLogHandler{
		inner:       inner.WithAttrs([]slog.Attr{slog.String("service", serviceName)}),
		serviceName: serviceName,
		logCounter:  logCounter,
	}, nil
}

func (h *TraceLogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *TraceLogHandler) Handle(ctx context.Context, r slog.Record) error {
	if span := trace.SpanFromContext(ctx); span.SpanContext().IsValid() {
		spanCtx := span.SpanContext()
		r.AddAttrs(
			slog.String("trace_id", spanCtx.TraceID().String()),
			slog.String("span_id", spanCtx.SpanID().String()),
		)
	}

	h.logCounter.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", r.Level.String()),
		attribute.String("service", h.serviceName),
	))

	return h.inner.Handle(ctx, r)
}

func (h *TraceLogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &TraceLogHandler{
		inner:       h.inner.WithAttrs(attrs),
		serviceName: h.serviceName,
		logCounter:  h.logCounter,
	}
}

func (h *TraceLogHandler) WithGroup(name string) slog.Handler {
	return &TraceLogHandler{
		inner:       h.inner.WithGroup(name),
		serviceName: h.serviceName,
		logCounter:  h.logCounter,
	}
}
