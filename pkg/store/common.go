package store

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "sms-relay"

func startSpan(ctx context.Context, system, operation string) (context.Context, trace.Span) {
	ctx, span := otel.Tracer(tracerName).Start(ctx, "outbox."+operation, trace.WithSpanKind(trace.SpanKindClient))
	span.SetAttributes(
		attribute.String("db.system", system),
		attribute.String("db.operation", operation),
	)
	return ctx, span
}

func endSpan(span trace.Span, started time.Time, affected int64, err error) {
	span.SetAttributes(
		attribute.Int64("outbox.rows_affected", affected),
		attribute.Float64("db.execution_time_ms", float64(time.Since(started).Milliseconds())),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

func validateRecord(rec *TransportRecord) error {
	if rec == nil {
		return ErrRecordRequired
	}
	if rec.ID == "" {
		return ErrRecordIDRequired
	}
	return nil
}

func timePtr(t time.Time) *time.Time {
	t = t.UTC()
	return &t
}
