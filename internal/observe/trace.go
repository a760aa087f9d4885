package observe

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// scope names the tracer and the meter of this module.
const scope = "github.com/MrWong99/echoforge"

// Tracer returns the EchoForge tracer of the global tracer provider.
func Tracer() trace.Tracer { return otel.Tracer(scope) }

// StartSpan starts a span named name under whatever span ctx carries.
func StartSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return Tracer().Start(ctx, name, opts...)
}

// StartTurn starts the span covering one dialogue turn through the pipeline
// of the given tier. An empty session is left out of the attributes.
func StartTurn(ctx context.Context, tier, character, thread, session string) (context.Context, trace.Span) {
	return StartSpan(ctx, "pipeline."+tier, trace.WithAttributes(TurnAttrs(character, thread, session)...))
}

// StartStage starts the span of one pipeline stage. It nests under the turn
// span in ctx.
func StartStage(ctx context.Context, stage string) (context.Context, trace.Span) {
	return StartSpan(ctx, "stage."+stage, trace.WithAttributes(attribute.String("echoforge.stage", stage)))
}

// Fail records err on span and marks it failed. A nil err is ignored.
func Fail(span trace.Span, err error) {
	if err == nil {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

// CorrelationID is the hex trace ID of the span in ctx, or "" without one.
// Clients see it in the X-Correlation-ID header and in turn metadata.
func CorrelationID(ctx context.Context) string {
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

// Logger is the default logger, carrying trace_id and span_id when ctx
// holds a span.
func Logger(ctx context.Context) *slog.Logger {
	sc := trace.SpanContextFromContext(ctx)
	if !sc.HasTraceID() {
		return slog.Default()
	}
	return slog.Default().With(
		slog.String("trace_id", sc.TraceID().String()),
		slog.String("span_id", sc.SpanID().String()),
	)
}

// TurnAttrs identifies a dialogue turn on a span.
func TurnAttrs(character, thread, session string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 3)
	attrs = append(attrs,
		attribute.String("echoforge.character", character),
		attribute.String("echoforge.thread", thread),
	)
	if session != "" {
		attrs = append(attrs, attribute.String("echoforge.session", session))
	}
	return attrs
}
