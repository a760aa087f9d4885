package observe

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// useTracerProvider installs a synchronous in-memory tracer provider as the
// global one for the duration of the test. Tests using it must not run in
// parallel.
func useTracerProvider(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exp := tracetest.NewInMemoryExporter()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSyncer(exp))
	prev := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(prev)
		_ = tp.Shutdown(context.Background())
	})
	return exp
}

// captureLogs routes the default slog logger into a buffer.
func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	return captureLogsAt(t, slog.LevelInfo)
}

func captureLogsAt(t *testing.T, level slog.Level) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: level})))
	t.Cleanup(func() { slog.SetDefault(prev) })
	return &buf
}

func TestStartTurn_WithStageChild(t *testing.T) {
	exp := useTracerProvider(t)

	ctx, turn := StartTurn(context.Background(), "full", "Fathira", "t1", "s1")
	_, stage := StartStage(ctx, "generate")
	stage.End()
	turn.End()

	spans := exp.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("recorded %d spans, want 2", len(spans))
	}
	child, parent := spans[0], spans[1]
	if child.Name != "stage.generate" || parent.Name != "pipeline.full" {
		t.Fatalf("span names = %q, %q", child.Name, parent.Name)
	}
	if child.Parent.SpanID() != parent.SpanContext.SpanID() {
		t.Error("stage span is not a child of the turn span")
	}
	if child.SpanContext.TraceID() != parent.SpanContext.TraceID() {
		t.Error("stage and turn spans have different trace IDs")
	}
	if len(parent.Attributes) != 3 {
		t.Errorf("turn attributes = %v", parent.Attributes)
	}
}

func TestFail(t *testing.T) {
	exp := useTracerProvider(t)

	_, ok := StartStage(context.Background(), "retrieve")
	Fail(ok, nil)
	ok.End()
	_, bad := StartStage(context.Background(), "generate")
	Fail(bad, errors.New("model unavailable"))
	bad.End()

	spans := exp.GetSpans()
	if spans[0].Status.Code == codes.Error || len(spans[0].Events) != 0 {
		t.Errorf("nil error marked the span: %+v", spans[0].Status)
	}
	if spans[1].Status.Code != codes.Error || spans[1].Status.Description != "model unavailable" {
		t.Errorf("status = %+v", spans[1].Status)
	}
	if len(spans[1].Events) != 1 || spans[1].Events[0].Name != "exception" {
		t.Errorf("error event not recorded: %v", spans[1].Events)
	}
}

func TestCorrelationID(t *testing.T) {
	if got := CorrelationID(context.Background()); got != "" {
		t.Errorf("CorrelationID(background) = %q, want empty", got)
	}

	useTracerProvider(t)
	seen := make(map[string]bool)
	for range 50 {
		ctx, span := StartSpan(context.Background(), "turn")
		id := CorrelationID(ctx)
		span.End()
		if len(id) != 32 || strings.Trim(id, "0123456789abcdef") != "" {
			t.Fatalf("CorrelationID = %q, want 32 hex digits", id)
		}
		if seen[id] {
			t.Fatalf("duplicate correlation ID %s", id)
		}
		seen[id] = true
	}
}

func TestLogger(t *testing.T) {
	useTracerProvider(t)
	buf := captureLogs(t)

	Logger(context.Background()).Info("no span")
	if strings.Contains(buf.String(), "trace_id") {
		t.Errorf("log without span carries trace_id: %s", buf)
	}

	buf.Reset()
	ctx, span := StartSpan(context.Background(), "turn")
	defer span.End()
	Logger(ctx).Info("in span")
	for _, want := range []string{"trace_id=" + CorrelationID(ctx), "span_id="} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log %q missing %q", buf, want)
		}
	}
}

func TestTurnAttrs(t *testing.T) {
	attrs := TurnAttrs("Fathira", "t1", "")
	if len(attrs) != 2 {
		t.Fatalf("without session: got %d attrs, want 2", len(attrs))
	}
	attrs = TurnAttrs("Fathira", "t1", "s1")
	if len(attrs) != 3 || attrs[2].Value.AsString() != "s1" {
		t.Errorf("with session: got %v", attrs)
	}
}

func TestInitProvider(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	exp := tracetest.NewInMemoryExporter()
	reg := prometheus.NewRegistry()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		ServiceVersion: "test",
		SampleRatio:    1,
		Registerer:     reg,
		TraceExporter:  exp,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}

	_, span := StartSpan(context.Background(), "turn")
	span.End()

	m, err := NewMetrics(otel.GetMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	m.RecordSummary(context.Background(), "length", "ok")

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if strings.HasPrefix(f.GetName(), "echoforge_summaries") {
			found = true
		}
	}
	if !found {
		t.Error("summary counter not exported to the Prometheus registry")
	}

	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if spans := exp.GetSpans(); len(spans) != 1 || spans[0].Name != "turn" {
		t.Errorf("exported spans = %v, want [turn]", spans)
	}
}

func TestInitProvider_SampleRatioZeroDropsRootSpans(t *testing.T) {
	prevTP, prevMP := otel.GetTracerProvider(), otel.GetMeterProvider()
	t.Cleanup(func() {
		otel.SetTracerProvider(prevTP)
		otel.SetMeterProvider(prevMP)
	})

	exp := tracetest.NewInMemoryExporter()
	shutdown, err := InitProvider(context.Background(), ProviderConfig{
		Registerer:    prometheus.NewRegistry(),
		TraceExporter: exp,
	})
	if err != nil {
		t.Fatalf("InitProvider: %v", err)
	}
	ctx, span := StartSpan(context.Background(), "turn")
	if CorrelationID(ctx) == "" {
		t.Error("unsampled span has no trace ID for log correlation")
	}
	span.End()
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if n := len(exp.GetSpans()); n != 0 {
		t.Errorf("exported %d spans, want 0", n)
	}
}

func TestInitProvider_InvalidRatio(t *testing.T) {
	if _, err := InitProvider(context.Background(), ProviderConfig{SampleRatio: 1.5}); err == nil {
		t.Error("InitProvider accepted a sample ratio of 1.5")
	}
}
