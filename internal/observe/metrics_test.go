package observe

import (
	"context"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// snapshot is one collection of a manual reader, indexed by instrument name.
type snapshot map[string]metricdata.Aggregation

func meter(t *testing.T) (*Metrics, func() snapshot) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })

	m, err := NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m, func() snapshot {
		var rm metricdata.ResourceMetrics
		if err := reader.Collect(context.Background(), &rm); err != nil {
			t.Fatalf("Collect: %v", err)
		}
		s := snapshot{}
		for _, sm := range rm.ScopeMetrics {
			for _, md := range sm.Metrics {
				s[md.Name] = md.Data
			}
		}
		return s
	}
}

// count sums the int64 points of name whose attribute key equals value.
func (s snapshot) count(t *testing.T, name, key, value string) int64 {
	t.Helper()
	sum, ok := s[name].(metricdata.Sum[int64])
	if !ok {
		t.Fatalf("%s: got %T, want an int64 sum", name, s[name])
	}
	var n int64
	for _, dp := range sum.DataPoints {
		if v, ok := dp.Attributes.Value(attribute.Key(key)); ok && v.AsString() == value {
			n += dp.Value
		}
	}
	return n
}

// samples is the number of observations recorded by histogram name.
func (s snapshot) samples(t *testing.T, name string) uint64 {
	t.Helper()
	hist, ok := s[name].(metricdata.Histogram[float64])
	if !ok {
		t.Fatalf("%s: got %T, want a float64 histogram", name, s[name])
	}
	var n uint64
	for _, dp := range hist.DataPoints {
		n += dp.Count
	}
	return n
}

func TestRecordTurn(t *testing.T) {
	m, collect := meter(t)
	ctx := context.Background()

	m.RecordTurn(ctx, "Fathira", "full", "", 120*time.Millisecond)
	m.RecordTurn(ctx, "Fathira", "full", "", 80*time.Millisecond)
	m.RecordTurn(ctx, "Roberte", "simplified", "store-unavailable", 10*time.Millisecond)

	s := collect()
	if got := s.count(t, "echoforge.turns", "tier", "full"); got != 2 {
		t.Errorf("full turns = %d, want 2", got)
	}
	if got := s.count(t, "echoforge.turns", "character", "Roberte"); got != 1 {
		t.Errorf("turns for Roberte = %d, want 1", got)
	}
	if got := s.count(t, "echoforge.fallbacks", "reason", "store-unavailable"); got != 1 {
		t.Errorf("store-unavailable fallbacks = %d, want 1", got)
	}
	if got := s.samples(t, "echoforge.turn.duration"); got != 3 {
		t.Errorf("turn duration samples = %d, want 3", got)
	}
}

func TestRecordStage(t *testing.T) {
	m, collect := meter(t)
	m.RecordStage(context.Background(), "load_memory", 5*time.Millisecond)
	m.RecordStage(context.Background(), "generate", time.Second)

	if got := collect().samples(t, "echoforge.stage.duration"); got != 2 {
		t.Errorf("stage duration samples = %d, want 2", got)
	}
}

func TestDomainCounters(t *testing.T) {
	m, collect := meter(t)
	ctx := context.Background()

	m.RecordSummary(ctx, "explicit-farewell", "ok")
	m.RecordRetrieval(ctx, "hit")
	m.RecordRetrieval(ctx, "hit")
	m.RecordRetrieval(ctx, "miss")
	m.RecordTrigger(ctx, "output", "give_cookies")
	m.RecordProviderCall(ctx, "openai", "llm", ProviderOK)
	m.RecordProviderCall(ctx, "openai", "llm", ProviderError)
	m.RecordProviderCall(ctx, "ollama", "llm", ProviderSkipped)

	s := collect()
	tests := []struct {
		metric, key, value string
		want               int64
	}{
		{"echoforge.summaries", "kind", "explicit-farewell", 1},
		{"echoforge.retrieval.searches", "outcome", "hit", 2},
		{"echoforge.retrieval.searches", "outcome", "miss", 1},
		{"echoforge.triggers", "trigger", "give_cookies", 1},
		{"echoforge.provider.requests", "status", "ok", 1},
		{"echoforge.provider.requests", "status", "skipped", 1},
		{"echoforge.provider.errors", "provider", "openai", 1},
		{"echoforge.provider.errors", "provider", "ollama", 0},
	}
	for _, tc := range tests {
		t.Run(tc.metric+"/"+tc.value, func(t *testing.T) {
			if got := s.count(t, tc.metric, tc.key, tc.value); got != tc.want {
				t.Errorf("%s{%s=%q} = %d, want %d", tc.metric, tc.key, tc.value, got, tc.want)
			}
		})
	}
}

func TestRecordPipelines_IsAGauge(t *testing.T) {
	m, collect := meter(t)
	m.RecordPipelines(context.Background(), 3)
	m.RecordPipelines(context.Background(), -1)

	sum, ok := collect()["echoforge.pipelines"].(metricdata.Sum[int64])
	if !ok || sum.IsMonotonic {
		t.Fatalf("pipelines = %+v, want a non-monotonic sum", sum)
	}
	if got := sum.DataPoints[0].Value; got != 2 {
		t.Errorf("pipelines = %d, want 2", got)
	}
}

func TestDefaultMetrics_Shared(t *testing.T) {
	if DefaultMetrics() != DefaultMetrics() {
		t.Error("DefaultMetrics built a second instance")
	}
}
