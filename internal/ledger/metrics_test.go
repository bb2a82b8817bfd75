package ledger

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/reelads/creditledger/internal/plans"
)

func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()
	c, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues failed: %v", err)
	}
	m := &dto.Metric{}
	_ = c.Write(m)
	return m.Counter.GetValue()
}

func TestApplyIncrementsEventCounters(t *testing.T) {
	eventsTotal.Reset()
	duplicateEventsTotal.Reset()

	engine := NewEngine(NewMemoryStore(), slog.New(slog.DiscardHandler))
	ev := &Event{
		Key:        "seed:acc_metrics",
		AccountID:  "acc_metrics",
		Kind:       KindSubscriptionGrant,
		Tier:       plans.TierStarter,
		OccurredAt: time.Now().UTC(),
	}

	if _, _, err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	if got := counterValue(t, eventsTotal, string(KindSubscriptionGrant), "applied"); got != 1.0 {
		t.Errorf("expected applied counter 1, got %f", got)
	}

	// Redelivery counts as a duplicate, not another applied event
	if _, _, err := engine.Apply(context.Background(), ev); err != nil {
		t.Fatalf("redelivery failed: %v", err)
	}
	if got := counterValue(t, eventsTotal, string(KindSubscriptionGrant), "applied"); got != 1.0 {
		t.Errorf("applied counter moved on redelivery: %f", got)
	}
	if got := counterValue(t, duplicateEventsTotal, string(KindSubscriptionGrant)); got != 1.0 {
		t.Errorf("expected duplicate counter 1, got %f", got)
	}
}

func TestRejectedEventCounters(t *testing.T) {
	eventsTotal.Reset()

	engine := NewEngine(NewMemoryStore(), slog.New(slog.DiscardHandler))

	_, _, err := engine.Apply(context.Background(), &Event{
		Key:        "debit:req_metrics",
		AccountID:  "acc_missing",
		Kind:       KindGenerationDebit,
		Amount:     10,
		OccurredAt: time.Now().UTC(),
	})
	if err == nil {
		t.Fatal("expected debit on missing account to fail")
	}
	if got := counterValue(t, eventsTotal, string(KindGenerationDebit), "not_found"); got != 1.0 {
		t.Errorf("expected not_found counter 1, got %f", got)
	}
}

func TestMetricsRegistered(t *testing.T) {
	gathered, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("Gather failed: %v", err)
	}

	found := make(map[string]bool)
	for _, mf := range gathered {
		found[mf.GetName()] = true
	}

	for _, name := range []string{
		"creditledger_ledger_events_total",
		"creditledger_ledger_duplicate_events_total",
	} {
		if !found[name] {
			t.Logf("metric %s not yet gathered (no data written)", name)
		}
	}
}
