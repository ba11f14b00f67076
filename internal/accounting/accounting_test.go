package accounting

import (
	"context"
	"testing"
	"time"

	"github.com/ki2pixel/kimi-proxy/internal/providers"
	"github.com/ki2pixel/kimi-proxy/internal/router"
	"github.com/ki2pixel/kimi-proxy/internal/store"
	"github.com/ki2pixel/kimi-proxy/internal/tokenizer"
)

func testAccountant(t *testing.T) (*Accountant, store.Store) {
	t.Helper()
	provs := []providers.ProviderConfig{
		{Key: "pA", Type: providers.TypeOpenAICompatible, BaseURL: "http://fixture-a"},
	}
	models := []providers.ModelConfig{
		{ClientKey: "alias/x", UpstreamName: "real-x", ProviderKey: "pA", MaxContext: 1000},
		{ClientKey: "alias/y", UpstreamName: "real-y", ProviderKey: "pA", MaxContext: 4000},
	}
	rt := router.New(provs, models, "127.0.0.1:9", false)
	st := store.NewMemoryStore(context.Background(), 3, time.Hour)
	t.Cleanup(func() { _ = st.Close() })
	return New(tokenizer.New(), rt, st), st
}

func TestEstimateAndReconcileAuthoritative(t *testing.T) {
	a, st := testAccountant(t)
	sid, err := st.CreateSession(context.Background(), &store.Session{Name: "s", MaxContext: 1000})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}

	msgs := []providers.Message{{Role: "user", Content: "hello there"}}
	metricID, estimated, err := a.Estimate(context.Background(), sid, "gpt-4o-mini", msgs)
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if estimated <= 0 {
		t.Fatalf("expected positive estimated token count, got %d", estimated)
	}

	if err := a.ReconcileAuthoritative(context.Background(), metricID, providers.Usage{InputTokens: 12, OutputTokens: 34}, "stop"); err != nil {
		t.Fatalf("ReconcileAuthoritative: %v", err)
	}

	totalIn, totalOut, err := a.SessionTotals(context.Background(), sid)
	if err != nil {
		t.Fatalf("SessionTotals: %v", err)
	}
	if totalIn != 12 || totalOut != 34 {
		t.Fatalf("expected totals (12,34) after reconciliation, got (%d,%d)", totalIn, totalOut)
	}
}

func TestReconcilePartialKeepsEstimatedFlag(t *testing.T) {
	a, st := testAccountant(t)
	sid, _ := st.CreateSession(context.Background(), &store.Session{Name: "s", MaxContext: 1000})
	metricID, _, err := a.Estimate(context.Background(), sid, "gpt-4o-mini", []providers.Message{{Role: "user", Content: "abort me"}})
	if err != nil {
		t.Fatalf("Estimate: %v", err)
	}
	if err := a.ReconcilePartial(context.Background(), metricID, 40, 7, "aborted"); err != nil {
		t.Fatalf("ReconcilePartial: %v", err)
	}
	metrics, err := st.SessionMetrics(context.Background(), sid, 0)
	if err != nil {
		t.Fatalf("SessionMetrics: %v", err)
	}
	if len(metrics) != 1 || !metrics[0].IsEstimated || metrics[0].CompletionTokens != 7 {
		t.Fatalf("unexpected metric state: %+v", metrics)
	}
}

func TestMaxContext_ExplicitModelAndProviderFloor(t *testing.T) {
	a, _ := testAccountant(t)
	mc, err := a.MaxContext("alias/x", "pA")
	if err != nil {
		t.Fatalf("MaxContext: %v", err)
	}
	if mc != 1000 {
		t.Fatalf("expected explicit model max-context 1000, got %d", mc)
	}
	mc, err = a.MaxContext("", "pA")
	if err != nil {
		t.Fatalf("MaxContext floor: %v", err)
	}
	if mc != 1000 {
		t.Fatalf("expected conservative floor 1000 across pA's models, got %d", mc)
	}
}

func TestFootprint(t *testing.T) {
	a, st := testAccountant(t)
	sid, _ := st.CreateSession(context.Background(), &store.Session{Name: "s", MaxContext: 1000})
	if _, err := st.AppendMetric(context.Background(), &store.Metric{SessionID: sid, PromptTokens: 850}); err != nil {
		t.Fatalf("AppendMetric: %v", err)
	}
	f, err := a.Footprint(context.Background(), sid, 1000)
	if err != nil {
		t.Fatalf("Footprint: %v", err)
	}
	if f != 0.85 {
		t.Fatalf("expected footprint 0.85, got %v", f)
	}
}
