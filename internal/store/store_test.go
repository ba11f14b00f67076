package store

import (
	"context"
	"testing"
	"time"
)

func TestMemoryStore_SessionLifecycle(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	id, err := s.CreateSession(context.Background(), &Session{Name: "first", ProviderKey: "pA", ModelKey: "m1", MaxContext: 1000})
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	active, err := s.ActiveSession(context.Background())
	if err != nil {
		t.Fatalf("ActiveSession: %v", err)
	}
	if active.ID != id || !active.Active {
		t.Fatalf("expected session %d active, got %+v", id, active)
	}

	id2, err := s.CreateSession(context.Background(), &Session{Name: "second", ProviderKey: "pB", ModelKey: "m2", MaxContext: 2000})
	if err != nil {
		t.Fatalf("CreateSession 2: %v", err)
	}
	active, _ = s.ActiveSession(context.Background())
	if active.ID != id2 {
		t.Fatalf("expected session %d active after creating a second session, got %d", id2, active.ID)
	}
	first, err := s.GetSession(context.Background(), id)
	if err != nil {
		t.Fatalf("GetSession: %v", err)
	}
	if first.Active {
		t.Fatal("expected the first session to no longer be active")
	}
}

func TestMemoryStore_ToggleAutoCompactIsInvolution(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	id, _ := s.CreateSession(context.Background(), &Session{Name: "s", MaxContext: 1000})
	first, err := s.ToggleAutoCompact(context.Background(), id)
	if err != nil {
		t.Fatalf("ToggleAutoCompact: %v", err)
	}
	second, err := s.ToggleAutoCompact(context.Background(), id)
	if err != nil {
		t.Fatalf("ToggleAutoCompact: %v", err)
	}
	if first == second {
		t.Fatalf("expected toggle to flip the flag, got %v then %v", first, second)
	}
	third, _ := s.ToggleAutoCompact(context.Background(), id)
	if third != first {
		t.Fatalf("L2 violated: two toggles should return to the start, got %v want %v", third, first)
	}
}

func TestMemoryStore_SessionTotalsPrefersAuthoritativeCount(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	id, _ := s.CreateSession(context.Background(), &Session{Name: "s", MaxContext: 1000})

	if _, err := s.AppendMetric(context.Background(), &Metric{
		SessionID: id, PromptTokens: 100, CompletionTokens: 20, Source: MetricSourceProxy,
	}); err != nil {
		t.Fatalf("AppendMetric: %v", err)
	}
	if _, err := s.AppendMetric(context.Background(), &Metric{
		SessionID: id, EstimatedInputTokens: 50, IsEstimated: true, CompletionTokens: 10, Source: MetricSourceLog,
	}); err != nil {
		t.Fatalf("AppendMetric: %v", err)
	}

	totalIn, totalOut, err := s.SessionTotals(context.Background(), id)
	if err != nil {
		t.Fatalf("SessionTotals: %v", err)
	}
	if totalIn != 150 {
		t.Fatalf("expected totalIn = 100 (authoritative) + 50 (estimated) = 150, got %d", totalIn)
	}
	if totalOut != 30 {
		t.Fatalf("expected totalOut = 30, got %d", totalOut)
	}
}

func TestMemoryStore_MaskedBlobRoundtrip(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	if err := s.PutMaskedBlob(context.Background(), &MaskedBlob{ContentHash: "abc123", OriginalTokens: 5000, Preview: "head...tail"}); err != nil {
		t.Fatalf("PutMaskedBlob: %v", err)
	}
	b, err := s.GetMaskedBlob(context.Background(), "abc123")
	if err != nil {
		t.Fatalf("GetMaskedBlob: %v", err)
	}
	if b.OriginalTokens != 5000 {
		t.Fatalf("expected OriginalTokens 5000, got %d", b.OriginalTokens)
	}
	if _, err := s.GetMaskedBlob(context.Background(), "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for missing hash, got %v", err)
	}
}

func TestMemoryStore_MemoryEntryPromotion(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	sid, _ := s.CreateSession(context.Background(), &Session{Name: "s", MaxContext: 1000})
	id, err := s.PutMemoryEntry(context.Background(), &MemoryEntry{SessionID: sid, Kind: MemoryKindEpisodic, Content: "user prefers dark mode"})
	if err != nil {
		t.Fatalf("PutMemoryEntry: %v", err)
	}

	var last *MemoryEntry
	for i := 0; i < 3; i++ {
		last, err = s.TouchMemoryEntry(context.Background(), id)
		if err != nil {
			t.Fatalf("TouchMemoryEntry: %v", err)
		}
	}
	if last.Kind != MemoryKindFrequent {
		t.Fatalf("expected promotion to frequent after 3 touches, got %q (access count %d)", last.Kind, last.AccessCount)
	}
}

func TestMemoryStore_CompactionRecordsOrdering(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	sid, _ := s.CreateSession(context.Background(), &Session{Name: "s", MaxContext: 1000})
	if err := s.AppendCompactionRecord(context.Background(), &CompactionRecord{SessionID: sid, TokensBefore: 900, TokensAfter: 500, Strategy: "summarize-middle"}); err != nil {
		t.Fatalf("AppendCompactionRecord: %v", err)
	}
	if err := s.AppendCompactionRecord(context.Background(), &CompactionRecord{SessionID: sid, TokensBefore: 500, TokensAfter: 200, Strategy: "summarize-middle"}); err != nil {
		t.Fatalf("AppendCompactionRecord: %v", err)
	}
	last, err := s.LastCompaction(context.Background(), sid)
	if err != nil {
		t.Fatalf("LastCompaction: %v", err)
	}
	if last.TokensAfter != 200 {
		t.Fatalf("expected the most recent compaction record, got %+v", last)
	}
}

func TestMemoryStore_RoutingDecisionAndGetSessionNotFound(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Hour)
	defer s.Close()

	if err := s.AppendRoutingDecision(context.Background(), &RoutingDecisionRecord{SessionID: 1, ProviderKey: "pA", UpstreamModel: "real-x"}); err != nil {
		t.Fatalf("AppendRoutingDecision: %v", err)
	}
	if _, err := s.GetSession(context.Background(), 999); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_EvictAgedBlobs(t *testing.T) {
	s := NewMemoryStore(context.Background(), 3, time.Millisecond)
	defer s.Close()

	if err := s.PutMaskedBlob(context.Background(), &MaskedBlob{ContentHash: "old", CreatedAt: time.Now().Add(-time.Hour)}); err != nil {
		t.Fatalf("PutMaskedBlob: %v", err)
	}
	s.evictAgedBlobs()
	if _, err := s.GetMaskedBlob(context.Background(), "old"); err != ErrNotFound {
		t.Fatalf("expected aged blob to be evicted, got err=%v", err)
	}
}
