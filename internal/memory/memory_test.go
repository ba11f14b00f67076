package memory

import (
	"context"
	"testing"

	"github.com/ki2pixel/kimi-proxy/internal/store"
)

type fakeEmbedder struct {
	vectors map[string][]float32
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string, text string) ([]float32, error) {
	return f.vectors[text], nil
}

func TestClassify_NoEmbedderDefaultsToEpisodic(t *testing.T) {
	c := New(nil, "text-embedding-3-small")
	existing := []*store.MemoryEntry{{Content: "anything"}}
	if got := c.Classify(context.Background(), "new fact", existing); got != store.MemoryKindEpisodic {
		t.Errorf("expected episodic default, got %q", got)
	}
}

func TestClassify_NoExistingEntriesDefaultsToEpisodic(t *testing.T) {
	c := New(&fakeEmbedder{}, "text-embedding-3-small")
	if got := c.Classify(context.Background(), "new fact", nil); got != store.MemoryKindEpisodic {
		t.Errorf("expected episodic default, got %q", got)
	}
}

func TestClassify_NearDuplicateIsSemantic(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"user prefers dark mode":    {1, 0, 0},
		"user likes dark mode a lot": {0.99, 0.01, 0},
	}}
	c := New(emb, "text-embedding-3-small")
	existing := []*store.MemoryEntry{{Content: "user prefers dark mode"}}
	got := c.Classify(context.Background(), "user likes dark mode a lot", existing)
	if got != store.MemoryKindSemantic {
		t.Errorf("expected semantic for near-duplicate content, got %q", got)
	}
}

func TestClassify_DissimilarContentIsEpisodic(t *testing.T) {
	emb := &fakeEmbedder{vectors: map[string][]float32{
		"user prefers dark mode": {1, 0, 0},
		"user's favorite color is blue": {0, 1, 0},
	}}
	c := New(emb, "text-embedding-3-small")
	existing := []*store.MemoryEntry{{Content: "user prefers dark mode"}}
	got := c.Classify(context.Background(), "user's favorite color is blue", existing)
	if got != store.MemoryKindEpisodic {
		t.Errorf("expected episodic for dissimilar content, got %q", got)
	}
}
