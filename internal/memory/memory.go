// Package memory classifies new recallable facts into the closed
// store.MemoryKind set before they are persisted. Detection of *what* is
// worth remembering stays outside this package's responsibility (spec.md
// treats semantic-memory services as a boundary concern); this package only
// answers the narrower question of which bucket a given piece of content
// belongs in, using an optional embeddings backend when one is configured.
package memory

import (
	"context"
	"math"

	"github.com/ki2pixel/kimi-proxy/internal/store"
)

// Embedder is the capability internal/providers/openaicompat.Client
// provides. Kept as a narrow interface so the classifier can be tested
// without a live API key.
type Embedder interface {
	Embed(ctx context.Context, model, text string) ([]float32, error)
}

// semanticSimilarityThreshold is the cosine-similarity floor above which a
// new entry is considered a near-duplicate of an existing one and filed as
// semantic rather than episodic.
const semanticSimilarityThreshold = 0.92

// Classifier assigns a store.MemoryKind to new content.
type Classifier struct {
	embedder Embedder
	model    string
}

// New returns a Classifier. embedder may be nil — Classify then always
// returns store.MemoryKindEpisodic, the safe default for freshly observed
// content with no similarity signal available.
func New(embedder Embedder, model string) *Classifier {
	return &Classifier{embedder: embedder, model: model}
}

// Classify compares content against the session's existing memory entries
// and returns store.MemoryKindSemantic when a near-duplicate already exists,
// otherwise store.MemoryKindEpisodic. Embedding failures degrade to the
// episodic default rather than blocking the write.
func (c *Classifier) Classify(ctx context.Context, content string, existing []*store.MemoryEntry) store.MemoryKind {
	if c.embedder == nil || len(existing) == 0 {
		return store.MemoryKindEpisodic
	}

	vec, err := c.embedder.Embed(ctx, c.model, content)
	if err != nil {
		return store.MemoryKindEpisodic
	}

	for _, e := range existing {
		other, err := c.embedder.Embed(ctx, c.model, e.Content)
		if err != nil {
			continue
		}
		if cosineSimilarity(vec, other) >= semanticSimilarityThreshold {
			return store.MemoryKindSemantic
		}
	}
	return store.MemoryKindEpisodic
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
