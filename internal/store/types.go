// Package store persists the entities of spec.md §3: Sessions, Metrics,
// Masked blobs, Compaction records, Memory entries, and Routing decisions.
// "Actual storage technology is not prescribed" (spec.md §6) — two
// implementations are provided: a ClickHouse-backed adapter
// (internal/store/clickhouse.go) and an in-memory one
// (internal/store/memory.go), selected by configuration.
package store

import "time"

// Session is a conversation bound to one provider/model.
type Session struct {
	ID              int64
	Name            string
	ProviderKey     string
	ModelKey        string
	MaxContext      int
	ReservedTokens  int
	AutoCompact     bool
	AutoThreshold   float64
	Active          bool
	CreatedAt       time.Time
	DeletedAt       *time.Time
	ConsecutiveAutoCompactions int
	LastCompactionAt           *time.Time
}

// MetricSource distinguishes a proxy-recorded Metric from one absorbed from
// an external log-watcher (see spec.md §9 open question on reconciliation).
type MetricSource string

const (
	MetricSourceProxy MetricSource = "proxy"
	MetricSourceLog   MetricSource = "log"
)

// Metric is one chat-completion round-trip.
type Metric struct {
	ID                  int64
	SessionID           int64
	Timestamp           time.Time
	PromptTokens        int
	CompletionTokens    int
	EstimatedInputTokens int
	IsEstimated         bool
	Source              MetricSource
	FinishReason        string
}

// MaskedBlob is the stored replacement for an over-long tool/console message.
type MaskedBlob struct {
	ContentHash       string
	OriginalTokens    int
	Preview           string
	Tags              []string
	CreatedAt         time.Time
}

// CompactionRecord audits one compaction event.
type CompactionRecord struct {
	SessionID      int64
	Timestamp      time.Time
	TokensBefore   int
	TokensAfter    int
	Strategy       string
	MessagesKept   int
	MessagesDropped int
}

// MemoryKind is the closed set of Memory entry classifications.
type MemoryKind string

const (
	MemoryKindFrequent MemoryKind = "frequent"
	MemoryKindEpisodic MemoryKind = "episodic"
	MemoryKindSemantic MemoryKind = "semantic"
)

// MemoryEntry is a standardized recallable fact.
type MemoryEntry struct {
	ID            int64
	SessionID     int64
	Kind          MemoryKind
	Content       string
	TokenCount    int
	AccessCount   int
	CreatedAt     time.Time
	LastAccessedAt time.Time
}

// RoutingDecisionRecord is a persisted audit row of one routing decision,
// backing the "routing decisions" table named in spec.md §6.
type RoutingDecisionRecord struct {
	SessionID     int64
	Timestamp     time.Time
	ProviderKey   string
	UpstreamModel string
}
