package store

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

// ClickHouseStore persists Metrics and Routing decisions to ClickHouse via a
// buffered-channel async writer, grounded on internal/logger.Logger's
// channel+ticker batching shape (the teacher's "async request logger — not
// wired in the open-source build"; wired here). Sessions, masked blobs,
// compaction records, and memory entries are small, read-modify-write-heavy
// rows that don't suit append-only batching, so they're kept only in an
// in-process MemoryStore and are not written to or read from ClickHouse;
// correctness for those entities rests on the same per-session lock
// discipline as MemoryStore.
type ClickHouseStore struct {
	conn driver.Conn

	metricCh chan *Metric
	routeCh  chan *RoutingDecisionRecord
	done     chan struct{}
	wg       sync.WaitGroup

	droppedRows int64

	mem *MemoryStore // local cache for the non-append-only entities
}

const (
	chChannelBuffer = 10_000
	chBatchSize     = 200
	chFlushInterval = 2 * time.Second
)

// ClickHouseConfig is the subset of connection parameters the gateway's
// config layer populates (spec.md's AMBIENT STACK config section).
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
}

func NewClickHouseStore(ctx context.Context, cfg ClickHouseConfig, promotionThreshold int) (*ClickHouseStore, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("store: open clickhouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping clickhouse: %w", err)
	}
	if err := ensureSchema(ctx, conn); err != nil {
		return nil, fmt.Errorf("store: ensure schema: %w", err)
	}

	s := &ClickHouseStore{
		conn:     conn,
		metricCh: make(chan *Metric, chChannelBuffer),
		routeCh:  make(chan *RoutingDecisionRecord, chChannelBuffer),
		done:     make(chan struct{}),
		mem:      NewMemoryStore(ctx, promotionThreshold, 7*24*time.Hour),
	}

	s.wg.Add(2)
	go s.runMetricWriter(ctx)
	go s.runRoutingWriter(ctx)

	return s, nil
}

func ensureSchema(ctx context.Context, conn driver.Conn) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS gateway_metrics (
			id UInt64,
			session_id Int64,
			ts DateTime,
			prompt_tokens UInt32,
			completion_tokens UInt32,
			estimated_input_tokens UInt32,
			is_estimated UInt8,
			source String,
			finish_reason String
		) ENGINE = MergeTree() ORDER BY (session_id, ts)`,
		`CREATE TABLE IF NOT EXISTS gateway_routing_decisions (
			session_id Int64,
			ts DateTime,
			provider_key String,
			upstream_model String
		) ENGINE = MergeTree() ORDER BY (session_id, ts)`,
	}
	for _, stmt := range stmts {
		if err := conn.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

func (s *ClickHouseStore) DroppedRows() int64 {
	return atomic.LoadInt64(&s.droppedRows)
}

// --- Sessions: delegate to the in-process cache; a real deployment mirrors
// writes to a ClickHouse ReplacingMergeTree, omitted here since sessions are
// single-process state (spec.md §5: "exactly one Session is active per
// running gateway process").

func (s *ClickHouseStore) CreateSession(ctx context.Context, sess *Session) (int64, error) {
	return s.mem.CreateSession(ctx, sess)
}

func (s *ClickHouseStore) ActiveSession(ctx context.Context) (*Session, error) {
	return s.mem.ActiveSession(ctx)
}

func (s *ClickHouseStore) GetSession(ctx context.Context, id int64) (*Session, error) {
	return s.mem.GetSession(ctx, id)
}

func (s *ClickHouseStore) ListSessions(ctx context.Context) ([]*Session, error) {
	return s.mem.ListSessions(ctx)
}

func (s *ClickHouseStore) SetActiveSession(ctx context.Context, id int64) error {
	return s.mem.SetActiveSession(ctx, id)
}

func (s *ClickHouseStore) UpdateSessionCompaction(ctx context.Context, id int64, consecutive int, lastAt *time.Time) error {
	return s.mem.UpdateSessionCompaction(ctx, id, consecutive, lastAt)
}

func (s *ClickHouseStore) ToggleAutoCompact(ctx context.Context, id int64) (bool, error) {
	return s.mem.ToggleAutoCompact(ctx, id)
}

// --- Metrics: append-only, routed through the buffered channel. Reads are
// served from the local cache, which is updated synchronously alongside the
// async ClickHouse write so SessionMetrics/SessionTotals stay consistent
// with what AppendMetric just recorded.

func (s *ClickHouseStore) AppendMetric(ctx context.Context, m *Metric) (int64, error) {
	id, err := s.mem.AppendMetric(ctx, m)
	if err != nil {
		return 0, err
	}
	cp := *m
	cp.ID = id
	select {
	case s.metricCh <- &cp:
	default:
		atomic.AddInt64(&s.droppedRows, 1)
	}
	return id, nil
}

func (s *ClickHouseStore) UpdateMetricUsage(ctx context.Context, id int64, promptTokens, completionTokens int, isEstimated bool, finishReason string) error {
	return s.mem.UpdateMetricUsage(ctx, id, promptTokens, completionTokens, isEstimated, finishReason)
}

func (s *ClickHouseStore) SessionMetrics(ctx context.Context, sessionID int64, limit int) ([]*Metric, error) {
	return s.mem.SessionMetrics(ctx, sessionID, limit)
}

func (s *ClickHouseStore) SessionTotals(ctx context.Context, sessionID int64) (int, int, error) {
	return s.mem.SessionTotals(ctx, sessionID)
}

// --- Masked blobs, compaction records, memory entries: cache-backed, same
// reasoning as Sessions.

func (s *ClickHouseStore) PutMaskedBlob(ctx context.Context, b *MaskedBlob) error {
	return s.mem.PutMaskedBlob(ctx, b)
}

func (s *ClickHouseStore) GetMaskedBlob(ctx context.Context, hash string) (*MaskedBlob, error) {
	return s.mem.GetMaskedBlob(ctx, hash)
}

func (s *ClickHouseStore) AppendCompactionRecord(ctx context.Context, r *CompactionRecord) error {
	return s.mem.AppendCompactionRecord(ctx, r)
}

func (s *ClickHouseStore) LastCompaction(ctx context.Context, sessionID int64) (*CompactionRecord, error) {
	return s.mem.LastCompaction(ctx, sessionID)
}

func (s *ClickHouseStore) PutMemoryEntry(ctx context.Context, e *MemoryEntry) (int64, error) {
	return s.mem.PutMemoryEntry(ctx, e)
}

func (s *ClickHouseStore) TouchMemoryEntry(ctx context.Context, id int64) (*MemoryEntry, error) {
	return s.mem.TouchMemoryEntry(ctx, id)
}

func (s *ClickHouseStore) ListMemoryEntries(ctx context.Context, sessionID int64) ([]*MemoryEntry, error) {
	return s.mem.ListMemoryEntries(ctx, sessionID)
}

// --- Routing decisions: append-only, same channel pattern as Metrics.

func (s *ClickHouseStore) AppendRoutingDecision(ctx context.Context, r *RoutingDecisionRecord) error {
	if err := s.mem.AppendRoutingDecision(ctx, r); err != nil {
		return err
	}
	cp := *r
	select {
	case s.routeCh <- &cp:
	default:
		atomic.AddInt64(&s.droppedRows, 1)
	}
	return nil
}

func (s *ClickHouseStore) Close() error {
	close(s.done)
	s.wg.Wait()
	_ = s.mem.Close()
	return s.conn.Close()
}

func (s *ClickHouseStore) runMetricWriter(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]*Metric, 0, chBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertMetrics(ctx, batch); err != nil {
			atomic.AddInt64(&s.droppedRows, int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case m := <-s.metricCh:
			batch = append(batch, m)
			if len(batch) >= chBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case m := <-s.metricCh:
					batch = append(batch, m)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseStore) runRoutingWriter(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(chFlushInterval)
	defer ticker.Stop()

	batch := make([]*RoutingDecisionRecord, 0, chBatchSize)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := s.insertRoutingDecisions(ctx, batch); err != nil {
			atomic.AddInt64(&s.droppedRows, int64(len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case r := <-s.routeCh:
			batch = append(batch, r)
			if len(batch) >= chBatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-s.done:
			for {
				select {
				case r := <-s.routeCh:
					batch = append(batch, r)
				default:
					flush()
					return
				}
			}
		}
	}
}

func (s *ClickHouseStore) insertMetrics(ctx context.Context, batch []*Metric) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO gateway_metrics")
	if err != nil {
		return err
	}
	for _, m := range batch {
		isEstimated := uint8(0)
		if m.IsEstimated {
			isEstimated = 1
		}
		if err := b.Append(
			uint64(m.ID), m.SessionID, m.Timestamp,
			uint32(m.PromptTokens), uint32(m.CompletionTokens), uint32(m.EstimatedInputTokens),
			isEstimated, string(m.Source), m.FinishReason,
		); err != nil {
			return err
		}
	}
	return b.Send()
}

func (s *ClickHouseStore) insertRoutingDecisions(ctx context.Context, batch []*RoutingDecisionRecord) error {
	b, err := s.conn.PrepareBatch(ctx, "INSERT INTO gateway_routing_decisions")
	if err != nil {
		return err
	}
	for _, r := range batch {
		if err := b.Append(r.SessionID, r.Timestamp, r.ProviderKey, r.UpstreamModel); err != nil {
			return err
		}
	}
	return b.Send()
}
