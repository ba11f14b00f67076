// Package hub implements spec.md §4.5 Observation Fan-Out: best-effort
// broadcast of typed events to any number of connected observers, where one
// slow observer never slows another and producers never block.
//
// Grounded on billyronks-Project-Catalyst-Merged's WebSocketHandler
// (connection registry keyed by connection identity, upgrade-then-loop
// shape) generalized from a sync.Map of raw connections into a per-observer
// goroutine with a bounded outbound queue, and on internal/logger.Logger's
// drop-counter idiom for the overflow case spec.md names explicitly. Built
// on fasthttp/websocket rather than the teacher's gorilla/websocket so the
// hub runs on the same fasthttp event loop as the rest of the gateway.
package hub

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// EventType is the closed set of observation message types spec.md §4.5
// names.
type EventType string

const (
	EventMetric             EventType = "metric"
	EventSessionCreated     EventType = "session_created"
	EventSessionUpdated     EventType = "session_updated"
	EventStreamingError     EventType = "streaming_error"
	EventCompactionAlert    EventType = "compaction_alert"
	EventCompactionDone     EventType = "compaction_done"
	EventAutoSessionToggled EventType = "auto_session_toggled"
	EventMemoryUpdated      EventType = "memory_updated"
	EventMCPServerStatus    EventType = "mcp_server_status"
)

// DefaultQueueSize is the per-observer bounded queue capacity.
const DefaultQueueSize = 64

// DefaultSnapshotMetrics is the number of recent metrics sent on connect.
const DefaultSnapshotMetrics = 20

// Message is one observation event. Type discriminates the payload shape;
// Payload carries the event-specific body.
type Message struct {
	Type      EventType   `json:"type"`
	Payload   any         `json:"payload"`
	Timestamp time.Time   `json:"timestamp"`
}

// Sender abstracts the transport a connected observer writes to — satisfied
// by a *websocket.Conn wrapper so the hub's broadcast logic stays transport-
// agnostic and unit-testable without a real socket.
type Sender interface {
	WriteJSON(v any) error
	Close() error
}

// observer is one connected client: its own goroutine drains a bounded
// queue into the Sender so a slow write never blocks the hub's broadcast.
type observer struct {
	id      uint64
	sender  Sender
	queue   chan Message
	dropped int64
	done    chan struct{}
	closeOnce sync.Once
}

func (o *observer) enqueue(m Message) {
	select {
	case o.queue <- m:
	default:
		// Queue full: drop the oldest to make room, per spec.md §4.5
		// "overflow drops the oldest messages for that observer."
		select {
		case <-o.queue:
			atomic.AddInt64(&o.dropped, 1)
		default:
		}
		select {
		case o.queue <- m:
		default:
			atomic.AddInt64(&o.dropped, 1)
		}
	}
}

func (o *observer) run() {
	for {
		select {
		case m := <-o.queue:
			if err := o.sender.WriteJSON(m); err != nil {
				o.stop()
				return
			}
		case <-o.done:
			return
		}
	}
}

func (o *observer) stop() {
	o.closeOnce.Do(func() {
		close(o.done)
		_ = o.sender.Close()
	})
}

// DroppedCount returns how many messages have been dropped for this
// observer due to queue overflow.
func (o *observer) DroppedCount() int64 {
	return atomic.LoadInt64(&o.dropped)
}

// SnapshotFunc produces the connect-time snapshot (active session + recent
// metrics) spec.md §4.5 requires before an observer becomes event-driven.
type SnapshotFunc func() []Message

// Hub is the single writer to its observer set. Producers submit via
// Broadcast, a non-blocking call; broadcast iterates a snapshot of the
// observer set to avoid holding the membership lock across sends (spec.md
// §5 "Shared resources").
type Hub struct {
	mu        sync.RWMutex
	observers map[uint64]*observer
	nextID    uint64
	queueSize int
	snapshot  SnapshotFunc
}

func New(queueSize int, snapshot SnapshotFunc) *Hub {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Hub{
		observers: make(map[uint64]*observer),
		queueSize: queueSize,
		snapshot:  snapshot,
	}
}

// Subscribe registers a new observer, sends it the connect-time snapshot,
// and starts its delivery goroutine. The returned unsubscribe func removes
// the observer idempotently — safe to call more than once, and safe to call
// after the observer's own disconnect has already removed it.
func (h *Hub) Subscribe(sender Sender) (unsubscribe func()) {
	h.mu.Lock()
	h.nextID++
	id := h.nextID
	obs := &observer{
		id:     id,
		sender: sender,
		queue:  make(chan Message, h.queueSize),
		done:   make(chan struct{}),
	}
	h.observers[id] = obs
	h.mu.Unlock()

	go obs.run()

	if h.snapshot != nil {
		for _, m := range h.snapshot() {
			obs.enqueue(m)
		}
	}

	return func() { h.remove(id) }
}

func (h *Hub) remove(id uint64) {
	h.mu.Lock()
	obs, ok := h.observers[id]
	if ok {
		delete(h.observers, id)
	}
	h.mu.Unlock()
	if ok {
		obs.stop()
	}
}

// Broadcast delivers m to every currently connected observer. Non-blocking:
// a full observer queue drops its oldest entry rather than stalling the
// producer.
func (h *Hub) Broadcast(typ EventType, payload any) {
	m := Message{Type: typ, Payload: payload, Timestamp: time.Now()}

	h.mu.RLock()
	snapshot := make([]*observer, 0, len(h.observers))
	for _, obs := range h.observers {
		snapshot = append(snapshot, obs)
	}
	h.mu.RUnlock()

	for _, obs := range snapshot {
		obs.enqueue(m)
	}
}

// ObserverCount reports the current number of connected observers.
func (h *Hub) ObserverCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.observers)
}

// MarshalMessage is a convenience for transports that need raw bytes rather
// than a Sender (e.g. an HTTP long-poll fallback).
func MarshalMessage(m Message) ([]byte, error) {
	return json.Marshal(m)
}
