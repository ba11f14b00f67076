package hub

import (
	"sync"
	"testing"
	"time"
)

type fakeSender struct {
	mu       sync.Mutex
	received []Message
	closed   bool
	block    chan struct{} // when non-nil, WriteJSON blocks until closed
}

func (f *fakeSender) WriteJSON(v any) error {
	if f.block != nil {
		<-f.block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received = append(f.received, v.(Message))
	return nil
}

func (f *fakeSender) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.received)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met within timeout")
}

func TestSubscribe_SendsSnapshotThenEvents(t *testing.T) {
	h := New(DefaultQueueSize, func() []Message {
		return []Message{{Type: EventSessionCreated, Payload: "snap"}}
	})
	f := &fakeSender{}
	unsubscribe := h.Subscribe(f)
	defer unsubscribe()

	h.Broadcast(EventMetric, map[string]int{"tokens": 5})

	waitFor(t, func() bool { return f.count() >= 2 })
	if f.received[0].Type != EventSessionCreated {
		t.Fatalf("expected snapshot message first, got %+v", f.received[0])
	}
	if f.received[1].Type != EventMetric {
		t.Fatalf("expected metric event second, got %+v", f.received[1])
	}
}

func TestBroadcast_DoesNotBlockOnSlowObserver(t *testing.T) {
	h := New(2, nil)
	slow := &fakeSender{block: make(chan struct{})}
	fast := &fakeSender{}

	unsubSlow := h.Subscribe(slow)
	defer unsubSlow()
	unsubFast := h.Subscribe(fast)
	defer unsubFast()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast(EventMetric, i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Broadcast blocked on a slow observer")
	}

	close(slow.block)
	waitFor(t, func() bool { return fast.count() >= 1 })
}

func TestObserver_OverflowDropsOldest(t *testing.T) {
	h := New(1, nil)
	blocked := &fakeSender{block: make(chan struct{})}
	unsubscribe := h.Subscribe(blocked)
	defer func() {
		close(blocked.block)
		unsubscribe()
	}()

	h.Broadcast(EventMetric, 1)
	h.Broadcast(EventMetric, 2)
	h.Broadcast(EventMetric, 3)

	h.mu.RLock()
	var obs *observer
	for _, o := range h.observers {
		obs = o
	}
	h.mu.RUnlock()

	if obs.DroppedCount() == 0 {
		t.Fatal("expected at least one dropped message for a full queue")
	}
}

func TestUnsubscribe_IsIdempotent(t *testing.T) {
	h := New(DefaultQueueSize, nil)
	f := &fakeSender{}
	unsubscribe := h.Subscribe(f)
	unsubscribe()
	unsubscribe()
	if h.ObserverCount() != 0 {
		t.Fatalf("expected 0 observers after unsubscribe, got %d", h.ObserverCount())
	}
}
