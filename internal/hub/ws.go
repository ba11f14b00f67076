package hub

import (
	"log/slog"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/valyala/fasthttp"
)

// wsSender adapts a *websocket.Conn to the Sender interface. Writes are
// serialized with a mutex since gorilla/fasthttp-websocket connections are
// not safe for concurrent writers, and the hub's own observer goroutine is
// the only writer — the mutex guards against a concurrent close from the
// read-pump detecting disconnection.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) WriteJSON(v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteJSON(v)
}

func (s *wsSender) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn.Close()
}

var upgrader = websocket.FastHTTPUpgrader{
	CheckOrigin: func(ctx *fasthttp.RequestCtx) bool { return true },
}

// ServeFastHTTP upgrades an inbound request to a WebSocket and registers it
// with the hub as an observer for the lifetime of the connection. Read side
// only watches for disconnection (spec.md §4.5: "no authentication at the
// core layer"; clients don't send commands, so any inbound frame just
// confirms liveness).
func (h *Hub) ServeFastHTTP(ctx *fasthttp.RequestCtx, log *slog.Logger) {
	err := upgrader.Upgrade(ctx, func(conn *websocket.Conn) {
		sender := &wsSender{conn: conn}
		unsubscribe := h.Subscribe(sender)
		defer unsubscribe()

		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	})
	if err != nil && log != nil {
		log.Warn("hub: websocket upgrade failed", slog.String("error", err.Error()))
	}
}
