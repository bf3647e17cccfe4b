package httpapi

import (
	"context"
	"net/http"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/batchloader/internal/batchload"
)

const (
	subscriberBuffer = 64
	streamWriteLimit = 5 * time.Second
)

// Hub fans batch lifecycle events out to stream subscribers. A subscriber
// that cannot keep up loses events rather than slowing the engine.
type Hub struct {
	mu      sync.Mutex
	subs    map[chan batchload.BatchEvent]struct{}
	dropped int64
}

func NewHub() *Hub {
	return &Hub{subs: map[chan batchload.BatchEvent]struct{}{}}
}

func (h *Hub) BatchChanged(ev batchload.BatchEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped++
		}
	}
}

func (h *Hub) subscribe() chan batchload.BatchEvent {
	ch := make(chan batchload.BatchEvent, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

func (h *Hub) unsubscribe(ch chan batchload.BatchEvent) {
	h.mu.Lock()
	delete(h.subs, ch)
	h.mu.Unlock()
}

// Subscribers is the number of open streams.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Dropped counts events not delivered to slow subscribers.
func (h *Hub) Dropped() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dropped
}

// handleStream upgrades to a websocket and writes one JSON message per
// event, optionally filtered to one prefix.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("prefix")
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.StreamOrigins})
	if err != nil {
		return
	}
	defer conn.CloseNow()

	ch := s.hub.subscribe()
	defer s.hub.unsubscribe(ch)

	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			if prefix != "" && ev.Prefix != prefix {
				continue
			}
			if err := writeStreamEvent(ctx, conn, ev); err != nil {
				return
			}
		}
	}
}

func writeStreamEvent(ctx context.Context, conn *websocket.Conn, ev batchload.BatchEvent) error {
	ctx, cancel := context.WithTimeout(ctx, streamWriteLimit)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
