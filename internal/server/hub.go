package server

import (
	"sync"

	"github.com/fleetkey/fleetkey/internal/notify"
)

// clientBuffer is the per-subscriber channel depth. A subscriber that
// falls this far behind starts losing signals; since every signal
// carries the same "go refetch" meaning, a drop costs latency, not
// correctness.
const clientBuffer = 16

// Hub fans rotation signals out to connected event-stream clients. It
// implements notify.Announcer so in-process callers short-circuit the
// HTTP bridge.
type Hub struct {
	mu      sync.Mutex
	clients map[chan notify.Signal]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{clients: make(map[chan notify.Signal]struct{})}
}

// Subscribe registers a new client. The returned cancel func must be
// called when the client disconnects; it unregisters and closes the
// channel.
func (h *Hub) Subscribe() (<-chan notify.Signal, func()) {
	ch := make(chan notify.Signal, clientBuffer)

	h.mu.Lock()
	h.clients[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.clients[ch]; ok {
			delete(h.clients, ch)
			close(ch)
		}
	}
	return ch, cancel
}

// Broadcast delivers a signal to every subscriber without blocking.
// Slow clients with full buffers are skipped.
func (h *Hub) Broadcast(sig notify.Signal) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.clients {
		select {
		case ch <- sig:
		default:
		}
	}
}

// Announce implements notify.Announcer.
func (h *Hub) Announce(sig notify.Signal) {
	h.Broadcast(sig)
}

// Len returns the number of connected clients.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}
