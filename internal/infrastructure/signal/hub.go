package signal

import (
	"sync"

	"peercall/internal/core/domain"
)

// hub maps channels to the local connections subscribed to them.
type hub struct {
	mu       sync.RWMutex
	channels map[string]map[*connection]struct{}
}

func newHub() *hub {
	return &hub{channels: make(map[string]map[*connection]struct{})}
}

func (h *hub) subscribe(channel string, c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.channels[channel] == nil {
		h.channels[channel] = make(map[*connection]struct{})
	}
	h.channels[channel][c] = struct{}{}
	c.channels[channel] = struct{}{}
}

func (h *hub) unsubscribe(channel string, c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.detach(channel, c)
}

func (h *hub) removeConn(c *connection) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for channel := range c.channels {
		h.detach(channel, c)
	}
}

func (h *hub) detach(channel string, c *connection) {
	delete(c.channels, channel)
	if set, ok := h.channels[channel]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(h.channels, channel)
		}
	}
}

// deliver queues msg on every connection subscribed to channel and returns
// how many connections it reached. Callers deliver one message at a time per
// source, so each subscriber sees a source's messages in order.
func (h *hub) deliver(channel string, msg *domain.SignalingMessage) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	n := 0
	for c := range h.channels[channel] {
		if c.enqueue(messageFrame(channel, msg)) {
			n++
		}
	}
	return n
}

func (h *hub) subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels[channel])
}
