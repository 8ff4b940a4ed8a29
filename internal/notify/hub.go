// Package notify wakes long-poll streams and pushes webhook
// notifications when a message lands in an agent's inbox.
package notify

import "sync"

// Hub fans out wake signals to the streams currently polling an
// agent's inbox. Signals are advisory: a missed wake only costs one
// poll interval, so Notify never blocks.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan struct{}]struct{})}
}

// Subscribe registers a wake channel for the agent. The caller must
// Unsubscribe with the same channel when done.
func (h *Hub) Subscribe(agentID string) chan struct{} {
	ch := make(chan struct{}, 1)
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.subs[agentID] == nil {
		h.subs[agentID] = make(map[chan struct{}]struct{})
	}
	h.subs[agentID][ch] = struct{}{}
	return ch
}

func (h *Hub) Unsubscribe(agentID string, ch chan struct{}) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.subs[agentID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.subs, agentID)
		}
	}
}

// Notify wakes every stream polling the agent's inbox.
func (h *Hub) Notify(agentID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs[agentID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Waiting reports how many streams are currently subscribed for the
// agent. Used by the metrics gauge.
func (h *Hub) Waiting(agentID string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs[agentID])
}
