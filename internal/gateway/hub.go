package gateway

import (
	"sync"
	"time"
)

// Event is one envelope pushed to dashboard subscribers.
type Event struct {
	Kind    string    `json:"kind"`
	Subject string    `json:"subject"`
	Payload any       `json:"payload,omitempty"`
	Time    time.Time `json:"time"`
}

// Hub fans events out to websocket subscribers. Slow subscribers drop
// events rather than stalling the publisher.
type Hub struct {
	mu   sync.Mutex
	subs map[chan Event]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[chan Event]struct{})}
}

// Subscribe registers a new subscriber channel.
func (h *Hub) Subscribe() chan Event {
	ch := make(chan Event, 64)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()
	return ch
}

// Unsubscribe removes a subscriber and closes its channel.
func (h *Hub) Unsubscribe(ch chan Event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subs[ch]; ok {
		delete(h.subs, ch)
		close(ch)
	}
}

// Publish delivers an event to every subscriber. Full subscriber buffers
// are skipped.
func (h *Hub) Publish(evt Event) {
	if evt.Time.IsZero() {
		evt.Time = time.Now()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- evt:
		default:
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
