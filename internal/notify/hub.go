// Package notify broadcasts sync events to interested views.
package notify

import (
	"log/slog"
	"sync"
	"time"

	"github.com/hyperengineering/liftlog/internal/store"
)

// Kind identifies an event.
type Kind string

const (
	// DataChanged is published once after a replay pass that delivered at
	// least one queued mutation.
	DataChanged Kind = "data_changed"
	// Abandoned is published for each queued mutation dropped after its
	// second consecutive delivery failure.
	Abandoned Kind = "abandoned"
)

// DefaultBuffer is the channel capacity used when Subscribe is given <= 0.
const DefaultBuffer = 16

// Event is one notification.
type Event struct {
	Kind Kind      `json:"kind"`
	At   time.Time `json:"at"`
	// Delivered is the number of mutations a pass delivered (DataChanged).
	Delivered int `json:"delivered,omitempty"`
	// Mutation is the dropped row (Abandoned).
	Mutation *store.QueuedMutation `json:"mutation,omitempty"`
	// Error is the last delivery error (Abandoned).
	Error string `json:"error,omitempty"`
}

// Hub fans events out to subscribers. Publish never blocks: a subscriber
// whose buffer is full misses the event.
type Hub struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[int]chan Event)}
}

// Subscribe registers a new subscriber. The returned func unsubscribes and
// closes the channel; it is safe to call more than once.
func (h *Hub) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = DefaultBuffer
	}
	ch := make(chan Event, buffer)

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		close(ch)
		return ch, func() {}
	}

	id := h.nextID
	h.nextID++
	h.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if sub, ok := h.subs[id]; ok {
				delete(h.subs, id)
				close(sub)
			}
		})
	}
}

// Publish delivers e to every subscriber.
func (h *Hub) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	for id, ch := range h.subs {
		select {
		case ch <- e:
		default:
			slog.Warn("subscriber buffer full, event dropped",
				"component", "notify",
				"kind", string(e.Kind),
				"subscriber", id,
			)
		}
	}
}

// Subscribers returns the number of live subscriptions.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return
	}
	h.closed = true
	for id, ch := range h.subs {
		delete(h.subs, id)
		close(ch)
	}
}
