package sink

import (
	"log/slog"
	"sync"
)

// DefaultHistory is how many recent notifications a Hub retains.
const DefaultHistory = 200

// Hub broadcasts notifications to subscribers and keeps a bounded history.
//
// Each subscriber has its own buffered channel. A subscriber that falls
// behind loses notifications rather than stalling the publisher, which runs
// on the engine loop or a delivery goroutine.
type Hub struct {
	mu      sync.Mutex
	subs    map[uint64]chan Notification
	nextID  uint64
	history []Notification
	limit   int
	logger  *slog.Logger
}

// NewHub creates a hub retaining up to history notifications
// (DefaultHistory if <= 0).
func NewHub(history int, logger *slog.Logger) *Hub {
	if history <= 0 {
		history = DefaultHistory
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		subs:   make(map[uint64]chan Notification),
		limit:  history,
		logger: logger,
	}
}

// Publish records n and offers it to every subscriber without blocking.
func (h *Hub) Publish(n Notification) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, n)
	if over := len(h.history) - h.limit; over > 0 {
		h.history = append(h.history[:0:0], h.history[over:]...)
	}

	for id, ch := range h.subs {
		select {
		case ch <- n:
		default:
			h.logger.Debug("sink subscriber lagging, notification dropped", "subscriber", id, "event", n.Event.ID)
		}
	}
}

// Subscribe registers a subscriber with a buffer of size buf. The returned
// cancel func unregisters it and closes the channel; it is safe to call
// more than once.
func (h *Hub) Subscribe(buf int) (<-chan Notification, func()) {
	if buf <= 0 {
		buf = 16
	}
	ch := make(chan Notification, buf)

	h.mu.Lock()
	h.nextID++
	id := h.nextID
	h.subs[id] = ch
	h.mu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

// Recent returns up to n of the most recent notifications, oldest first.
// n <= 0 returns the whole history.
func (h *Hub) Recent(n int) []Notification {
	h.mu.Lock()
	defer h.mu.Unlock()
	start := 0
	if n > 0 && n < len(h.history) {
		start = len(h.history) - n
	}
	out := make([]Notification, len(h.history)-start)
	copy(out, h.history[start:])
	return out
}

// Subscribers returns the number of active subscribers.
func (h *Hub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
