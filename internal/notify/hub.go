package notify

import (
	"sync"

	"go.uber.org/multierr"

	"finsight/internal/core"
)

// Hub hands out one Throttle per recipient, created on first use with the
// shared options.
type Hub struct {
	display Display
	opts    []Option

	mu        sync.Mutex
	throttles map[string]*Throttle
}

func NewHub(display Display, opts ...Option) *Hub {
	return &Hub{
		display:   display,
		opts:      opts,
		throttles: make(map[string]*Throttle),
	}
}

// For returns the throttle of userID.
func (h *Hub) For(userID string) *Throttle {
	h.mu.Lock()
	defer h.mu.Unlock()
	t, ok := h.throttles[userID]
	if !ok {
		opts := append(append([]Option(nil), h.opts...), WithUser(userID))
		t = New(h.display, opts...)
		h.throttles[userID] = t
	}
	return t
}

// Send routes n to the throttle of its recipient.
func (h *Hub) Send(n core.Notification) bool {
	return h.For(n.UserID).Send(n)
}

// Prune trims the history of every known recipient and forgets recipients
// whose throttle has gone idle.
func (h *Hub) Prune() int {
	removed := 0
	for _, t := range h.snapshot() {
		removed += t.Prune()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for userID, t := range h.throttles {
		if t.idle() {
			delete(h.throttles, userID)
		}
	}
	return removed
}

// Close flushes and persists every throttle.
func (h *Hub) Close() error {
	var err error
	for _, t := range h.snapshot() {
		err = multierr.Append(err, t.Close())
	}
	return err
}

func (h *Hub) snapshot() []*Throttle {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Throttle, 0, len(h.throttles))
	for _, t := range h.throttles {
		out = append(out, t)
	}
	return out
}
