package session

import "sync"

// Hub serializes sync activity per user. A collection sync holds the user's
// slot from start until finish or abort, which can span many requests, so the
// slot is an explicit acquire/release rather than a mutex held on a stack.
type Hub struct {
	mu   sync.Mutex
	busy map[string]struct{}
}

// NewHub returns an empty hub.
func NewHub() *Hub {
	return &Hub{busy: make(map[string]struct{})}
}

// TryAcquire claims the user's slot. It returns false when another sync is in
// flight for the same user.
func (h *Hub) TryAcquire(userKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, taken := h.busy[userKey]; taken {
		return false
	}
	h.busy[userKey] = struct{}{}
	return true
}

// Release frees the user's slot. Releasing an unheld slot is a no-op.
func (h *Hub) Release(userKey string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.busy, userKey)
}

// Busy reports whether a sync is in flight for the user.
func (h *Hub) Busy(userKey string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, taken := h.busy[userKey]
	return taken
}
