// Package dedup provides a fixed-capacity history of seen task ids used to
// suppress duplicate deliveries on an at-least-once transport.
package dedup

import "sync"

// History is a bounded set of previously seen ids. When capacity is
// exceeded the oldest entry is evicted first. Safe for concurrent use.
//
// History is not persisted: a process restart forgets all seen ids, and a
// redelivered old task will be reprocessed. That matches the transport's
// at-least-once contract.
type History struct {
	mu       sync.Mutex
	capacity int
	order    []string // insertion order, oldest first
	head     int      // index of the oldest entry once the ring is full
	seen     map[string]struct{}
}

// NewHistory creates a history holding at most capacity ids.
// A capacity below 1 is treated as 1.
func NewHistory(capacity int) *History {
	if capacity < 1 {
		capacity = 1
	}
	return &History{
		capacity: capacity,
		order:    make([]string, 0, capacity),
		seen:     make(map[string]struct{}, capacity),
	}
}

// Seen reports whether id has been recorded and not yet evicted.
func (h *History) Seen(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.seen[id]
	return ok
}

// Record inserts id, evicting the oldest entry if the history is full.
// Returns false if id was already present (nothing is inserted; the
// original entry keeps its age).
func (h *History) Record(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.seen[id]; ok {
		return false
	}

	if len(h.order) < h.capacity {
		h.order = append(h.order, id)
	} else {
		oldest := h.order[h.head]
		delete(h.seen, oldest)
		h.order[h.head] = id
		h.head = (h.head + 1) % h.capacity
	}
	h.seen[id] = struct{}{}
	return true
}

// Len returns the number of ids currently held.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.seen)
}
