package worker

import "sync"

// attemptTracker counts delivery attempts per task id so transport
// failures can be retried a bounded number of times before dead-lettering.
// Capacity-bounded with oldest-first eviction, like the dedup history.
type attemptTracker struct {
	mu       sync.Mutex
	capacity int
	order    []string
	counts   map[string]int
}

func newAttemptTracker(capacity int) *attemptTracker {
	if capacity < 1 {
		capacity = 1
	}
	return &attemptTracker{
		capacity: capacity,
		counts:   make(map[string]int, capacity),
	}
}

// bump increments and returns the attempt count for id.
func (t *attemptTracker) bump(id string) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.counts[id]; !ok {
		if len(t.order) >= t.capacity {
			oldest := t.order[0]
			t.order = t.order[1:]
			delete(t.counts, oldest)
		}
		t.order = append(t.order, id)
	}
	t.counts[id]++
	return t.counts[id]
}

// clear forgets id after a terminal outcome (ack or dead-letter).
func (t *attemptTracker) clear(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, ok := t.counts[id]; !ok {
		return
	}
	delete(t.counts, id)
	for i, v := range t.order {
		if v == id {
			t.order = append(t.order[:i], t.order[i+1:]...)
			break
		}
	}
}
