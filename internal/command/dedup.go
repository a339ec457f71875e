package command

import (
	"sync"
	"time"
)

// DedupTable tracks fully processed commands so a duplicate arriving from the
// other channel (or a redelivery after reconnect) produces no state change.
// Retention is bounded: entries are released when the corresponding work
// reaches a terminal, acknowledged state, with an age ceiling as backstop.
type DedupTable struct {
	mu      sync.Mutex
	seen    map[Key]time.Time
	maxAge  time.Duration
	maxSize int
	now     func() time.Time
}

// NewDedupTable creates a table with the given retention bounds.
func NewDedupTable(maxSize int, maxAge time.Duration) *DedupTable {
	return &DedupTable{
		seen:    make(map[Key]time.Time),
		maxAge:  maxAge,
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Observe records the command and reports whether it was already seen.
// The first observation wins; callers drop duplicates silently.
func (t *DedupTable) Observe(cmd Command) bool {
	key := cmd.DedupKey()
	t.mu.Lock()
	defer t.mu.Unlock()
	t.evictLocked()
	if _, ok := t.seen[key]; ok {
		return true
	}
	t.seen[key] = t.now()
	return false
}

// Release drops every entry for the given kind and id, typically once the
// deployment or workflow reached a terminal acknowledged state.
func (t *DedupTable) Release(kind Kind, id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.seen {
		if key.Kind == kind && key.ID == id {
			delete(t.seen, key)
		}
	}
}

// Len returns the number of retained entries.
func (t *DedupTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.seen)
}

// evictLocked enforces the age and size bounds. Oldest entries go first when
// over capacity.
func (t *DedupTable) evictLocked() {
	cutoff := t.now().Add(-t.maxAge)
	for key, at := range t.seen {
		if at.Before(cutoff) {
			delete(t.seen, key)
		}
	}
	for len(t.seen) >= t.maxSize {
		var oldestKey Key
		var oldestAt time.Time
		first := true
		for key, at := range t.seen {
			if first || at.Before(oldestAt) {
				oldestKey, oldestAt = key, at
				first = false
			}
		}
		delete(t.seen, oldestKey)
	}
}
