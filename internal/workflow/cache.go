package workflow

import (
	"sync"
	"time"
)

type cacheEntry struct {
	workflow *Workflow
	digest   string
	cachedAt time.Time
}

// Cache holds the workflows assigned to this device, keyed by workflow id,
// with a digest per entry for cheap change detection against the backend.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	maxSize int
	now     func() time.Time
}

// NewCache creates a workflow cache bounded to maxSize entries. When full,
// the oldest entry is evicted to admit a new one.
func NewCache(maxSize int) *Cache {
	if maxSize <= 0 {
		maxSize = 64
	}
	return &Cache{
		entries: make(map[string]*cacheEntry),
		maxSize: maxSize,
		now:     time.Now,
	}
}

// Put stores a workflow, computing its digest. Replacing an existing entry
// never triggers eviction.
func (c *Cache) Put(wf *Workflow) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.entries[wf.ID]; !ok && len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}
	c.entries[wf.ID] = &cacheEntry{
		workflow: wf,
		digest:   wf.Digest(),
		cachedAt: c.now(),
	}
}

// Get returns the cached workflow, or false when absent.
func (c *Cache) Get(id string) (*Workflow, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.entries[id]
	if !ok {
		return nil, false
	}
	return entry.workflow, true
}

// Remove drops a workflow from the cache.
func (c *Cache) Remove(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Len returns the number of cached workflows.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Digests lists the local digest of every cached workflow, the payload the
// sync handshake sends to the backend.
func (c *Cache) Digests() []DigestInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	digests := make([]DigestInfo, 0, len(c.entries))
	for id, entry := range c.entries {
		digests = append(digests, DigestInfo{
			WorkflowID: id,
			Digest:     entry.digest,
			UpdatedAt:  entry.workflow.UpdatedAt,
		})
	}
	return digests
}

// SyncPlan is the delta between the backend's assignment set and the cache.
type SyncPlan struct {
	// ToUpdate holds workflow ids the backend knows with a digest that
	// differs from ours, or that we do not have at all.
	ToUpdate []string
	// ToRemove holds cached workflow ids the backend no longer assigns.
	ToRemove []string
}

// Plan diffs the remote digest list against the cache.
func (c *Cache) Plan(remote []DigestInfo) SyncPlan {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var plan SyncPlan
	assigned := make(map[string]struct{}, len(remote))
	for _, info := range remote {
		assigned[info.WorkflowID] = struct{}{}
		entry, ok := c.entries[info.WorkflowID]
		if !ok || entry.digest != info.Digest {
			plan.ToUpdate = append(plan.ToUpdate, info.WorkflowID)
		}
	}
	for id := range c.entries {
		if _, ok := assigned[id]; !ok {
			plan.ToRemove = append(plan.ToRemove, id)
		}
	}
	return plan
}

func (c *Cache) evictOldestLocked() {
	var oldestID string
	var oldestAt time.Time
	for id, entry := range c.entries {
		if oldestID == "" || entry.cachedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = entry.cachedAt
		}
	}
	if oldestID != "" {
		delete(c.entries, oldestID)
	}
}
