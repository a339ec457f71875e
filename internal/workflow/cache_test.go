package workflow

import (
	"testing"
	"time"
)

func cachedWorkflow(id, hash string) *Workflow {
	return &Workflow{ID: id, LogicHash: hash, UpdatedAt: time.Now().Format(time.RFC3339)}
}

func TestCachePutGetRemove(t *testing.T) {
	cache := NewCache(8)
	cache.Put(cachedWorkflow("wf-1", "h1"))

	if _, ok := cache.Get("wf-1"); !ok {
		t.Fatalf("expected cached workflow")
	}
	cache.Remove("wf-1")
	if _, ok := cache.Get("wf-1"); ok {
		t.Fatalf("expected workflow removed")
	}
}

func TestCacheEvictsOldestWhenFull(t *testing.T) {
	cache := NewCache(2)
	tick := time.Now()
	cache.now = func() time.Time {
		tick = tick.Add(time.Second)
		return tick
	}

	cache.Put(cachedWorkflow("wf-1", "h1"))
	cache.Put(cachedWorkflow("wf-2", "h2"))
	cache.Put(cachedWorkflow("wf-3", "h3"))

	if cache.Len() != 2 {
		t.Fatalf("cache exceeded capacity: %d", cache.Len())
	}
	if _, ok := cache.Get("wf-1"); ok {
		t.Fatalf("oldest entry should have been evicted")
	}
	if _, ok := cache.Get("wf-3"); !ok {
		t.Fatalf("newest entry must survive")
	}
}

func TestCacheReplaceDoesNotEvict(t *testing.T) {
	cache := NewCache(2)
	cache.Put(cachedWorkflow("wf-1", "h1"))
	cache.Put(cachedWorkflow("wf-2", "h2"))
	cache.Put(cachedWorkflow("wf-1", "h1b"))

	if cache.Len() != 2 {
		t.Fatalf("replace must not change cardinality, got %d", cache.Len())
	}
	wf, _ := cache.Get("wf-1")
	if wf.LogicHash != "h1b" {
		t.Fatalf("replace did not take effect: %s", wf.LogicHash)
	}
}

func TestPlanDetectsChangesAndRemovals(t *testing.T) {
	cache := NewCache(8)
	cache.Put(cachedWorkflow("same", "h1"))
	cache.Put(cachedWorkflow("changed", "old"))
	cache.Put(cachedWorkflow("dropped", "h3"))

	remote := []DigestInfo{
		{WorkflowID: "same", Digest: "h1"},
		{WorkflowID: "changed", Digest: "new"},
		{WorkflowID: "added", Digest: "h4"},
	}
	plan := cache.Plan(remote)

	wantUpdate := map[string]bool{"changed": true, "added": true}
	if len(plan.ToUpdate) != 2 {
		t.Fatalf("unexpected updates: %v", plan.ToUpdate)
	}
	for _, id := range plan.ToUpdate {
		if !wantUpdate[id] {
			t.Fatalf("unexpected update %q", id)
		}
	}
	if len(plan.ToRemove) != 1 || plan.ToRemove[0] != "dropped" {
		t.Fatalf("unexpected removals: %v", plan.ToRemove)
	}
}

func TestDigestPrefersLogicHash(t *testing.T) {
	wf := &Workflow{ID: "wf-1", LogicHash: "given"}
	if wf.Digest() != "given" {
		t.Fatalf("logic hash must win, got %s", wf.Digest())
	}
	derived := &Workflow{ID: "wf-2", GraphData: GraphData{Nodes: []Node{taskNode("a")}}}
	if derived.Digest() == "" {
		t.Fatalf("digest must be derived from graph data")
	}
	if derived.Digest() != derived.Digest() {
		t.Fatalf("derived digest must be stable")
	}
}
