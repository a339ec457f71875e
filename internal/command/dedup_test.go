package command

import (
	"testing"
	"time"
)

func TestObserveDiscardsCrossChannelDuplicate(t *testing.T) {
	table := NewDedupTable(16, time.Hour)

	polled := Command{Kind: DeploymentCreate, ID: "dep-1", Payload: []byte(`{"image":"x"}`), Origin: OriginPoll}
	pushed := Command{Kind: DeploymentCreate, ID: "dep-1", Payload: []byte(`{"image":"x"}`), Origin: OriginRelay}

	if table.Observe(polled) {
		t.Fatalf("first observation should not be a duplicate")
	}
	if !table.Observe(pushed) {
		t.Fatalf("same instruction from the other channel should be a duplicate")
	}
}

func TestObserveAcceptsChangedContent(t *testing.T) {
	table := NewDedupTable(16, time.Hour)

	table.Observe(Command{Kind: DeploymentCreate, ID: "dep-1", Payload: []byte(`{"tag":"v1"}`)})
	changed := Command{Kind: DeploymentCreate, ID: "dep-1", Payload: []byte(`{"tag":"v2"}`)}
	if table.Observe(changed) {
		t.Fatalf("changed payload should not be deduplicated")
	}
}

func TestReleaseAllowsIdenticalRetry(t *testing.T) {
	table := NewDedupTable(16, time.Hour)
	cmd := Command{Kind: DeploymentCreate, ID: "dep-1", Payload: []byte(`{"tag":"v1"}`)}

	table.Observe(cmd)
	if !table.Observe(cmd) {
		t.Fatalf("expected duplicate before release")
	}

	table.Release(DeploymentCreate, "dep-1")
	if table.Observe(cmd) {
		t.Fatalf("identical content after release should be accepted again")
	}
}

func TestReleaseLeavesOtherWorkItems(t *testing.T) {
	table := NewDedupTable(16, time.Hour)
	one := Command{Kind: DeploymentCreate, ID: "dep-1", Payload: []byte(`a`)}
	two := Command{Kind: DeploymentCreate, ID: "dep-2", Payload: []byte(`b`)}

	table.Observe(one)
	table.Observe(two)
	table.Release(DeploymentCreate, "dep-1")

	if !table.Observe(two) {
		t.Fatalf("unrelated retention must survive a release")
	}
}

func TestEvictionBoundsTableSize(t *testing.T) {
	table := NewDedupTable(3, time.Hour)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		table.Observe(Command{Kind: WorkflowSync, ID: id, Payload: []byte(id)})
	}
	if got := table.Len(); got > 3 {
		t.Fatalf("table exceeded its bound: %d entries", got)
	}
}

func TestAgedEntriesExpire(t *testing.T) {
	table := NewDedupTable(16, 50*time.Millisecond)
	cmd := Command{Kind: Control, ID: "ctl-1", Payload: []byte(`{"action":"sync"}`)}

	table.Observe(cmd)
	time.Sleep(80 * time.Millisecond)
	if table.Observe(cmd) {
		t.Fatalf("entry past max age should have been evicted")
	}
}

func TestFingerprintStableAcrossOrigins(t *testing.T) {
	a := Command{Kind: WorkflowSync, ID: "s", Payload: []byte(`{"x":1}`), Origin: OriginPoll}
	b := Command{Kind: WorkflowSync, ID: "s", Payload: []byte(`{"x":1}`), Origin: OriginRelay}
	if a.DedupKey() != b.DedupKey() {
		t.Fatalf("dedup key must ignore origin")
	}
}
