package transport

import (
	"testing"
	"time"
)

func TestBackoffDoublesUntilCap(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 8 * time.Second, StabilitySpan: 30 * time.Second}

	want := []time.Duration{
		time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		8 * time.Second,
	}
	for i, expected := range want {
		if got := b.Next(); got != expected {
			t.Fatalf("attempt %d: got %s, want %s", i, got, expected)
		}
	}
}

func TestBackoffResetsAfterStableConnection(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 60 * time.Second, StabilitySpan: 30 * time.Second}

	b.Next()
	b.Next()
	b.Next()

	b.Observe(31 * time.Second)
	if got := b.Next(); got != time.Second {
		t.Fatalf("stable uptime must reset backoff, got %s", got)
	}
}

func TestBackoffKeepsGrowthAfterShortConnection(t *testing.T) {
	b := Backoff{Initial: time.Second, Max: 60 * time.Second, StabilitySpan: 30 * time.Second}

	b.Next()
	b.Next()

	b.Observe(2 * time.Second)
	if got := b.Next(); got != 4*time.Second {
		t.Fatalf("short-lived connection must keep grown delay, got %s", got)
	}
}
