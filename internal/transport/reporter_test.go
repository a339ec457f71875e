package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ajime-dev/ajime-agent/internal/api"
)

func newTestReporter(backend *statusBackendMock) *Reporter {
	return NewReporter("device-1", backend, ReporterOptions{
		QueueSize:    16,
		AckTimeout:   10 * time.Second,
		RetryInitial: time.Second,
		RetryMax:     8 * time.Second,
	}, newLogger())
}

func TestDeliverPrefersRelay(t *testing.T) {
	backend := newStatusBackendMock()
	relay := &relayLinkMock{connected: true}
	r := newTestReporter(backend)
	r.SetRelay(relay)

	r.DeploymentStatus("dep-1", "success", 1, "")
	r.deliver(context.Background(), <-r.queue, 0)

	if relay.sentCount() != 1 {
		t.Fatalf("expected relay delivery, sent=%d", relay.sentCount())
	}
	if backend.statusCount() != 0 {
		t.Fatalf("relay delivery must not hit HTTP")
	}
	if r.Pending() != 1 {
		t.Fatalf("relay-sent event must be retained until acked, pending=%d", r.Pending())
	}
}

func TestDeliverFallsBackToHTTP(t *testing.T) {
	backend := newStatusBackendMock()
	r := newTestReporter(backend)
	r.SetRelay(&relayLinkMock{connected: false})

	r.DeploymentStatus("dep-1", "in_progress", 1, "")
	r.deliver(context.Background(), <-r.queue, 0)

	if backend.statusCount() != 1 {
		t.Fatalf("expected HTTP fallback, calls=%d", backend.statusCount())
	}
	if r.Pending() != 0 {
		t.Fatalf("HTTP success is an implicit ack, pending=%d", r.Pending())
	}
}

func TestHTTPSuccessFiresAckHook(t *testing.T) {
	backend := newStatusBackendMock()
	r := newTestReporter(backend)

	var mu sync.Mutex
	var acked []string
	r.SetAckHook(func(ev StatusEvent) {
		mu.Lock()
		acked = append(acked, ev.DeploymentID)
		mu.Unlock()
	})

	r.DeploymentStatus("dep-1", "success", 1, "")
	r.deliver(context.Background(), <-r.queue, 0)

	mu.Lock()
	defer mu.Unlock()
	if len(acked) != 1 || acked[0] != "dep-1" {
		t.Fatalf("ack hook not fired: %v", acked)
	}
}

func TestHTTPFailureRetainsForRetry(t *testing.T) {
	backend := newStatusBackendMock()
	backend.statusErr = errors.New("backend down")
	r := newTestReporter(backend)

	r.DeploymentStatus("dep-1", "failed", 1, "boom")
	r.deliver(context.Background(), <-r.queue, 0)

	if r.Pending() != 1 {
		t.Fatalf("failed delivery must be retained, pending=%d", r.Pending())
	}

	// Heal the backend and move past the retry deadline.
	backend.statusErr = nil
	r.now = func() time.Time { return time.Now().Add(2 * time.Second) }
	r.redeliver(context.Background())

	if backend.statusCount() != 2 {
		t.Fatalf("expected redelivery, calls=%d", backend.statusCount())
	}
	if r.Pending() != 0 {
		t.Fatalf("successful redelivery must clear retention, pending=%d", r.Pending())
	}
}

func TestRelayAckClearsRetention(t *testing.T) {
	backend := newStatusBackendMock()
	relay := &relayLinkMock{connected: true}
	r := newTestReporter(backend)
	r.SetRelay(relay)

	r.WorkflowStatus("wf-1", "completed", "")
	event := <-r.queue
	r.deliver(context.Background(), event, 0)
	r.acknowledge(event.ID)

	if r.Pending() != 0 {
		t.Fatalf("ack must clear retention, pending=%d", r.Pending())
	}
}

func TestUnackedRelayEventRedelivers(t *testing.T) {
	backend := newStatusBackendMock()
	relay := &relayLinkMock{connected: true}
	r := newTestReporter(backend)
	r.SetRelay(relay)

	r.NodeStatus("wf-1", "node-a", "completed", "")
	r.deliver(context.Background(), <-r.queue, 0)

	// The relay went quiet; past the ack timeout the event rides HTTP.
	relay.setConnected(false)
	r.now = func() time.Time { return time.Now().Add(11 * time.Second) }
	r.redeliver(context.Background())

	if backend.workflowCount() != 1 {
		t.Fatalf("expected HTTP redelivery of unacked event, calls=%d", backend.workflowCount())
	}
}

func TestEnqueueDropsWhenSaturated(t *testing.T) {
	backend := newStatusBackendMock()
	r := NewReporter("device-1", backend, ReporterOptions{QueueSize: 1}, newLogger())

	r.DeploymentStatus("dep-1", "pending", 1, "")
	r.DeploymentStatus("dep-2", "pending", 1, "")

	if got := len(r.queue); got != 1 {
		t.Fatalf("saturated queue must drop instead of block, depth=%d", got)
	}
}

type statusBackendMock struct {
	mu          sync.Mutex
	statusErr   error
	statusCalls int
	statuses    []api.DeploymentStatusUpdate
	logs        []api.DeploymentLog
	workflows   []api.WorkflowStatusReport
}

func newStatusBackendMock() *statusBackendMock {
	return &statusBackendMock{}
}

func (m *statusBackendMock) UpdateDeploymentStatus(_ context.Context, _ string, update api.DeploymentStatusUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statusCalls++
	if m.statusErr != nil {
		return m.statusErr
	}
	m.statuses = append(m.statuses, update)
	return nil
}

func (m *statusBackendMock) SendDeploymentLog(_ context.Context, _ string, entry api.DeploymentLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.logs = append(m.logs, entry)
	return nil
}

func (m *statusBackendMock) ReportWorkflowStatus(_ context.Context, _, _ string, report api.WorkflowStatusReport) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workflows = append(m.workflows, report)
	return nil
}

func (m *statusBackendMock) statusCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statusCalls
}

func (m *statusBackendMock) workflowCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.workflows)
}

type relayLinkMock struct {
	mu        sync.Mutex
	connected bool
	sent      []StatusEvent
}

func (m *relayLinkMock) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *relayLinkMock) setConnected(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = v
}

func (m *relayLinkMock) SendStatus(event StatusEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, event)
	return nil
}

func (m *relayLinkMock) sentCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sent)
}

func TestPendingCountTracksRetentionBound(t *testing.T) {
	backend := newStatusBackendMock()
	relay := &relayLinkMock{connected: true}
	r := NewReporter("device-1", backend, ReporterOptions{
		QueueSize:  16,
		MaxPending: 2,
	}, newLogger())
	r.SetRelay(relay)

	for i := 0; i < 3; i++ {
		r.DeploymentStatus("dep-1", "in_progress", i+1, "")
		r.deliver(context.Background(), <-r.queue, 0)
	}
	if got := r.Pending(); got != 2 {
		t.Fatalf("retention bound not reflected, pending=%d", got)
	}

	// Pending is read from other goroutines; exercise it alongside map
	// mutations on this one.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 100; i++ {
			r.Pending()
		}
	}()
	for i := 0; i < 100; i++ {
		r.DeploymentStatus("dep-1", "in_progress", i, "")
		r.deliver(context.Background(), <-r.queue, 0)
	}
	<-done
	if got := r.Pending(); got != 2 {
		t.Fatalf("pending count drifted to %d", got)
	}
}
