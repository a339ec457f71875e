package transport

import (
	"context"
	"encoding/json"
	"io"
	"sync"
	"testing"
	"time"

	"log/slog"

	"github.com/ajime-dev/ajime-agent/internal/command"
	"github.com/ajime-dev/ajime-agent/internal/deploy"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestCoordinator(deployments *deployTargetMock, workflows *workflowTargetMock, rotator *rotatorMock) *Coordinator {
	return NewCoordinator(deployments, workflows, rotator, CoordinatorOptions{QueueSize: 16}, newLogger())
}

func runCoordinator(t *testing.T, c *Coordinator) context.CancelFunc {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	go c.Run(ctx)
	return cancel
}

func deploymentCommand(origin command.Origin) command.Command {
	payload, _ := json.Marshal(map[string]any{
		"id":              "dep-1",
		"deployment_type": "docker",
		"config":          map[string]string{"image": "nginx"},
	})
	return command.Command{
		Kind:       command.DeploymentCreate,
		ID:         "dep-1",
		Payload:    payload,
		Origin:     origin,
		ReceivedAt: time.Now(),
	}
}

func TestCrossChannelDuplicateExecutesOnce(t *testing.T) {
	deployments := newDeployTargetMock()
	c := newTestCoordinator(deployments, newWorkflowTargetMock(), &rotatorMock{})
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(deploymentCommand(command.OriginPoll))
	c.Enqueue(deploymentCommand(command.OriginRelay))

	waitUntil(t, func() bool { return deployments.submitCount() == 1 })
	time.Sleep(30 * time.Millisecond)
	if got := deployments.submitCount(); got != 1 {
		t.Fatalf("duplicate instruction executed %d times", got)
	}
}

func TestTerminalAckReleasesRetention(t *testing.T) {
	deployments := newDeployTargetMock()
	c := newTestCoordinator(deployments, newWorkflowTargetMock(), &rotatorMock{})
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(deploymentCommand(command.OriginPoll))
	waitUntil(t, func() bool { return deployments.submitCount() == 1 })

	c.HandleAck(StatusEvent{
		Kind:         EventDeploymentStatus,
		DeploymentID: "dep-1",
		Status:       deploy.StatusSuccess,
	})
	waitUntil(t, func() bool { return deployments.ackCount() == 1 })

	// Identical content is accepted again once retention is released.
	c.Enqueue(deploymentCommand(command.OriginRelay))
	waitUntil(t, func() bool { return deployments.submitCount() == 2 })
}

func TestNonTerminalAckKeepsRetention(t *testing.T) {
	deployments := newDeployTargetMock()
	c := newTestCoordinator(deployments, newWorkflowTargetMock(), &rotatorMock{})
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(deploymentCommand(command.OriginPoll))
	waitUntil(t, func() bool { return deployments.submitCount() == 1 })

	c.HandleAck(StatusEvent{
		Kind:         EventDeploymentStatus,
		DeploymentID: "dep-1",
		Status:       deploy.StatusInProgress,
	})
	c.Enqueue(deploymentCommand(command.OriginRelay))
	time.Sleep(30 * time.Millisecond)
	if got := deployments.submitCount(); got != 1 {
		t.Fatalf("retention must survive a non-terminal ack, submits=%d", got)
	}
}

func TestControlSyncRoutesToWorkflows(t *testing.T) {
	workflows := newWorkflowTargetMock()
	c := newTestCoordinator(newDeployTargetMock(), workflows, &rotatorMock{})
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(command.Command{
		Kind:    command.Control,
		ID:      "ctl-1",
		Payload: []byte(`{"action":"sync"}`),
		Origin:  command.OriginLocal,
	})
	waitUntil(t, func() bool { return workflows.syncCount() == 1 })
	if !workflows.lastForce() {
		t.Fatalf("control sync must bypass the cooldown")
	}
}

func TestControlCancelRoutesByTargetKind(t *testing.T) {
	deployments := newDeployTargetMock()
	workflows := newWorkflowTargetMock()
	c := newTestCoordinator(deployments, workflows, &rotatorMock{})
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(command.Command{
		Kind:    command.Control,
		ID:      "ctl-1",
		Payload: []byte(`{"action":"cancel","target_kind":"deployment","target_id":"dep-9"}`),
		Origin:  command.OriginRelay,
	})
	c.Enqueue(command.Command{
		Kind:    command.Control,
		ID:      "ctl-2",
		Payload: []byte(`{"action":"cancel","target_kind":"workflow","target_id":"wf-9"}`),
		Origin:  command.OriginRelay,
	})

	waitUntil(t, func() bool {
		return deployments.cancelledID() == "dep-9" && workflows.cancelledID() == "wf-9"
	})
}

func TestControlRotateRequiresSecret(t *testing.T) {
	rotator := &rotatorMock{}
	c := newTestCoordinator(newDeployTargetMock(), newWorkflowTargetMock(), rotator)
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(command.Command{
		Kind:    command.Control,
		ID:      "ctl-1",
		Payload: []byte(`{"action":"rotate_secret"}`),
		Origin:  command.OriginRelay,
	})
	c.Enqueue(command.Command{
		Kind:    command.Control,
		ID:      "ctl-2",
		Payload: []byte(`{"action":"rotate_secret","secret":"fresh"}`),
		Origin:  command.OriginRelay,
	})

	waitUntil(t, func() bool { return rotator.last() == "fresh" })
	if got := rotator.count(); got != 1 {
		t.Fatalf("rotate without secret must be rejected, rotations=%d", got)
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("condition not reached within deadline")
}

type deployTargetMock struct {
	mu        sync.Mutex
	submits   []string
	cancelled string
	acked     []string
}

func newDeployTargetMock() *deployTargetMock {
	return &deployTargetMock{}
}

func (m *deployTargetMock) Submit(id, _ string, _ json.RawMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submits = append(m.submits, id)
}

func (m *deployTargetMock) Cancel(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = id
}

func (m *deployTargetMock) Acknowledge(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.acked = append(m.acked, id)
}

func (m *deployTargetMock) submitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.submits)
}

func (m *deployTargetMock) cancelledID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

func (m *deployTargetMock) ackCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.acked)
}

type workflowTargetMock struct {
	mu        sync.Mutex
	syncs     int
	force     bool
	cancelled string
}

func newWorkflowTargetMock() *workflowTargetMock {
	return &workflowTargetMock{}
}

func (m *workflowTargetMock) Sync(_ context.Context, force bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.syncs++
	m.force = force
	return nil
}

func (m *workflowTargetMock) Cancel(workflowID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = workflowID
	return true
}

func (m *workflowTargetMock) syncCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.syncs
}

func (m *workflowTargetMock) lastForce() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.force
}

func (m *workflowTargetMock) cancelledID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cancelled
}

type rotatorMock struct {
	mu      sync.Mutex
	secrets []string
}

func (m *rotatorMock) Rotate(newSecret string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.secrets = append(m.secrets, newSecret)
	return nil
}

func (m *rotatorMock) last() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.secrets) == 0 {
		return ""
	}
	return m.secrets[len(m.secrets)-1]
}

func (m *rotatorMock) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.secrets)
}

func TestControlRestartFiresHook(t *testing.T) {
	c := newTestCoordinator(newDeployTargetMock(), newWorkflowTargetMock(), &rotatorMock{})
	var mu sync.Mutex
	fired := 0
	c.SetRestartHook(func() {
		mu.Lock()
		fired++
		mu.Unlock()
	})
	cancel := runCoordinator(t, c)
	defer cancel()

	c.Enqueue(command.Command{
		Kind:    command.Control,
		ID:      "ctl-restart",
		Payload: []byte(`{"action":"restart"}`),
		Origin:  command.OriginRelay,
	})
	waitUntil(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return fired == 1
	})
}
