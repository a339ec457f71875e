package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/google/uuid"

	"github.com/ajime-dev/ajime-agent/internal/api"
)

// Status event kinds carried on the outbound queue.
const (
	EventDeploymentStatus = "deployment_status"
	EventDeploymentLog    = "deployment_log"
	EventWorkflowStatus   = "workflow_status"
	EventNodeStatus       = "node_status"
)

// StatusEvent is one outbound report. Events are delivered at least once:
// relay first when the connection is up, HTTP otherwise, and retained until
// acknowledged.
type StatusEvent struct {
	ID           string    `json:"id"`
	Kind         string    `json:"kind"`
	DeploymentID string    `json:"deployment_id,omitempty"`
	WorkflowID   string    `json:"workflow_id,omitempty"`
	NodeID       string    `json:"node_id,omitempty"`
	Status       string    `json:"status,omitempty"`
	Attempt      int       `json:"attempt,omitempty"`
	Error        string    `json:"error,omitempty"`
	Level        string    `json:"level,omitempty"`
	Message      string    `json:"message,omitempty"`
	QueuedAt     time.Time `json:"queued_at"`
}

// RelayLink is the slice of the relay the reporter sends through.
type RelayLink interface {
	Connected() bool
	SendStatus(event StatusEvent) error
}

// StatusBackend is the HTTP fallback for status delivery.
type StatusBackend interface {
	UpdateDeploymentStatus(ctx context.Context, deploymentID string, update api.DeploymentStatusUpdate) error
	SendDeploymentLog(ctx context.Context, deploymentID string, entry api.DeploymentLog) error
	ReportWorkflowStatus(ctx context.Context, deviceID, workflowID string, report api.WorkflowStatusReport) error
}

// ReporterOptions tunes outbound delivery.
type ReporterOptions struct {
	// QueueSize bounds the outbound queue.
	QueueSize int
	// AckTimeout redelivers relay-sent events that were never acknowledged.
	AckTimeout time.Duration
	// RetryInitial seeds the per-event retry backoff.
	RetryInitial time.Duration
	// RetryMax caps the per-event retry backoff.
	RetryMax time.Duration
	// MaxPending bounds unacknowledged retention; beyond it the oldest
	// entry is dropped.
	MaxPending int
}

type pendingEvent struct {
	event       StatusEvent
	attempts    int
	awaitingAck bool
	sentAt      time.Time
	nextAt      time.Time
}

// Reporter funnels deployment and workflow status through one ordered
// outbound queue. It satisfies the reporting contracts of both the
// deployment machine and the workflow executor.
type Reporter struct {
	deviceID string
	backend  StatusBackend
	opts     ReporterOptions
	log      *slog.Logger

	queue chan StatusEvent
	acks  chan string

	mu      sync.Mutex
	relay   RelayLink
	ackHook func(StatusEvent)

	// pending is touched only by the Run goroutine; pendingCount mirrors
	// its size for callers on other goroutines.
	pending      map[string]*pendingEvent
	pendingCount atomic.Int64
	now          func() time.Time
}

// NewReporter creates the outbound status reporter.
func NewReporter(deviceID string, backend StatusBackend, opts ReporterOptions, log *slog.Logger) *Reporter {
	initMetrics()
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = 10 * time.Second
	}
	if opts.RetryInitial <= 0 {
		opts.RetryInitial = time.Second
	}
	if opts.RetryMax <= 0 {
		opts.RetryMax = 60 * time.Second
	}
	if opts.MaxPending <= 0 {
		opts.MaxPending = 512
	}
	return &Reporter{
		deviceID: deviceID,
		backend:  backend,
		opts:     opts,
		log:      log,
		queue:    make(chan StatusEvent, opts.QueueSize),
		acks:     make(chan string, opts.QueueSize),
		pending:  make(map[string]*pendingEvent),
		now:      time.Now,
	}
}

// SetRelay installs the relay link. Until set, everything goes over HTTP.
func (r *Reporter) SetRelay(relay RelayLink) {
	r.mu.Lock()
	r.relay = relay
	r.mu.Unlock()
}

// SetAckHook installs a callback invoked once per event on first
// acknowledgment.
func (r *Reporter) SetAckHook(hook func(StatusEvent)) {
	r.mu.Lock()
	r.ackHook = hook
	r.mu.Unlock()
}

// Ack marks a relay-delivered event as acknowledged by the backend.
func (r *Reporter) Ack(eventID string) {
	select {
	case r.acks <- eventID:
	default:
		r.log.Warn("ack channel full, dropping ack", "event_id", eventID)
	}
}

// DeploymentStatus queues a deployment lifecycle transition.
func (r *Reporter) DeploymentStatus(deploymentID, status string, attempt int, errorMessage string) {
	r.enqueue(StatusEvent{
		Kind:         EventDeploymentStatus,
		DeploymentID: deploymentID,
		Status:       status,
		Attempt:      attempt,
		Error:        errorMessage,
	})
}

// DeploymentLog queues a deployment log line.
func (r *Reporter) DeploymentLog(deploymentID, level, message string) {
	r.enqueue(StatusEvent{
		Kind:         EventDeploymentLog,
		DeploymentID: deploymentID,
		Level:        level,
		Message:      message,
	})
}

// WorkflowStatus queues a workflow run transition.
func (r *Reporter) WorkflowStatus(workflowID, status, errorMessage string) {
	r.enqueue(StatusEvent{
		Kind:       EventWorkflowStatus,
		WorkflowID: workflowID,
		Status:     status,
		Error:      errorMessage,
	})
}

// NodeStatus queues a node state transition.
func (r *Reporter) NodeStatus(workflowID, nodeID, status, errorMessage string) {
	r.enqueue(StatusEvent{
		Kind:       EventNodeStatus,
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Status:     status,
		Error:      errorMessage,
	})
}

func (r *Reporter) enqueue(event StatusEvent) {
	event.ID = uuid.NewString()
	event.QueuedAt = r.now().UTC()
	select {
	case r.queue <- event:
		queueDepth.Inc()
	default:
		eventsDropped.Inc()
		r.log.Warn("outbound queue full, dropping status event",
			"kind", event.Kind, "status", event.Status)
	}
}

// Run drains the outbound queue until ctx is cancelled.
func (r *Reporter) Run(ctx context.Context) error {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event := <-r.queue:
			queueDepth.Dec()
			r.deliver(ctx, event, 0)
		case eventID := <-r.acks:
			r.acknowledge(eventID)
		case <-ticker.C:
			r.redeliver(ctx)
		}
	}
}

// Pending reports the number of events awaiting acknowledgment or retry.
// Safe from any goroutine.
func (r *Reporter) Pending() int {
	return int(r.pendingCount.Load())
}

func (r *Reporter) deliver(ctx context.Context, event StatusEvent, attempts int) {
	r.mu.Lock()
	relay := r.relay
	r.mu.Unlock()

	if relay != nil && relay.Connected() {
		if err := relay.SendStatus(event); err == nil {
			eventsTotal.WithLabelValues("relay", "sent").Inc()
			r.retain(&pendingEvent{
				event:       event,
				attempts:    attempts + 1,
				awaitingAck: true,
				sentAt:      r.now(),
			})
			return
		}
		eventsTotal.WithLabelValues("relay", "error").Inc()
	}

	callCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	err := r.dispatchHTTP(callCtx, event)
	cancel()
	if err != nil {
		eventsTotal.WithLabelValues("http", "error").Inc()
		r.log.Warn("status delivery failed, will retry",
			"kind", event.Kind, "attempts", attempts+1, "error", err)
		r.retain(&pendingEvent{
			event:    event,
			attempts: attempts + 1,
			nextAt:   r.now().Add(r.retryBackoff(attempts + 1)),
		})
		return
	}
	eventsTotal.WithLabelValues("http", "sent").Inc()
	r.fireAckHook(event)
}

func (r *Reporter) dispatchHTTP(ctx context.Context, event StatusEvent) error {
	switch event.Kind {
	case EventDeploymentStatus:
		return r.backend.UpdateDeploymentStatus(ctx, event.DeploymentID, api.DeploymentStatusUpdate{
			Status:       event.Status,
			Attempt:      event.Attempt,
			ErrorMessage: event.Error,
		})
	case EventDeploymentLog:
		return r.backend.SendDeploymentLog(ctx, event.DeploymentID, api.DeploymentLog{
			Level:   event.Level,
			Message: event.Message,
		})
	case EventWorkflowStatus:
		return r.backend.ReportWorkflowStatus(ctx, r.deviceID, event.WorkflowID, api.WorkflowStatusReport{
			Status: event.Status,
			Error:  event.Error,
		})
	case EventNodeStatus:
		return r.backend.ReportWorkflowStatus(ctx, r.deviceID, event.WorkflowID, api.WorkflowStatusReport{
			NodeStatuses: []api.NodeStatusReport{{
				NodeID: event.NodeID,
				Status: event.Status,
				Error:  event.Error,
			}},
		})
	}
	r.log.Warn("unknown status event kind", "kind", event.Kind)
	return nil
}

func (r *Reporter) retain(entry *pendingEvent) {
	if len(r.pending) >= r.opts.MaxPending {
		r.dropOldestPending()
	}
	if _, exists := r.pending[entry.event.ID]; !exists {
		r.pendingCount.Add(1)
	}
	r.pending[entry.event.ID] = entry
}

func (r *Reporter) dropOldestPending() {
	var oldestID string
	var oldestAt time.Time
	for id, entry := range r.pending {
		if oldestID == "" || entry.event.QueuedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = entry.event.QueuedAt
		}
	}
	if oldestID != "" {
		delete(r.pending, oldestID)
		r.pendingCount.Add(-1)
		eventsDropped.Inc()
		r.log.Warn("pending retention full, dropping oldest event", "event_id", oldestID)
	}
}

func (r *Reporter) acknowledge(eventID string) {
	entry, ok := r.pending[eventID]
	if !ok {
		return
	}
	delete(r.pending, eventID)
	r.pendingCount.Add(-1)
	r.fireAckHook(entry.event)
}

func (r *Reporter) fireAckHook(event StatusEvent) {
	r.mu.Lock()
	hook := r.ackHook
	r.mu.Unlock()
	if hook != nil {
		hook(event)
	}
}

func (r *Reporter) redeliver(ctx context.Context) {
	now := r.now()
	for id, entry := range r.pending {
		switch {
		case entry.awaitingAck && now.Sub(entry.sentAt) >= r.opts.AckTimeout:
			delete(r.pending, id)
			r.pendingCount.Add(-1)
			r.deliver(ctx, entry.event, entry.attempts)
		case !entry.awaitingAck && !now.Before(entry.nextAt):
			delete(r.pending, id)
			r.pendingCount.Add(-1)
			r.deliver(ctx, entry.event, entry.attempts)
		}
	}
}

func (r *Reporter) retryBackoff(attempts int) time.Duration {
	backoff := r.opts.RetryInitial
	for i := 1; i < attempts; i++ {
		backoff *= 2
		if backoff >= r.opts.RetryMax {
			return r.opts.RetryMax
		}
	}
	return backoff
}
