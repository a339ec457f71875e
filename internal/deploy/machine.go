package deploy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"log/slog"
)

// ErrUnsupportedType indicates no executor is registered for a deployment type.
var ErrUnsupportedType = errors.New("unsupported deployment type")

// Executor performs the actual work for one deployment type. Implementations
// honour the context for timeout and cooperative cancellation.
type Executor interface {
	Type() string
	Execute(ctx context.Context, dep *Deployment, logf LogFunc) error
}

// LogFunc streams a deployment log line.
type LogFunc func(level, message string)

// Reporter receives deployment lifecycle events. Delivery is at-least-once;
// the (id, status, attempt) tuple keys server-side idempotent upserts.
type Reporter interface {
	DeploymentStatus(id, status string, attempt int, errorMessage string)
	DeploymentLog(id, level, message string)
}

// MachineOptions tunes the deployment state machine.
type MachineOptions struct {
	// RunTimeout force-fails a deployment stuck in progress.
	RunTimeout time.Duration
	// IdlePoll bounds how long the advance loop sleeps with no work queued.
	IdlePoll time.Duration
}

// Machine owns every in-flight deployment on the device. At most one
// deployment is advanced at a time; the rest queue FIFO by creation.
type Machine struct {
	mu          sync.Mutex
	deployments map[string]*Deployment
	executors   map[string]Executor
	reporter    Reporter
	opts        MachineOptions
	log         *slog.Logger
	wake        chan struct{}
	now         func() time.Time

	cancelMu      sync.Mutex
	cancelCurrent context.CancelFunc
	currentID     string
}

// NewMachine creates a deployment state machine.
func NewMachine(reporter Reporter, opts MachineOptions, log *slog.Logger) *Machine {
	if opts.RunTimeout <= 0 {
		opts.RunTimeout = 10 * time.Minute
	}
	if opts.IdlePoll <= 0 {
		opts.IdlePoll = 5 * time.Second
	}
	return &Machine{
		deployments: make(map[string]*Deployment),
		executors:   make(map[string]Executor),
		reporter:    reporter,
		opts:        opts,
		log:         log,
		wake:        make(chan struct{}, 1),
		now:         time.Now,
	}
}

// Register adds an executor for its deployment type.
func (m *Machine) Register(e Executor) {
	m.executors[e.Type()] = e
}

// Submit ingests a deployment instruction. Unknown IDs are created pending;
// a differing config for a non-terminal deployment is updated in place; a
// differing config for a terminal one starts a fresh attempt. Identical
// resubmissions are no-ops.
func (m *Machine) Submit(id, typ string, config json.RawMessage) {
	fp := configFingerprint(typ, config)
	m.mu.Lock()
	dep, ok := m.deployments[id]
	switch {
	case !ok:
		dep = &Deployment{
			ID:          id,
			Type:        typ,
			Config:      config,
			Status:      StatusPending,
			Attempt:     1,
			CreatedAt:   m.now(),
			fingerprint: fp,
		}
		m.deployments[id] = dep
		m.mu.Unlock()
		m.log.Info("deployment queued", "deployment_id", id, "type", typ)
		m.reporter.DeploymentStatus(id, StatusPending, 1, "")
	case dep.fingerprint == fp:
		// Already known with identical content: idempotent ingestion.
		m.mu.Unlock()
		return
	case dep.Terminal():
		dep.Type = typ
		dep.Config = config
		dep.fingerprint = fp
		dep.Attempt++
		dep.Status = StatusPending
		dep.ErrorMessage = ""
		dep.CreatedAt = m.now()
		dep.StartedAt = time.Time{}
		dep.CompletedAt = time.Time{}
		dep.acked = false
		attempt := dep.Attempt
		m.mu.Unlock()
		m.log.Info("deployment re-queued", "deployment_id", id, "attempt", attempt)
		m.reporter.DeploymentStatus(id, StatusPending, attempt, "")
	default:
		dep.Type = typ
		dep.Config = config
		dep.fingerprint = fp
		status := dep.Status
		m.mu.Unlock()
		m.log.Info("deployment config updated", "deployment_id", id, "status", status)
	}
	m.poke()
}

// Cancel requests cooperative cancellation. A pending deployment fails
// immediately; an in-progress one is allowed to reach its next checkpoint.
func (m *Machine) Cancel(id string) {
	m.mu.Lock()
	dep, ok := m.deployments[id]
	if !ok || dep.Terminal() {
		m.mu.Unlock()
		return
	}
	if dep.Status == StatusPending {
		if err := dep.transition(StatusFailed, m.now()); err == nil {
			dep.ErrorMessage = "cancelled before execution"
			attempt := dep.Attempt
			m.mu.Unlock()
			m.reporter.DeploymentStatus(id, StatusFailed, attempt, "cancelled before execution")
			return
		}
	}
	m.mu.Unlock()

	m.cancelMu.Lock()
	if m.currentID == id && m.cancelCurrent != nil {
		m.cancelCurrent()
	}
	m.cancelMu.Unlock()
}

// Acknowledge marks a terminal deployment as acknowledged by the backend and
// evicts it from local memory. The remote record is untouched.
func (m *Machine) Acknowledge(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	dep, ok := m.deployments[id]
	if !ok {
		return
	}
	dep.acked = true
	if dep.Terminal() {
		delete(m.deployments, id)
	}
}

// Snapshot returns copies of all tracked deployments ordered by creation.
func (m *Machine) Snapshot() []Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Deployment, 0, len(m.deployments))
	for _, dep := range m.deployments {
		out = append(out, *dep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Run drives the advance loop until the context is cancelled.
func (m *Machine) Run(ctx context.Context) error {
	m.log.Info("deployment worker starting", "run_timeout", m.opts.RunTimeout)
	for {
		dep := m.nextPending()
		if dep == nil {
			select {
			case <-ctx.Done():
				m.log.Info("deployment worker stopping")
				return nil
			case <-m.wake:
			case <-time.After(m.opts.IdlePoll):
			}
			continue
		}
		m.advance(ctx, dep)
		select {
		case <-ctx.Done():
			m.log.Info("deployment worker stopping")
			return nil
		default:
		}
	}
}

// nextPending picks the oldest pending deployment, FIFO by creation time.
func (m *Machine) nextPending() *Deployment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var next *Deployment
	for _, dep := range m.deployments {
		if dep.Status != StatusPending {
			continue
		}
		if next == nil || dep.CreatedAt.Before(next.CreatedAt) {
			next = dep
		}
	}
	return next
}

// advance runs a single deployment to a terminal state.
func (m *Machine) advance(ctx context.Context, dep *Deployment) {
	m.mu.Lock()
	if err := dep.transition(StatusInProgress, m.now()); err != nil {
		m.mu.Unlock()
		m.log.Error("deployment advance rejected", "deployment_id", dep.ID, "error", err)
		return
	}
	id, typ, attempt := dep.ID, dep.Type, dep.Attempt
	m.mu.Unlock()

	m.log.Info("deployment starting", "deployment_id", id, "type", typ, "attempt", attempt)
	m.reporter.DeploymentStatus(id, StatusInProgress, attempt, "")
	m.reporter.DeploymentLog(id, "info", fmt.Sprintf("starting %s deployment", typ))

	execCtx, cancel := context.WithTimeout(ctx, m.opts.RunTimeout)
	m.cancelMu.Lock()
	m.currentID, m.cancelCurrent = id, cancel
	m.cancelMu.Unlock()

	err := m.execute(execCtx, dep)

	m.cancelMu.Lock()
	m.currentID, m.cancelCurrent = "", nil
	m.cancelMu.Unlock()
	timedOut := errors.Is(execCtx.Err(), context.DeadlineExceeded)
	cancel()

	m.mu.Lock()
	if err == nil {
		if terr := dep.transition(StatusSuccess, m.now()); terr != nil {
			m.log.Error("deployment completion rejected", "deployment_id", id, "error", terr)
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()
		m.log.Info("deployment succeeded", "deployment_id", id, "attempt", attempt)
		m.reporter.DeploymentStatus(id, StatusSuccess, attempt, "")
		m.reporter.DeploymentLog(id, "info", "deployment completed successfully")
		return
	}
	msg := err.Error()
	if timedOut {
		msg = fmt.Sprintf("deployment timed out after %s", m.opts.RunTimeout)
	}
	if terr := dep.transition(StatusFailed, m.now()); terr != nil {
		m.log.Error("deployment failure rejected", "deployment_id", id, "error", terr)
		m.mu.Unlock()
		return
	}
	dep.ErrorMessage = msg
	m.mu.Unlock()
	m.log.Error("deployment failed", "deployment_id", id, "attempt", attempt, "error", msg)
	m.reporter.DeploymentStatus(id, StatusFailed, attempt, msg)
	m.reporter.DeploymentLog(id, "error", "deployment failed: "+msg)
}

func (m *Machine) execute(ctx context.Context, dep *Deployment) error {
	m.mu.Lock()
	snapshot := *dep
	m.mu.Unlock()
	exec, ok := m.executors[snapshot.Type]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, snapshot.Type)
	}
	logf := func(level, message string) {
		m.reporter.DeploymentLog(snapshot.ID, level, message)
	}
	return exec.Execute(ctx, &snapshot, logf)
}

func (m *Machine) poke() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Counts returns the number of non-terminal and in-progress deployments,
// used by telemetry and the local control surface.
func (m *Machine) Counts() (pending, inProgress int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, dep := range m.deployments {
		switch dep.Status {
		case StatusPending:
			pending++
		case StatusInProgress:
			inProgress++
		}
	}
	return pending, inProgress
}
