package workflow

import (
	"context"
	"errors"
	"sync"
	"time"

	"log/slog"

	"github.com/google/uuid"
)

// ErrSyncThrottled is returned when a sync attempt lands inside the cooldown
// window or the error-streak backoff span.
var ErrSyncThrottled = errors.New("workflow sync throttled")

// StatusActive marks a workflow the device should be running.
const StatusActive = "active"

// Backend is the slice of the platform API the manager needs.
type Backend interface {
	SyncWorkflows(ctx context.Context, deviceID string, local []DigestInfo) (*SyncResult, error)
}

// ManagerOptions tunes sync pacing.
type ManagerOptions struct {
	// Cooldown is the minimum span between ordinary sync attempts.
	Cooldown time.Duration
	// BackoffInitial seeds the error-streak backoff.
	BackoffInitial time.Duration
	// BackoffMax caps the error-streak backoff.
	BackoffMax time.Duration
	// OnSynced, when set, is called with the completion time of every
	// successful sync.
	OnSynced func(at time.Time)
}

// Manager reconciles the local workflow cache against the backend and owns
// the lifecycle of workflow runs: a successful sync starts runs for changed
// active workflows and stops runs for unassigned ones.
type Manager struct {
	deviceID string
	backend  Backend
	cache    *Cache
	executor *Executor
	opts     ManagerOptions
	log      *slog.Logger

	mu        sync.Mutex
	lastSync  time.Time
	errStreak int
	runs      map[string]*runHandle
	runCtx    context.Context
	wg        sync.WaitGroup
	now       func() time.Time
}

type runHandle struct {
	runID  string
	cancel context.CancelFunc
}

// NewManager creates a workflow manager.
func NewManager(deviceID string, backend Backend, cache *Cache, executor *Executor, opts ManagerOptions, log *slog.Logger) *Manager {
	if opts.Cooldown <= 0 {
		opts.Cooldown = 10 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	return &Manager{
		deviceID: deviceID,
		backend:  backend,
		cache:    cache,
		executor: executor,
		opts:     opts,
		log:      log,
		runs:     make(map[string]*runHandle),
		runCtx:   context.Background(),
		now:      time.Now,
	}
}

// Run anchors workflow runs to ctx and blocks until it is cancelled, then
// stops every active run and waits for them to drain.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	<-ctx.Done()

	m.mu.Lock()
	for id, handle := range m.runs {
		handle.cancel()
		delete(m.runs, id)
	}
	m.mu.Unlock()
	m.wg.Wait()
	return ctx.Err()
}

// Sync exchanges local digests for the backend's assignment set and applies
// the delta. Ordinary syncs respect the cooldown and, after failures, an
// exponential backoff that doubles per consecutive error; force bypasses the
// cooldown but not the error backoff.
func (m *Manager) Sync(ctx context.Context, force bool) error {
	m.mu.Lock()
	wait := m.requiredWaitLocked(force)
	if wait > 0 {
		m.mu.Unlock()
		return ErrSyncThrottled
	}
	m.lastSync = m.now()
	m.mu.Unlock()

	result, err := m.backend.SyncWorkflows(ctx, m.deviceID, m.cache.Digests())
	if err != nil {
		m.mu.Lock()
		m.errStreak++
		streak := m.errStreak
		m.mu.Unlock()
		m.log.Error("workflow sync failed", "error", err, "err_streak", streak)
		return err
	}
	m.mu.Lock()
	m.errStreak = 0
	m.mu.Unlock()

	m.apply(result)
	if m.opts.OnSynced != nil {
		m.opts.OnSynced(m.now())
	}
	return nil
}

func (m *Manager) requiredWaitLocked(force bool) time.Duration {
	elapsed := m.now().Sub(m.lastSync)
	if m.errStreak > 0 {
		backoff := m.opts.BackoffInitial << (m.errStreak - 1)
		if backoff > m.opts.BackoffMax || backoff <= 0 {
			backoff = m.opts.BackoffMax
		}
		if elapsed < backoff {
			return backoff - elapsed
		}
		return 0
	}
	if !force && elapsed < m.opts.Cooldown {
		return m.opts.Cooldown - elapsed
	}
	return 0
}

// apply reconciles cache and runs against the sync result. Digests is the
// authoritative assignment set; Workflows carries full payloads only for
// entries whose digest changed.
func (m *Manager) apply(result *SyncResult) {
	plan := m.cache.Plan(result.Digests)
	for _, id := range plan.ToRemove {
		m.stopRun(id)
		m.cache.Remove(id)
		m.log.Info("workflow unassigned", "workflow_id", id)
	}

	stale := make(map[string]struct{}, len(plan.ToUpdate))
	for _, id := range plan.ToUpdate {
		stale[id] = struct{}{}
	}
	updated := 0
	for i := range result.Workflows {
		wf := &result.Workflows[i]
		if _, ok := stale[wf.ID]; !ok {
			// The digest matches what we already hold; the current run
			// keeps going.
			continue
		}
		m.cache.Put(wf)
		m.stopRun(wf.ID)
		if wf.Status == "" || wf.Status == StatusActive {
			m.startRun(wf)
		}
		updated++
	}
	m.log.Info("workflow sync applied",
		"updated", updated,
		"assigned", len(result.Digests),
		"cached", m.cache.Len())
}

// Cancel stops a running workflow. It returns false when no run is active.
func (m *Manager) Cancel(workflowID string) bool {
	return m.stopRun(workflowID)
}

// Running reports the number of active workflow runs.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

func (m *Manager) startRun(wf *Workflow) {
	runID := uuid.NewString()
	m.mu.Lock()
	ctx, cancel := context.WithCancel(m.runCtx)
	m.runs[wf.ID] = &runHandle{runID: runID, cancel: cancel}
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.mu.Lock()
			// A replacement run may have taken the slot; only clear our own
			// registration.
			if handle, ok := m.runs[wf.ID]; ok && handle.runID == runID {
				delete(m.runs, wf.ID)
			}
			m.mu.Unlock()
			cancel()
		}()
		if _, err := m.executor.Run(ctx, wf); err != nil {
			m.log.Error("workflow rejected", "workflow_id", wf.ID, "run_id", runID, "error", err)
			m.executor.reporter.WorkflowStatus(wf.ID, RunFailed, err.Error())
		}
	}()
}

func (m *Manager) stopRun(id string) bool {
	m.mu.Lock()
	handle, ok := m.runs[id]
	if ok {
		delete(m.runs, id)
	}
	m.mu.Unlock()
	if ok {
		handle.cancel()
	}
	return ok
}
