package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/ajime-dev/ajime-agent/internal/api"
	"github.com/ajime-dev/ajime-agent/internal/command"
	"github.com/ajime-dev/ajime-agent/internal/workflow"
)

// PollBackend is the slice of the platform API the poller reads.
type PollBackend interface {
	PendingDeployments(ctx context.Context, deviceID string) ([]api.Deployment, error)
	WorkflowDigests(ctx context.Context, deviceID string) ([]workflow.DigestInfo, error)
}

// DigestSource supplies the local workflow digests for change detection.
type DigestSource interface {
	Digests() []workflow.DigestInfo
}

// AuthRefresher rotates credentials after the backend rejects ours.
type AuthRefresher interface {
	Refresh(ctx context.Context) error
}

// ErrAuthSuspended means the backend rejected our credentials and a refresh
// did not recover them. Sync workers stop on it; the local control surface
// stays up for operator intervention.
var ErrAuthSuspended = errors.New("backend rejected credentials")

// PollerOptions tunes the pull channel.
type PollerOptions struct {
	Interval     time.Duration
	InitialDelay time.Duration
}

// Poller is the pull channel: it periodically asks the backend for pending
// deployments and compares workflow digests, turning anything new into
// commands for the sink. The relay delivers the same instructions faster;
// the poller guarantees they arrive even when the push channel is down.
type Poller struct {
	deviceID string
	backend  PollBackend
	local    DigestSource
	sink     CommandSink
	auth     AuthRefresher
	opts     PollerOptions
	log      *slog.Logger
}

// NewPoller creates the poll worker. auth may be nil.
func NewPoller(deviceID string, backend PollBackend, local DigestSource, sink CommandSink, auth AuthRefresher, opts PollerOptions, log *slog.Logger) *Poller {
	initMetrics()
	if opts.Interval <= 0 {
		opts.Interval = 30 * time.Second
	}
	return &Poller{
		deviceID: deviceID,
		backend:  backend,
		local:    local,
		sink:     sink,
		auth:     auth,
		opts:     opts,
		log:      log,
	}
}

// Run polls until ctx is cancelled.
func (p *Poller) Run(ctx context.Context) error {
	if p.opts.InitialDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.InitialDelay):
		}
	}
	ticker := time.NewTicker(p.opts.Interval)
	defer ticker.Stop()
	if err := p.cycle(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := p.cycle(ctx); err != nil {
				return err
			}
		}
	}
}

func (p *Poller) cycle(ctx context.Context) error {
	cycleCtx, cancel := context.WithTimeout(ctx, p.opts.Interval)
	defer cancel()
	if err := p.pollDeployments(cycleCtx); err != nil {
		return err
	}
	return p.pollWorkflowDigests(cycleCtx)
}

func (p *Poller) pollDeployments(ctx context.Context) error {
	deployments, err := p.backend.PendingDeployments(ctx, p.deviceID)
	if err != nil {
		return p.handleError(ctx, "deployments", err)
	}
	for _, dep := range deployments {
		payload, err := json.Marshal(dep)
		if err != nil {
			continue
		}
		p.push(command.Command{
			Kind:    command.DeploymentCreate,
			ID:      dep.ID,
			Payload: payload,
		})
	}
	return nil
}

func (p *Poller) pollWorkflowDigests(ctx context.Context) error {
	remote, err := p.backend.WorkflowDigests(ctx, p.deviceID)
	if err != nil {
		return p.handleError(ctx, "workflow digests", err)
	}
	if !digestsDiffer(p.local.Digests(), remote) {
		return nil
	}
	payload, err := json.Marshal(remote)
	if err != nil {
		return nil
	}
	p.push(command.Command{
		Kind:    command.WorkflowSync,
		ID:      "digest-delta",
		Payload: payload,
	})
	return nil
}

func (p *Poller) push(cmd command.Command) {
	cmd.Origin = command.OriginPoll
	cmd.ReceivedAt = time.Now().UTC()
	if !p.sink.Enqueue(cmd) {
		p.log.Warn("command sink full, dropping polled command",
			"kind", cmd.Kind, "id", cmd.ID)
	}
}

// handleError classifies a poll failure. Transient failures are logged and
// absorbed; an auth rejection that a refresh cannot cure is fatal for the
// sync workers.
func (p *Poller) handleError(ctx context.Context, what string, err error) error {
	if !api.IsAuthError(err) {
		p.log.Warn("poll failed", "what", what, "error", err)
		return nil
	}
	if p.auth == nil {
		return ErrAuthSuspended
	}
	p.log.Warn("poll rejected, refreshing credentials", "what", what)
	refreshErr := p.auth.Refresh(ctx)
	if refreshErr == nil {
		return nil
	}
	if api.IsAuthError(refreshErr) {
		p.log.Error("credential refresh rejected, suspending sync", "error", refreshErr)
		return ErrAuthSuspended
	}
	p.log.Error("credential refresh failed", "error", refreshErr)
	return nil
}

func digestsDiffer(local, remote []workflow.DigestInfo) bool {
	if len(local) != len(remote) {
		return true
	}
	known := make(map[string]string, len(local))
	for _, info := range local {
		known[info.WorkflowID] = info.Digest
	}
	for _, info := range remote {
		if digest, ok := known[info.WorkflowID]; !ok || digest != info.Digest {
			return true
		}
	}
	return false
}
