package transport

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"log/slog"

	"github.com/ajime-dev/ajime-agent/internal/api"
	"github.com/ajime-dev/ajime-agent/internal/command"
	"github.com/ajime-dev/ajime-agent/internal/deploy"
	"github.com/ajime-dev/ajime-agent/internal/workflow"
)

// DeploymentTarget is the deployment machine as the coordinator drives it.
type DeploymentTarget interface {
	Submit(id, typ string, config json.RawMessage)
	Cancel(id string)
	Acknowledge(id string)
}

// WorkflowTarget is the workflow manager as the coordinator drives it.
type WorkflowTarget interface {
	Sync(ctx context.Context, force bool) error
	Cancel(workflowID string) bool
}

// SecretRotator installs a new device secret.
type SecretRotator interface {
	Rotate(newSecret string) error
}

// CoordinatorOptions tunes the inbound pipeline.
type CoordinatorOptions struct {
	// QueueSize bounds the inbound command queue.
	QueueSize int
	// DedupMaxSize and DedupMaxAge bound the dedup table.
	DedupMaxSize int
	DedupMaxAge  time.Duration
}

// Coordinator merges both inbound channels into one ordered command stream.
// A single consumer goroutine deduplicates by (kind, id, fingerprint) and
// routes each command to its target, so an instruction arriving over poll
// and relay at once still executes only one action.
type Coordinator struct {
	queue       chan command.Command
	dedup       *command.DedupTable
	deployments DeploymentTarget
	workflows   WorkflowTarget
	rotator     SecretRotator
	restart     func()
	log         *slog.Logger
}

// NewCoordinator creates the inbound command coordinator.
func NewCoordinator(deployments DeploymentTarget, workflows WorkflowTarget, rotator SecretRotator, opts CoordinatorOptions, log *slog.Logger) *Coordinator {
	initMetrics()
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.DedupMaxSize <= 0 {
		opts.DedupMaxSize = 1024
	}
	if opts.DedupMaxAge <= 0 {
		opts.DedupMaxAge = time.Hour
	}
	return &Coordinator{
		queue:       make(chan command.Command, opts.QueueSize),
		dedup:       command.NewDedupTable(opts.DedupMaxSize, opts.DedupMaxAge),
		deployments: deployments,
		workflows:   workflows,
		rotator:     rotator,
		log:         log,
	}
}

// SetRestartHook wires the handler for restart control commands. Without a
// hook the action is logged and ignored.
func (c *Coordinator) SetRestartHook(fn func()) {
	c.restart = fn
}

// Enqueue accepts a command from any channel. It returns false when the
// queue is saturated; the poller will re-deliver on its next cycle.
func (c *Coordinator) Enqueue(cmd command.Command) bool {
	select {
	case c.queue <- cmd:
		return true
	default:
		return false
	}
}

// Release drops the dedup retention for a finished work item so a later
// retry with identical content is accepted again.
func (c *Coordinator) Release(kind command.Kind, id string) {
	c.dedup.Release(kind, id)
}

// HandleAck releases dedup retention once a terminal deployment status is
// acknowledged by the backend. Wired as the reporter's ack hook.
func (c *Coordinator) HandleAck(event StatusEvent) {
	if event.Kind != EventDeploymentStatus {
		return
	}
	if event.Status != deploy.StatusSuccess && event.Status != deploy.StatusFailed {
		return
	}
	c.deployments.Acknowledge(event.DeploymentID)
	c.dedup.Release(command.DeploymentCreate, event.DeploymentID)
	c.dedup.Release(command.DeploymentUpdate, event.DeploymentID)
}

// Run consumes commands until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-c.queue:
			c.handle(ctx, cmd)
		}
	}
}

func (c *Coordinator) handle(ctx context.Context, cmd command.Command) {
	if c.dedup.Observe(cmd) {
		commandsDeduped.Inc()
		c.log.Debug("duplicate command discarded",
			"kind", cmd.Kind, "id", cmd.ID, "origin", cmd.Origin)
		return
	}
	commandsTotal.WithLabelValues(string(cmd.Origin), string(cmd.Kind)).Inc()

	switch cmd.Kind {
	case command.DeploymentCreate, command.DeploymentUpdate:
		c.handleDeployment(cmd)
	case command.WorkflowSync:
		c.handleWorkflowSync(ctx, cmd)
	case command.Control:
		c.handleControl(ctx, cmd)
	default:
		c.log.Warn("unknown command kind", "kind", cmd.Kind)
	}
}

func (c *Coordinator) handleDeployment(cmd command.Command) {
	var dep api.Deployment
	if err := json.Unmarshal(cmd.Payload, &dep); err != nil {
		c.log.Error("malformed deployment payload", "id", cmd.ID, "error", err)
		return
	}
	if dep.ID == "" {
		dep.ID = cmd.ID
	}
	c.log.Info("deployment received",
		"deployment_id", dep.ID, "type", dep.Type, "origin", cmd.Origin)
	c.deployments.Submit(dep.ID, dep.Type, dep.Config)
}

func (c *Coordinator) handleWorkflowSync(ctx context.Context, cmd command.Command) {
	err := c.workflows.Sync(ctx, cmd.Origin == command.OriginLocal)
	if err != nil && !errors.Is(err, workflow.ErrSyncThrottled) {
		c.log.Error("workflow sync failed", "origin", cmd.Origin, "error", err)
	}
	// Retention always releases: the next digest delta carries a fresh
	// fingerprint when there is still work to do.
	c.dedup.Release(command.WorkflowSync, cmd.ID)
}

func (c *Coordinator) handleControl(ctx context.Context, cmd command.Command) {
	var payload command.ControlPayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		c.log.Error("malformed control payload", "id", cmd.ID, "error", err)
		return
	}
	c.log.Info("control command", "action", payload.Action, "origin", cmd.Origin)

	switch payload.Action {
	case command.ControlSync:
		if err := c.workflows.Sync(ctx, true); err != nil && !errors.Is(err, workflow.ErrSyncThrottled) {
			c.log.Error("forced sync failed", "error", err)
		}
	case command.ControlCancel:
		switch payload.TargetKind {
		case "deployment":
			c.deployments.Cancel(payload.TargetID)
		case "workflow":
			if !c.workflows.Cancel(payload.TargetID) {
				c.log.Warn("cancel for idle workflow", "workflow_id", payload.TargetID)
			}
		default:
			c.log.Warn("cancel with unknown target", "target_kind", payload.TargetKind)
		}
	case command.ControlRotate:
		if payload.Secret == "" {
			c.log.Error("rotate command without secret")
			return
		}
		if err := c.rotator.Rotate(payload.Secret); err != nil {
			c.log.Error("secret rotation failed", "error", err)
		}
	case command.ControlRestart:
		if c.restart == nil {
			c.log.Warn("restart requested but no restart handler is wired")
			return
		}
		c.restart()
	default:
		c.log.Warn("unknown control action", "action", payload.Action)
	}
	c.dedup.Release(command.Control, cmd.ID)
}
