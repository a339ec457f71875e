package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/ajime-dev/ajime-agent/internal/api"
	"github.com/ajime-dev/ajime-agent/internal/deploy"
	"github.com/ajime-dev/ajime-agent/internal/identity"
	"github.com/ajime-dev/ajime-agent/internal/server"
	"github.com/ajime-dev/ajime-agent/internal/telemetry"
	"github.com/ajime-dev/ajime-agent/internal/transport"
	"github.com/ajime-dev/ajime-agent/internal/workflow"
	"github.com/ajime-dev/ajime-agent/pkg/config"
)

// Version is stamped by the build.
var Version = "dev"

// ErrRestartRequested reports that a restart control command asked the
// process to exit so its supervisor brings it back up.
var ErrRestartRequested = errors.New("restart requested")

// Agent assembles every worker of the device agent and runs them as one
// unit. Construction wires the stack; Run supervises it until the context
// is cancelled.
type Agent struct {
	cfg   config.AgentConfig
	log   *slog.Logger
	store *identity.Store

	client      *api.Client
	machine     *deploy.Machine
	docker      *deploy.DockerExecutor
	manager     *workflow.Manager
	coordinator *transport.Coordinator
	reporter    *transport.Reporter
	poller      *transport.Poller
	relay       *transport.Relay
	sampler     *telemetry.Sampler
	control     *server.Server
	restartCh   chan struct{}
}

// New builds the agent from a loaded configuration. It fails when the
// device has no provisioned identity or the backend URL is unusable.
func New(cfg config.AgentConfig, log *slog.Logger) (*Agent, error) {
	store := identity.NewStore(identity.IdentityPath(cfg.DataDir), cfg.TokenExpirySkew, log)
	if err := store.Load(); err != nil {
		return nil, fmt.Errorf("load device identity: %w", err)
	}
	deviceID := store.DeviceID()

	client, err := api.New(cfg.BackendURL, store)
	if err != nil {
		return nil, fmt.Errorf("build api client: %w", err)
	}
	store.SetRefresher(client)

	reporter := transport.NewReporter(deviceID, client, transport.ReporterOptions{
		QueueSize:    cfg.StatusQueueSize,
		RetryInitial: cfg.BackoffInitial,
		RetryMax:     cfg.BackoffMax,
	}, log)

	machine := deploy.NewMachine(reporter, deploy.MachineOptions{
		RunTimeout: cfg.DeploymentTimeout,
	}, log)
	docker, err := deploy.NewDockerExecutor(cfg.DockerHost, log)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = docker.Ping(pingCtx)
		cancel()
	}
	if err != nil {
		log.Warn("docker unavailable, container deployments disabled", "error", err)
		if docker != nil {
			docker.Close()
		}
		docker = nil
	} else {
		machine.Register(docker)
	}
	machine.Register(deploy.NewGitExecutor(cfg.DeploymentDir, log))
	machine.Register(deploy.NewComposeExecutor(cfg.DeploymentDir, log))

	// Hardware runners need both the operator flag and the backend-granted
	// capability.
	id := store.Identity()
	registry := workflow.NewRegistry(log)
	if cfg.EnableCamera && id.HasCapability("camera") {
		registry.Register(workflow.CameraRunner{OutputDir: cfg.DataDir + "/captures"})
	}
	if cfg.EnableGPIO && id.HasCapability("gpio") {
		registry.Register(workflow.GPIORunner{})
	}
	executor := workflow.NewExecutor(registry, reporter, workflow.ExecutorOptions{
		Parallelism: cfg.NodeParallelism,
		NodeTimeout: cfg.NodeTimeout,
	}, log)
	cache := workflow.NewCache(cfg.WorkflowCacheSize)
	manager := workflow.NewManager(deviceID, client, cache, executor, workflow.ManagerOptions{
		BackoffInitial: cfg.BackoffInitial,
		BackoffMax:     cfg.BackoffMax,
		OnSynced:       store.MarkSynced,
	}, log)

	coordinator := transport.NewCoordinator(machine, manager, store, transport.CoordinatorOptions{
		QueueSize: cfg.CommandQueueSize,
	}, log)
	reporter.SetAckHook(coordinator.HandleAck)

	a := &Agent{
		cfg:         cfg,
		log:         log,
		store:       store,
		client:      client,
		machine:     machine,
		docker:      docker,
		manager:     manager,
		coordinator: coordinator,
		reporter:    reporter,
		restartCh:   make(chan struct{}, 1),
	}
	coordinator.SetRestartHook(a.requestRestart)

	if cfg.EnablePoller {
		a.poller = transport.NewPoller(deviceID, client, cache, coordinator, storeRefresher{store}, transport.PollerOptions{
			Interval:     cfg.PollInterval,
			InitialDelay: cfg.PollInitialDelay,
		}, log)
	}
	if cfg.EnableRelay {
		a.relay = transport.NewRelay(store, coordinator, reporter, transport.RelayOptions{
			URL:            cfg.BackendURL,
			Heartbeat:      cfg.RelayHeartbeat,
			DialTimeout:    cfg.RelayDialTimeout,
			BackoffInitial: cfg.BackoffInitial,
			BackoffMax:     cfg.BackoffMax,
			StabilitySpan:  cfg.BackoffStabilitySpan,
		}, log)
		reporter.SetRelay(a.relay)
	}
	if cfg.EnableTelemetry {
		a.sampler = telemetry.NewSampler(deviceID, client, workloadStats{a}, cfg.TelemetryInterval, log)
	}
	if cfg.EnableLocalServer {
		a.control = server.New(server.Options{
			Addr:    cfg.LocalAddr,
			Version: Version,
		}, store, machine, coordinator, log)
	}
	return a, nil
}

// Run starts every enabled worker and blocks until ctx is cancelled or a
// worker fails fatally.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info("agent starting",
		"device_id", a.store.DeviceID(),
		"backend", a.cfg.BackendURL,
		"version", Version)

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.restartCh:
			return ErrRestartRequested
		}
	})

	group.Go(func() error { return a.coordinator.Run(ctx) })
	group.Go(func() error { return a.reporter.Run(ctx) })
	group.Go(func() error { return a.machine.Run(ctx) })
	group.Go(func() error { return a.manager.Run(ctx) })
	if a.control != nil {
		group.Go(func() error { return a.control.Run(ctx) })
	}

	// Backend-facing workers run as their own group: an unrecoverable auth
	// rejection suspends them without taking down the local control surface.
	group.Go(func() error {
		err := a.runSyncWorkers(ctx)
		if errors.Is(err, transport.ErrAuthSuspended) {
			a.log.Error("credentials rejected, sync suspended until operator action")
			<-ctx.Done()
			return ctx.Err()
		}
		return err
	})

	err := group.Wait()
	if a.docker != nil {
		a.docker.Close()
	}
	a.log.Info("agent stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// requestRestart asks Run to exit with ErrRestartRequested. Safe to call
// more than once.
func (a *Agent) requestRestart() {
	select {
	case a.restartCh <- struct{}{}:
	default:
	}
}

// runSyncWorkers drives everything that talks to the backend.
func (a *Agent) runSyncWorkers(ctx context.Context) error {
	sync, ctx := errgroup.WithContext(ctx)
	sync.Go(func() error {
		a.store.RunRefreshWorker(ctx, identity.RefreshWorkerOptions{
			CheckInterval:    a.cfg.TokenCheckInterval,
			RefreshThreshold: a.cfg.TokenRefreshThreshold,
		})
		return ctx.Err()
	})
	if a.poller != nil {
		sync.Go(func() error { return a.poller.Run(ctx) })
	}
	if a.relay != nil {
		sync.Go(func() error { return a.relay.Run(ctx) })
	}
	if a.sampler != nil {
		sync.Go(func() error { return a.sampler.Run(ctx) })
	}
	return sync.Wait()
}

// storeRefresher adapts the identity store to the poller's refresh hook.
type storeRefresher struct {
	store *identity.Store
}

func (s storeRefresher) Refresh(ctx context.Context) error {
	_, err := s.store.Refresh(ctx)
	return err
}

// workloadStats feeds the telemetry sampler from live agent state.
type workloadStats struct {
	agent *Agent
}

func (w workloadStats) DeploymentCounts() (pending, inProgress int) {
	return w.agent.machine.Counts()
}

func (w workloadStats) RunningWorkflows() int {
	return w.agent.manager.Running()
}

func (w workloadStats) RelayConnected() bool {
	return w.agent.relay != nil && w.agent.relay.Connected()
}
