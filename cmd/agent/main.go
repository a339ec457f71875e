package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/ajime-dev/ajime-agent/internal/agent"
	"github.com/ajime-dev/ajime-agent/internal/identity"
	"github.com/ajime-dev/ajime-agent/pkg/config"
	"github.com/ajime-dev/ajime-agent/pkg/logger"
)

func main() {
	cfg := config.LoadAgentConfig()
	log := logger.New("agent", logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := agent.New(cfg, log)
	if errors.Is(err, identity.ErrNotProvisioned) && cfg.ActivationCode != "" {
		if err = agent.Provision(ctx, cfg, log); err == nil {
			a, err = agent.New(cfg, log)
		}
	}
	if err != nil {
		if errors.Is(err, identity.ErrNotProvisioned) {
			log.Error("device is not provisioned, set AGENT_ACTIVATION_CODE or run activation first",
				"data_dir", cfg.DataDir)
		} else {
			log.Error("agent init failed", "error", err)
		}
		os.Exit(1)
	}

	if err := a.Run(ctx); err != nil {
		if errors.Is(err, agent.ErrRestartRequested) {
			log.Info("restart requested, exiting for supervisor restart")
		} else {
			log.Error("agent exited with error", "error", err)
		}
		os.Exit(1)
	}
}
