package agent

import (
	"context"
	"fmt"
	"time"

	"log/slog"

	"github.com/ajime-dev/ajime-agent/internal/api"
	"github.com/ajime-dev/ajime-agent/internal/identity"
	"github.com/ajime-dev/ajime-agent/pkg/config"
)

// Provision exchanges an activation code for a device identity and persists
// it under the data directory. Run once at install time; a later Run picks
// the identity up from disk.
func Provision(ctx context.Context, cfg config.AgentConfig, log *slog.Logger) error {
	if cfg.ActivationCode == "" {
		return fmt.Errorf("activation code required")
	}
	client, err := api.New(cfg.BackendURL, noHeaders{})
	if err != nil {
		return fmt.Errorf("build api client: %w", err)
	}
	resp, err := client.Activate(ctx, api.ActivationRequest{
		ActivationCode: cfg.ActivationCode,
		Name:           cfg.DeviceName,
	})
	if err != nil {
		return fmt.Errorf("activate device: %w", err)
	}

	id := identity.NewIdentity(resp.DeviceID, cfg.DeviceName, resp.OwnerID, resp.Token)
	id.Secret = resp.Secret
	if err := identity.SaveIdentity(identity.IdentityPath(cfg.DataDir), id); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}
	log.Info("device provisioned", "device_id", resp.DeviceID, "data_dir", cfg.DataDir)
	return nil
}

// noHeaders backs the activation request, the one call made before any
// credential exists.
type noHeaders struct{}

func (noHeaders) AuthHeaders(time.Time) map[string]string { return nil }
