package identity

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ErrNotProvisioned indicates the device has no usable identity on disk.
// The agent cannot run unauthenticated, so this is fatal at startup.
var ErrNotProvisioned = errors.New("device not provisioned")

// Identity is the locally persisted device record. It is immutable once
// provisioned except for credential rotation and sync bookkeeping.
type Identity struct {
	ID           string          `json:"id"`
	Name         string          `json:"name"`
	OwnerID      string          `json:"owner_id"`
	Token        string          `json:"token,omitempty"`
	Secret       string          `json:"secret,omitempty"`
	DeviceType   string          `json:"device_type,omitempty"`
	Capabilities []string        `json:"capabilities,omitempty"`
	Metadata     json.RawMessage `json:"metadata,omitempty"`
	ActivatedAt  int64           `json:"activated_at"`
	LastSyncAt   int64           `json:"last_sync_at,omitempty"`
}

// HasCapability reports whether the named capability flag is enabled.
func (id *Identity) HasCapability(name string) bool {
	for _, c := range id.Capabilities {
		if c == name {
			return true
		}
	}
	return false
}

// IdentityPath returns the identity file location under the data directory.
func IdentityPath(dataDir string) string {
	return filepath.Join(dataDir, "device.json")
}

// LoadIdentity reads and validates the persisted identity record.
func LoadIdentity(path string) (*Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: identity file missing at %s", ErrNotProvisioned, path)
		}
		return nil, fmt.Errorf("read identity file: %w", err)
	}
	var id Identity
	if err := json.Unmarshal(data, &id); err != nil {
		return nil, fmt.Errorf("%w: malformed identity file: %v", ErrNotProvisioned, err)
	}
	if id.ID == "" {
		return nil, fmt.Errorf("%w: empty device id", ErrNotProvisioned)
	}
	if id.Token == "" && id.Secret == "" {
		return nil, fmt.Errorf("%w: no credential material", ErrNotProvisioned)
	}
	return &id, nil
}

// SaveIdentity persists the record atomically: the content is written to a
// temp file in the same directory and renamed over the target, so a crash
// mid-write cannot leave a corrupt credential file.
func SaveIdentity(path string, id *Identity) error {
	data, err := json.MarshalIndent(id, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".device-*.json")
	if err != nil {
		return fmt.Errorf("create temp identity file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp identity file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp identity file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp identity file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o600); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod identity file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace identity file: %w", err)
	}
	return nil
}

// NewIdentity builds a freshly activated identity record.
func NewIdentity(id, name, ownerID, token string) *Identity {
	return &Identity{
		ID:          id,
		Name:        name,
		OwnerID:     ownerID,
		Token:       token,
		ActivatedAt: time.Now().Unix(),
	}
}
