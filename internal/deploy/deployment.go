package deploy

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"
)

// Status constants for deployments.
const (
	StatusPending    = "pending"
	StatusInProgress = "in_progress"
	StatusSuccess    = "success"
	StatusFailed     = "failed"
)

// Deployment tracks one deployment instruction from receipt to terminal
// state. Status moves strictly forward along pending, in_progress, then
// success or failed; a retry starts a fresh attempt instead of regressing.
type Deployment struct {
	ID           string
	Type         string
	Config       json.RawMessage
	Status       string
	Attempt      int
	ErrorMessage string
	CreatedAt    time.Time
	StartedAt    time.Time
	CompletedAt  time.Time

	fingerprint string
	acked       bool
}

// Terminal reports whether the deployment reached a final state.
func (d *Deployment) Terminal() bool {
	return d.Status == StatusSuccess || d.Status == StatusFailed
}

// Fingerprint returns the content hash of the deployment config.
func (d *Deployment) Fingerprint() string {
	return d.fingerprint
}

func configFingerprint(typ string, config json.RawMessage) string {
	h := sha256.New()
	h.Write([]byte(typ))
	h.Write([]byte{0})
	h.Write(config)
	return hex.EncodeToString(h.Sum(nil))
}

// transition advances the deployment status, rejecting anything that is not
// a strictly forward move for the current attempt.
func (d *Deployment) transition(status string, now time.Time) error {
	valid := false
	switch d.Status {
	case StatusPending:
		// Failed from pending covers cancellation before execution.
		valid = status == StatusInProgress || status == StatusFailed
	case StatusInProgress:
		valid = status == StatusSuccess || status == StatusFailed
	}
	if !valid {
		return fmt.Errorf("invalid deployment transition %s -> %s (id=%s attempt=%d)", d.Status, status, d.ID, d.Attempt)
	}
	d.Status = status
	switch status {
	case StatusInProgress:
		d.StartedAt = now
	case StatusSuccess, StatusFailed:
		d.CompletedAt = now
	}
	return nil
}
