package command

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// Kind classifies an inbound instruction.
type Kind string

// Command kinds.
const (
	DeploymentCreate Kind = "deployment_create"
	DeploymentUpdate Kind = "deployment_update"
	WorkflowSync     Kind = "workflow_sync"
	Control          Kind = "control"
)

// Origin identifies the channel a command arrived on.
type Origin string

// Command origins.
const (
	OriginPoll  Origin = "poll"
	OriginRelay Origin = "relay"
	OriginLocal Origin = "local"
)

// Command is a normalized inbound instruction. The same logical instruction
// may arrive from both channels; consumers deduplicate by Key.
type Command struct {
	Kind       Kind            `json:"kind"`
	ID         string          `json:"id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Origin     Origin          `json:"origin"`
	ReceivedAt time.Time       `json:"received_at"`
}

// Control payload actions.
const (
	ControlSync    = "sync"
	ControlCancel  = "cancel"
	ControlRotate  = "rotate_secret"
	ControlRestart = "restart"
)

// ControlPayload is the decoded body of a Control command.
type ControlPayload struct {
	Action     string `json:"action"`
	TargetKind string `json:"target_kind,omitempty"`
	TargetID   string `json:"target_id,omitempty"`
	Secret     string `json:"secret,omitempty"`
}

// Fingerprint returns the content hash of the command payload.
func (c Command) Fingerprint() string {
	sum := sha256.Sum256(c.Payload)
	return hex.EncodeToString(sum[:])
}

// Key identifies a command for deduplication: same kind, id and payload
// content means the same instruction regardless of origin channel.
type Key struct {
	Kind        Kind
	ID          string
	Fingerprint string
}

// DedupKey derives the dedup table key for this command.
func (c Command) DedupKey() Key {
	return Key{Kind: c.Kind, ID: c.ID, Fingerprint: c.Fingerprint()}
}
