package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Workflow is a graph of interdependent steps assigned to this device.
// Workflows are replaced wholesale when their digest changes; they are never
// patched in place.
type Workflow struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     string    `json:"owner_id"`
	Status      string    `json:"status"`
	GraphData   GraphData `json:"graph_data"`
	LogicHash   string    `json:"logic_hash,omitempty"`
	CreatedAt   string    `json:"created_at,omitempty"`
	UpdatedAt   string    `json:"updated_at,omitempty"`
}

// GraphData holds the node and edge lists of the step graph.
type GraphData struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// Node is a single workflow step.
type Node struct {
	ID    string   `json:"id"`
	Type  string   `json:"type"`
	Label string   `json:"label,omitempty"`
	Data  NodeData `json:"data"`
}

// NodeData carries node configuration and its declared ports.
type NodeData struct {
	Config  json.RawMessage `json:"config,omitempty"`
	Inputs  []Port          `json:"inputs,omitempty"`
	Outputs []Port          `json:"outputs,omitempty"`
}

// Port describes a named input or output of a node.
type Port struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Edge is a directed dependency: the target node depends on the source.
type Edge struct {
	ID           string `json:"id"`
	Source       string `json:"source"`
	SourceHandle string `json:"sourceHandle,omitempty"`
	Target       string `json:"target"`
	TargetHandle string `json:"targetHandle,omitempty"`
}

// Node execution states.
const (
	NodePending   = "pending"
	NodeReady     = "ready"
	NodeRunning   = "running"
	NodeCompleted = "completed"
	NodeFailed    = "failed"
	NodeSkipped   = "skipped"
)

// Workflow run states.
const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

// DigestInfo identifies a workflow version for change detection.
type DigestInfo struct {
	WorkflowID string `json:"workflow_id"`
	Digest     string `json:"digest"`
	UpdatedAt  string `json:"updated_at,omitempty"`
}

// SyncResult carries full graphs for changed workflows plus the backend's
// complete digest view for this device.
type SyncResult struct {
	Workflows []Workflow   `json:"workflows"`
	Digests   []DigestInfo `json:"digests"`
}

// Digest computes the content hash used for change detection, matching the
// backend's logic hash when present.
func (w *Workflow) Digest() string {
	if w.LogicHash != "" {
		return w.LogicHash
	}
	data, err := json.Marshal(w.GraphData)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
