package transport

import "encoding/json"

// Frame types spoken over the push relay. Inbound payloads mirror the HTTP
// wire shapes so both channels decode into the same command structures.
const (
	FrameNewDeployment    = "new_deployment"
	FrameDeploymentUpdate = "deployment_update"
	FrameWorkflowSync     = "workflow_sync"
	FrameControl          = "control"
	FramePing             = "ping"
	FramePong             = "pong"
	FrameStatus           = "status"
	FrameAck              = "ack"
)

// Frame is one relay message in either direction.
type Frame struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
