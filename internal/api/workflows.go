package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ajime-dev/ajime-agent/internal/workflow"
)

// NodeStatusReport is the per-node slice of a workflow status report.
type NodeStatusReport struct {
	NodeID  string          `json:"node_id"`
	Status  string          `json:"status"`
	Error   string          `json:"error,omitempty"`
	Outputs json.RawMessage `json:"outputs,omitempty"`
}

// WorkflowStatusReport reports run progress for one workflow.
type WorkflowStatusReport struct {
	Status       string             `json:"status"`
	Error        string             `json:"error,omitempty"`
	StartedAt    string             `json:"started_at,omitempty"`
	FinishedAt   string             `json:"finished_at,omitempty"`
	NodeStatuses []NodeStatusReport `json:"node_statuses,omitempty"`
}

// WorkflowDigests fetches the backend's digest view for this device.
func (c *Client) WorkflowDigests(ctx context.Context, deviceID string) ([]workflow.DigestInfo, error) {
	var digests []workflow.DigestInfo
	path := fmt.Sprintf("/agent/devices/%s/workflows/digests", deviceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &digests); err != nil {
		return nil, err
	}
	return digests, nil
}

// SyncWorkflows exchanges local digests for full graphs of changed workflows.
// Unchanged workflows are not re-transferred.
func (c *Client) SyncWorkflows(ctx context.Context, deviceID string, local []workflow.DigestInfo) (*workflow.SyncResult, error) {
	var resp workflow.SyncResult
	path := fmt.Sprintf("/agent/devices/%s/workflows/sync", deviceID)
	if err := c.do(ctx, http.MethodPost, path, local, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ReportWorkflowStatus reports run progress for a workflow on this device.
func (c *Client) ReportWorkflowStatus(ctx context.Context, deviceID, workflowID string, report WorkflowStatusReport) error {
	path := fmt.Sprintf("/agent/devices/%s/workflows/%s/status", deviceID, workflowID)
	return c.do(ctx, http.MethodPost, path, report, nil)
}
