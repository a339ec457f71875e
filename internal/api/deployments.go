package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// Deployment is a deployment instruction as delivered by the backend.
type Deployment struct {
	ID       string          `json:"id"`
	DeviceID string          `json:"device_id"`
	Type     string          `json:"deployment_type"`
	Config   json.RawMessage `json:"config"`
	Status   string          `json:"status"`
}

// DeploymentStatusUpdate reports a lifecycle transition back to the backend.
// The (deployment id, status, attempt) tuple makes redelivery idempotent on
// the server side.
type DeploymentStatusUpdate struct {
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// DeploymentLog streams a log line for a deployment.
type DeploymentLog struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

type deploymentListResponse struct {
	Deployments []Deployment `json:"deployments"`
}

// PendingDeployments fetches deployments awaiting execution on this device.
func (c *Client) PendingDeployments(ctx context.Context, deviceID string) ([]Deployment, error) {
	var resp deploymentListResponse
	path := fmt.Sprintf("/agent/devices/%s/deployments", deviceID)
	if err := c.do(ctx, http.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Deployments, nil
}

// UpdateDeploymentStatus reports a status transition for a deployment.
func (c *Client) UpdateDeploymentStatus(ctx context.Context, deploymentID string, update DeploymentStatusUpdate) error {
	path := fmt.Sprintf("/deployments/%s/status", deploymentID)
	return c.do(ctx, http.MethodPatch, path, update, nil)
}

// SendDeploymentLog streams a single log entry for a deployment.
func (c *Client) SendDeploymentLog(ctx context.Context, deploymentID string, entry DeploymentLog) error {
	path := fmt.Sprintf("/deployments/%s/logs", deploymentID)
	return c.do(ctx, http.MethodPost, path, entry, nil)
}
