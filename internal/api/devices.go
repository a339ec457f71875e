package api

import (
	"context"
	"fmt"
	"net/http"
)

// ActivationRequest exchanges a provisioning code for a device identity.
type ActivationRequest struct {
	ActivationCode string `json:"activation_code"`
	Name           string `json:"name"`
	DeviceType     string `json:"device_type,omitempty"`
}

// ActivationResponse is the provisioned identity returned by the backend.
type ActivationResponse struct {
	DeviceID string `json:"device_id"`
	OwnerID  string `json:"owner_id"`
	Token    string `json:"token"`
	Secret   string `json:"secret,omitempty"`
}

type tokenRefreshResponse struct {
	Token string `json:"token"`
}

// Activate provisions a new device identity. Used at install time only.
func (c *Client) Activate(ctx context.Context, req ActivationRequest) (*ActivationResponse, error) {
	var resp ActivationResponse
	if err := c.doWithHeaders(ctx, http.MethodPost, "/agent/devices/activate", req, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// RefreshDeviceToken exchanges the current credential for a fresh token. The
// headers are passed explicitly because this call backs the credential store
// itself.
func (c *Client) RefreshDeviceToken(ctx context.Context, deviceID string, headers map[string]string) (string, error) {
	var resp tokenRefreshResponse
	path := fmt.Sprintf("/agent/devices/%s/token/refresh", deviceID)
	if err := c.doWithHeaders(ctx, http.MethodPost, path, nil, headers, &resp); err != nil {
		return "", err
	}
	return resp.Token, nil
}

// PushTelemetry reports a metrics sample for this device.
func (c *Client) PushTelemetry(ctx context.Context, deviceID string, sample any) error {
	path := fmt.Sprintf("/agent/devices/%s/telemetry", deviceID)
	return c.do(ctx, http.MethodPost, path, sample, nil)
}
