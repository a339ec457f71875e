package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

type headerSourceMock struct {
	headers map[string]string
}

func (m headerSourceMock) AuthHeaders(_ time.Time) map[string]string {
	return m.headers
}

func newTestClient(t *testing.T, handler http.Handler) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	client, err := New(srv.URL, headerSourceMock{headers: map[string]string{
		"X-Device-ID":   "device-1",
		"Authorization": "Bearer tok",
	}})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	return client, srv
}

func TestRequestsCarryAuthHeaders(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Device-ID") != "device-1" {
			t.Errorf("missing device id header")
		}
		if r.Header.Get("Authorization") != "Bearer tok" {
			t.Errorf("missing bearer header")
		}
		json.NewEncoder(w).Encode(map[string]any{"deployments": []Deployment{}})
	}))

	if _, err := client.PendingDeployments(context.Background(), "device-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestPendingDeploymentsDecodesList(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/agent/devices/device-1/deployments" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		fmt.Fprint(w, `{"deployments":[{"id":"dep-1","deployment_type":"docker","config":{"image":"nginx"},"status":"pending"}]}`)
	}))

	deployments, err := client.PendingDeployments(context.Background(), "device-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deployments) != 1 || deployments[0].ID != "dep-1" || deployments[0].Type != "docker" {
		t.Fatalf("unexpected deployments: %+v", deployments)
	}
}

func TestUpdateDeploymentStatusUsesPatch(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPatch {
			t.Errorf("unexpected method: %s", r.Method)
		}
		if r.URL.Path != "/deployments/dep-1/status" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		var update DeploymentStatusUpdate
		json.NewDecoder(r.Body).Decode(&update)
		if update.Status != "success" || update.Attempt != 2 {
			t.Errorf("unexpected update: %+v", update)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	err := client.UpdateDeploymentStatus(context.Background(), "dep-1", DeploymentStatusUpdate{Status: "success", Attempt: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestErrorResponsesBecomeAPIErrors(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		fmt.Fprint(w, `{"error":"token expired"}`)
	}))

	_, err := client.PendingDeployments(context.Background(), "device-1")
	if err == nil {
		t.Fatalf("expected error")
	}
	if !IsAuthError(err) {
		t.Fatalf("401 must classify as auth error, got %v", err)
	}
	apiErr, ok := err.(APIError)
	if !ok || apiErr.Message != "token expired" {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestIsAuthErrorIgnoresServerFaults(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	_, err := client.PendingDeployments(context.Background(), "device-1")
	if err == nil || IsAuthError(err) {
		t.Fatalf("500 must not classify as auth error, got %v", err)
	}
}

func TestActivateSendsNoAuthHeaders(t *testing.T) {
	client, _ := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "" {
			t.Errorf("activation must not carry credentials")
		}
		json.NewEncoder(w).Encode(ActivationResponse{DeviceID: "device-9", Token: "tok"})
	}))

	resp, err := client.Activate(context.Background(), ActivationRequest{ActivationCode: "CODE", Name: "bench"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.DeviceID != "device-9" {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestBaseURLNormalization(t *testing.T) {
	client, err := New("backend.example.com/api/v1/", headerSourceMock{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if client.BaseURL() != "https://backend.example.com/api/v1" {
		t.Fatalf("unexpected base url: %s", client.BaseURL())
	}
	if _, err := New("   ", headerSourceMock{}); err == nil {
		t.Fatalf("empty base url must be rejected")
	}
}
