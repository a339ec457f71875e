package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"log/slog"

	"github.com/ajime-dev/ajime-agent/internal/command"
	"github.com/ajime-dev/ajime-agent/internal/deploy"
	"github.com/ajime-dev/ajime-agent/internal/identity"
)

func newLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type identityViewMock struct {
	id identity.Identity
}

func (m identityViewMock) Identity() identity.Identity { return m.id }

type deploymentViewMock struct {
	snapshot []deploy.Deployment
}

func (m deploymentViewMock) Snapshot() []deploy.Deployment { return m.snapshot }

type sinkMock struct {
	mu       sync.Mutex
	commands []command.Command
	full     bool
}

func (m *sinkMock) Enqueue(cmd command.Command) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.full {
		return false
	}
	m.commands = append(m.commands, cmd)
	return true
}

func (m *sinkMock) received() []command.Command {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]command.Command, len(m.commands))
	copy(out, m.commands)
	return out
}

func newTestServer(sink *sinkMock) *Server {
	view := identityViewMock{id: identity.Identity{
		ID:           "device-1",
		Name:         "bench",
		DeviceType:   "gateway",
		Capabilities: []string{"camera"},
		Secret:       "raw-secret",
		Token:        "signed-token",
	}}
	deployments := deploymentViewMock{snapshot: []deploy.Deployment{{ID: "dep-1", Status: deploy.StatusPending}}}
	return New(Options{Version: "1.2.3"}, view, deployments, sink, newLogger())
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(&sinkMock{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["status"] != "ok" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestDeviceEndpointHidesCredentials(t *testing.T) {
	srv := newTestServer(&sinkMock{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/device", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	raw := rec.Body.String()
	if strings.Contains(raw, "raw-secret") || strings.Contains(raw, "signed-token") {
		t.Fatalf("credentials leaked through the control surface: %s", raw)
	}
	var body map[string]any
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["id"] != "device-1" || body["device_type"] != "gateway" {
		t.Fatalf("unexpected body: %v", body)
	}
}

func TestDeploymentsEndpoint(t *testing.T) {
	srv := newTestServer(&sinkMock{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/deployments", nil))

	var body struct {
		Deployments []deploy.Deployment `json:"deployments"`
	}
	json.Unmarshal(rec.Body.Bytes(), &body)
	if len(body.Deployments) != 1 || body.Deployments[0].ID != "dep-1" {
		t.Fatalf("unexpected body: %+v", body)
	}
}

func TestVersionEndpoint(t *testing.T) {
	srv := newTestServer(&sinkMock{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))

	var body map[string]string
	json.Unmarshal(rec.Body.Bytes(), &body)
	if body["version"] != "1.2.3" {
		t.Fatalf("unexpected version: %v", body)
	}
}

func TestSyncEnqueuesLocalControlCommand(t *testing.T) {
	sink := &sinkMock{}
	srv := newTestServer(sink)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	cmds := sink.received()
	if len(cmds) != 1 {
		t.Fatalf("expected one command, got %d", len(cmds))
	}
	cmd := cmds[0]
	if cmd.Kind != command.Control || cmd.Origin != command.OriginLocal {
		t.Fatalf("unexpected command: %+v", cmd)
	}
	var payload command.ControlPayload
	json.Unmarshal(cmd.Payload, &payload)
	if payload.Action != command.ControlSync {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSyncRejectedWhenQueueFull(t *testing.T) {
	srv := newTestServer(&sinkMock{full: true})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/sync", nil))

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}

func TestSyncRequiresPost(t *testing.T) {
	srv := newTestServer(&sinkMock{})
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/sync", nil))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
}
