package server

import (
	"context"
	"net/http"
	"time"

	"log/slog"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ajime-dev/ajime-agent/internal/command"
	"github.com/ajime-dev/ajime-agent/internal/deploy"
	"github.com/ajime-dev/ajime-agent/internal/identity"
)

// IdentityView exposes the provisioned device identity.
type IdentityView interface {
	Identity() identity.Identity
}

// DeploymentView exposes the deployment machine state.
type DeploymentView interface {
	Snapshot() []deploy.Deployment
}

// CommandSink accepts locally originated commands.
type CommandSink interface {
	Enqueue(cmd command.Command) bool
}

// Options configures the local control server.
type Options struct {
	Addr    string
	Version string
}

// Server is the loopback control surface: health, identity, deployment
// state, metrics and a manual sync trigger. It carries no authentication
// and must only bind loopback or an operator-controlled interface.
type Server struct {
	opts        Options
	identity    IdentityView
	deployments DeploymentView
	sink        CommandSink
	log         *slog.Logger
	started     time.Time
}

// New creates the control server.
func New(opts Options, view IdentityView, deployments DeploymentView, sink CommandSink, log *slog.Logger) *Server {
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:7070"
	}
	return &Server{
		opts:        opts,
		identity:    view,
		deployments: deployments,
		sink:        sink,
		log:         log,
		started:     time.Now(),
	}
}

// Handler builds the route table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /device", s.handleDevice)
	mux.HandleFunc("GET /deployments", s.handleDeployments)
	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("POST /sync", s.handleSync)
	mux.Handle("GET /metrics", promhttp.Handler())
	return mux
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()
	s.log.Info("control server listening", "addr", s.opts.Addr)

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleDevice(w http.ResponseWriter, _ *http.Request) {
	id := s.identity.Identity()
	// Credentials never leave the process through this surface.
	writeJSON(w, http.StatusOK, map[string]any{
		"id":           id.ID,
		"name":         id.Name,
		"device_type":  id.DeviceType,
		"capabilities": id.Capabilities,
		"activated_at": id.ActivatedAt,
		"last_sync_at": id.LastSyncAt,
	})
}

func (s *Server) handleDeployments(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"deployments": s.deployments.Snapshot(),
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": s.opts.Version})
}

func (s *Server) handleSync(w http.ResponseWriter, _ *http.Request) {
	cmd := command.Command{
		Kind:       command.Control,
		ID:         uuid.NewString(),
		Payload:    []byte(`{"action":"sync"}`),
		Origin:     command.OriginLocal,
		ReceivedAt: time.Now().UTC(),
	}
	if !s.sink.Enqueue(cmd) {
		writeError(w, http.StatusServiceUnavailable, "command queue full")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sync requested"})
}
