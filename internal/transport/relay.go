package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"log/slog"

	"github.com/gorilla/websocket"

	"github.com/ajime-dev/ajime-agent/internal/command"
)

// Relay connection states.
const (
	StateDisconnected int32 = iota
	StateConnecting
	StateConnected
)

// ErrRelayDown is returned when a send is attempted without a live
// connection.
var ErrRelayDown = errors.New("relay not connected")

// CommandSink accepts inbound commands. Enqueue returns false when the sink
// is saturated.
type CommandSink interface {
	Enqueue(cmd command.Command) bool
}

// HeaderSource supplies the authentication headers for the handshake.
type HeaderSource interface {
	AuthHeaders(now time.Time) map[string]string
}

// RelayOptions tunes the push channel.
type RelayOptions struct {
	// URL is the relay endpoint (ws:// or wss://; http schemes are
	// rewritten).
	URL string
	// Heartbeat is the ping cadence while connected.
	Heartbeat time.Duration
	// DialTimeout bounds one connection attempt.
	DialTimeout time.Duration
	// BackoffInitial, BackoffMax and StabilitySpan shape reconnection.
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	StabilitySpan  time.Duration
}

// Relay maintains the persistent push connection to the backend. Inbound
// frames become commands for the sink; outbound status events ride the same
// connection. The connection authenticates at handshake with the same
// headers the HTTP client sends.
type Relay struct {
	headers  HeaderSource
	sink     CommandSink
	reporter *Reporter
	opts     RelayOptions
	log      *slog.Logger

	state atomic.Int32
	sendQ chan Frame
}

// NewRelay creates the relay worker.
func NewRelay(headers HeaderSource, sink CommandSink, reporter *Reporter, opts RelayOptions, log *slog.Logger) *Relay {
	initMetrics()
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}
	if opts.BackoffInitial <= 0 {
		opts.BackoffInitial = time.Second
	}
	if opts.BackoffMax <= 0 {
		opts.BackoffMax = 60 * time.Second
	}
	if opts.StabilitySpan <= 0 {
		opts.StabilitySpan = 30 * time.Second
	}
	return &Relay{
		headers:  headers,
		sink:     sink,
		reporter: reporter,
		opts:     opts,
		log:      log,
		sendQ:    make(chan Frame, 64),
	}
}

// Connected reports whether the push connection is established.
func (r *Relay) Connected() bool {
	return r.state.Load() == StateConnected
}

// State returns the current connection state.
func (r *Relay) State() int32 {
	return r.state.Load()
}

// SendStatus ships a status event over the push connection.
func (r *Relay) SendStatus(event StatusEvent) error {
	if !r.Connected() {
		return ErrRelayDown
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	frame := Frame{Type: FrameStatus, ID: event.ID, Payload: payload}
	select {
	case r.sendQ <- frame:
		return nil
	default:
		return ErrRelayDown
	}
}

// Run drives the connect-serve-reconnect loop until ctx is cancelled.
func (r *Relay) Run(ctx context.Context) error {
	backoff := Backoff{
		Initial:       r.opts.BackoffInitial,
		Max:           r.opts.BackoffMax,
		StabilitySpan: r.opts.StabilitySpan,
	}
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.state.Store(StateConnecting)
		relayReconnects.Inc()
		conn, err := r.dial(ctx)
		if err != nil {
			r.state.Store(StateDisconnected)
			delay := backoff.Next()
			r.log.Warn("relay dial failed", "error", err, "retry_in", delay.String())
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
			continue
		}

		r.state.Store(StateConnected)
		relayState.Set(1)
		r.log.Info("relay connected", "url", r.opts.URL)
		connectedAt := time.Now()

		err = r.serve(ctx, conn)

		r.state.Store(StateDisconnected)
		relayState.Set(0)
		conn.Close()
		backoff.Observe(time.Since(connectedAt))

		if ctx.Err() != nil {
			return ctx.Err()
		}
		delay := backoff.Next()
		r.log.Warn("relay disconnected", "error", err, "retry_in", delay.String())
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (r *Relay) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := wsURL(r.opts.URL)
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	for key, value := range r.headers.AuthHeaders(time.Now()) {
		header.Set(key, value)
	}
	dialer := websocket.Dialer{HandshakeTimeout: r.opts.DialTimeout}
	conn, resp, err := dialer.DialContext(ctx, endpoint, header)
	if resp != nil {
		resp.Body.Close()
	}
	return conn, err
}

// serve owns the connection: one goroutine reads, the parent writes. It
// returns when either side fails or ctx is cancelled.
func (r *Relay) serve(ctx context.Context, conn *websocket.Conn) error {
	readErr := make(chan error, 1)
	go func() { readErr <- r.readLoop(conn) }()

	heartbeat := time.NewTicker(r.opts.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			deadline := time.Now().Add(time.Second)
			conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
			return ctx.Err()
		case err := <-readErr:
			return err
		case frame := <-r.sendQ:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(frame); err != nil {
				return err
			}
		case <-heartbeat.C:
			conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := conn.WriteJSON(Frame{Type: FramePing}); err != nil {
				return err
			}
		}
	}
}

func (r *Relay) readLoop(conn *websocket.Conn) error {
	for {
		var frame Frame
		if err := conn.ReadJSON(&frame); err != nil {
			return err
		}
		r.handleFrame(frame)
	}
}

func (r *Relay) handleFrame(frame Frame) {
	switch frame.Type {
	case FrameNewDeployment, FrameDeploymentUpdate:
		kind := command.DeploymentCreate
		if frame.Type == FrameDeploymentUpdate {
			kind = command.DeploymentUpdate
		}
		id := frame.ID
		if id == "" {
			var dep struct {
				ID string `json:"id"`
			}
			if err := json.Unmarshal(frame.Payload, &dep); err == nil {
				id = dep.ID
			}
		}
		r.push(command.Command{Kind: kind, ID: id, Payload: frame.Payload})
	case FrameWorkflowSync:
		r.push(command.Command{Kind: command.WorkflowSync, ID: frame.ID, Payload: frame.Payload})
	case FrameControl:
		r.push(command.Command{Kind: command.Control, ID: frame.ID, Payload: frame.Payload})
	case FrameAck:
		r.reporter.Ack(frame.ID)
	case FramePing:
		select {
		case r.sendQ <- Frame{Type: FramePong}:
		default:
		}
	case FramePong:
		// Heartbeat reply, nothing to do.
	default:
		r.log.Warn("unknown relay frame", "type", frame.Type)
	}
}

func (r *Relay) push(cmd command.Command) {
	cmd.Origin = command.OriginRelay
	cmd.ReceivedAt = time.Now().UTC()
	if !r.sink.Enqueue(cmd) {
		r.log.Warn("command sink full, dropping relay command",
			"kind", cmd.Kind, "id", cmd.ID)
	}
}

// wsURL rewrites an http(s) backend URL into its ws(s) relay endpoint.
func wsURL(raw string) (string, error) {
	parsed, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch parsed.Scheme {
	case "http":
		parsed.Scheme = "ws"
	case "https":
		parsed.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", errors.New("unsupported relay scheme: " + parsed.Scheme)
	}
	if !strings.HasSuffix(parsed.Path, "/agent/relay") {
		parsed.Path = strings.TrimSuffix(parsed.Path, "/") + "/agent/relay"
	}
	return parsed.String(), nil
}
