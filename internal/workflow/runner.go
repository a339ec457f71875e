package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"log/slog"
)

// Inputs and Outputs carry values between dependent nodes, keyed by name.
type Inputs map[string]json.RawMessage

// Outputs is the value set a node produces for its dependents.
type Outputs map[string]json.RawMessage

// NodeRunner executes one node type. Implementations honour the context for
// timeout and cancellation; hardware-backed runners are opaque capability
// providers registered only when the capability is enabled.
type NodeRunner interface {
	Type() string
	Run(ctx context.Context, node Node, inputs Inputs) (Outputs, error)
}

// Registry resolves node types to runners, with a passthrough fallback for
// unknown types so a graph never stalls on an unrecognized step.
type Registry struct {
	runners map[string]NodeRunner
	log     *slog.Logger
}

// NewRegistry creates a registry with the built-in runners installed.
func NewRegistry(log *slog.Logger) *Registry {
	r := &Registry{runners: make(map[string]NodeRunner), log: log}
	r.Register(delayRunner{})
	r.Register(logRunner{log: log})
	r.Register(httpRequestRunner{client: &http.Client{Timeout: 30 * time.Second}})
	return r
}

// Register installs a runner for its node type.
func (r *Registry) Register(runner NodeRunner) {
	r.runners[runner.Type()] = runner
}

// Resolve returns the runner for the node type, or a passthrough.
func (r *Registry) Resolve(nodeType string) NodeRunner {
	if runner, ok := r.runners[nodeType]; ok {
		return runner
	}
	// Aliases kept for older graph payloads.
	switch nodeType {
	case "timer":
		return r.runners["delay"]
	case "debug":
		return r.runners["log"]
	}
	return passthroughRunner{nodeType: nodeType}
}

type delayRunner struct{}

func (delayRunner) Type() string { return "delay" }

func (delayRunner) Run(ctx context.Context, node Node, inputs Inputs) (Outputs, error) {
	var cfg struct {
		DelayMS int64 `json:"delay_ms"`
	}
	if len(node.Data.Config) > 0 {
		if err := json.Unmarshal(node.Data.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode delay config: %w", err)
		}
	}
	if cfg.DelayMS <= 0 {
		cfg.DelayMS = 1000
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(cfg.DelayMS) * time.Millisecond):
	}
	return Outputs(inputs), nil
}

type logRunner struct {
	log *slog.Logger
}

func (logRunner) Type() string { return "log" }

func (r logRunner) Run(_ context.Context, node Node, inputs Inputs) (Outputs, error) {
	var cfg struct {
		Prefix string `json:"prefix"`
	}
	if len(node.Data.Config) > 0 {
		json.Unmarshal(node.Data.Config, &cfg)
	}
	fields := []any{"node_id", node.ID}
	if cfg.Prefix != "" {
		fields = append(fields, "prefix", cfg.Prefix)
	}
	for name, value := range inputs {
		fields = append(fields, name, string(value))
	}
	r.log.Info("workflow log node", fields...)
	return Outputs(inputs), nil
}

type httpRequestRunner struct {
	client *http.Client
}

func (httpRequestRunner) Type() string { return "http_request" }

func (r httpRequestRunner) Run(ctx context.Context, node Node, inputs Inputs) (Outputs, error) {
	var cfg struct {
		URL    string `json:"url"`
		Method string `json:"method"`
	}
	if err := json.Unmarshal(node.Data.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode http_request config: %w", err)
	}
	if cfg.URL == "" {
		return nil, fmt.Errorf("http_request node %s has no url", node.ID)
	}
	if cfg.Method == "" {
		cfg.Method = http.MethodGet
	}
	var body io.Reader
	if payload, ok := inputs["body"]; ok {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, cfg.Method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http_request node %s: %w", node.ID, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	status, _ := json.Marshal(resp.StatusCode)
	out := Outputs{"status": status}
	if json.Valid(data) {
		out["body"] = data
	} else {
		quoted, _ := json.Marshal(string(data))
		out["body"] = quoted
	}
	if resp.StatusCode >= http.StatusBadRequest {
		return out, fmt.Errorf("http_request node %s: status %d", node.ID, resp.StatusCode)
	}
	return out, nil
}

type passthroughRunner struct {
	nodeType string
}

func (p passthroughRunner) Type() string { return p.nodeType }

func (passthroughRunner) Run(_ context.Context, _ Node, inputs Inputs) (Outputs, error) {
	return Outputs(inputs), nil
}
