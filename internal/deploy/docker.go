package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"log/slog"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"
)

// DockerConfig is the payload of a container deployment.
type DockerConfig struct {
	Image         string            `json:"image"`
	Tag           string            `json:"tag,omitempty"`
	ContainerName string            `json:"container_name,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	Ports         map[string]string `json:"ports,omitempty"`
	Command       []string          `json:"command,omitempty"`
	Restart       string            `json:"restart,omitempty"`
}

// DockerExecutor drives container deployments: pull the image, replace any
// previous container for the deployment, start the new one.
type DockerExecutor struct {
	cli *client.Client
	log *slog.Logger
}

// NewDockerExecutor creates a docker-backed executor. An empty host uses
// environment defaults.
func NewDockerExecutor(host string, log *slog.Logger) (*DockerExecutor, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &DockerExecutor{cli: cli, log: log}, nil
}

// Type returns the deployment type this executor serves.
func (e *DockerExecutor) Type() string { return "docker" }

// Close releases the underlying docker client.
func (e *DockerExecutor) Close() error {
	if e.cli == nil {
		return nil
	}
	return e.cli.Close()
}

// Ping validates connectivity to the Docker daemon.
func (e *DockerExecutor) Ping(ctx context.Context) error {
	if e.cli == nil {
		return fmt.Errorf("docker client not initialized")
	}
	ping, err := e.cli.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Execute pulls and starts the configured container.
func (e *DockerExecutor) Execute(ctx context.Context, dep *Deployment, logf LogFunc) error {
	var cfg DockerConfig
	if err := json.Unmarshal(dep.Config, &cfg); err != nil {
		return fmt.Errorf("decode docker config: %w", err)
	}
	if strings.TrimSpace(cfg.Image) == "" {
		return fmt.Errorf("docker deployment requires an image")
	}
	tag := cfg.Tag
	if tag == "" {
		tag = "latest"
	}
	ref := cfg.Image + ":" + tag
	name := cfg.ContainerName
	if name == "" {
		name = "ajime-" + dep.ID
	}

	logf("info", "pulling image "+ref)
	reader, err := e.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	// The pull stream must be drained for the operation to complete.
	_, copyErr := io.Copy(io.Discard, reader)
	reader.Close()
	if copyErr != nil {
		return fmt.Errorf("read pull stream: %w", copyErr)
	}

	if err := e.removeExisting(ctx, name); err != nil {
		return err
	}

	containerCfg := &container.Config{Image: ref}
	for k, v := range cfg.Env {
		containerCfg.Env = append(containerCfg.Env, k+"="+v)
	}
	if len(cfg.Command) > 0 {
		containerCfg.Cmd = cfg.Command
	}

	hostCfg := &container.HostConfig{}
	if cfg.Restart != "" {
		hostCfg.RestartPolicy = container.RestartPolicy{Name: container.RestartPolicyMode(cfg.Restart)}
	}
	if len(cfg.Ports) > 0 {
		exposed, bindings, err := buildPortMap(cfg.Ports)
		if err != nil {
			return err
		}
		containerCfg.ExposedPorts = exposed
		hostCfg.PortBindings = bindings
	}

	created, err := e.cli.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", name, err)
	}
	if err := e.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	e.log.Info("container started", "deployment_id", dep.ID, "container", name, "image", ref)
	logf("info", "container started: "+name)
	return nil
}

func (e *DockerExecutor) removeExisting(ctx context.Context, name string) error {
	err := e.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if err != nil && !client.IsErrNotFound(err) {
		return fmt.Errorf("remove previous container %s: %w", name, err)
	}
	return nil
}

// buildPortMap converts "container:host" pairs into docker port bindings.
func buildPortMap(ports map[string]string) (nat.PortSet, nat.PortMap, error) {
	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for containerPort, hostPort := range ports {
		spec := containerPort
		if !strings.Contains(spec, "/") {
			spec += "/tcp"
		}
		port, err := nat.NewPort(strings.SplitN(spec, "/", 2)[1], strings.SplitN(spec, "/", 2)[0])
		if err != nil {
			return nil, nil, fmt.Errorf("invalid container port %q: %w", containerPort, err)
		}
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: hostPort}}
	}
	return exposed, bindings, nil
}
