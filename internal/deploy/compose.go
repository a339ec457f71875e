package deploy

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"log/slog"
)

// ComposeConfig is the payload of a compose-based deployment. The project
// comes either from a repository or from inline compose YAML.
type ComposeConfig struct {
	RepoURL     string `json:"repo_url,omitempty"`
	Branch      string `json:"branch,omitempty"`
	ComposeYAML string `json:"compose_yaml,omitempty"`
}

// ComposeExecutor materializes a compose project under the deployment
// directory and brings it up detached. Both the standalone docker-compose
// binary and the compose plugin are supported; the plugin is tried when the
// standalone binary is missing or fails.
type ComposeExecutor struct {
	baseDir string
	log     *slog.Logger
}

// NewComposeExecutor creates a compose-backed executor rooted at baseDir.
func NewComposeExecutor(baseDir string, log *slog.Logger) *ComposeExecutor {
	return &ComposeExecutor{baseDir: baseDir, log: log}
}

// Type returns the deployment type this executor serves.
func (e *ComposeExecutor) Type() string { return "compose" }

// Execute prepares the project directory and runs compose up.
func (e *ComposeExecutor) Execute(ctx context.Context, dep *Deployment, logf LogFunc) error {
	var cfg ComposeConfig
	if err := json.Unmarshal(dep.Config, &cfg); err != nil {
		return fmt.Errorf("decode compose config: %w", err)
	}
	if cfg.RepoURL == "" && cfg.ComposeYAML == "" {
		return fmt.Errorf("compose deployment requires repo_url or compose_yaml")
	}
	target := filepath.Join(e.baseDir, dep.ID)

	if cfg.RepoURL != "" {
		git := NewGitExecutor(e.baseDir, e.log)
		gitDep := *dep
		gitDep.Config, _ = json.Marshal(GitConfig{RepoURL: cfg.RepoURL, Branch: cfg.Branch})
		if err := git.Execute(ctx, &gitDep, logf); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create deployment dir: %w", err)
		}
		if err := os.WriteFile(filepath.Join(target, "docker-compose.yml"), []byte(cfg.ComposeYAML), 0o644); err != nil {
			return fmt.Errorf("write compose file: %w", err)
		}
	}

	// A redeploy replaces the running project wholesale.
	if err := e.Teardown(ctx, dep.ID); err != nil {
		logf("warn", "stopping previous project failed: "+err.Error())
	}
	logf("info", "starting compose project")
	if err := e.up(ctx, target); err != nil {
		return err
	}
	logf("info", "compose project running")
	return nil
}

// Teardown stops the project for a deployment, ignoring a project that was
// never brought up.
func (e *ComposeExecutor) Teardown(ctx context.Context, deploymentID string) error {
	target := filepath.Join(e.baseDir, deploymentID)
	if _, err := os.Stat(target); err != nil {
		return nil
	}
	if err := e.run(ctx, target, "docker-compose", "down"); err == nil {
		return nil
	}
	return e.run(ctx, target, "docker", "compose", "down")
}

func (e *ComposeExecutor) up(ctx context.Context, dir string) error {
	err := e.run(ctx, dir, "docker-compose", "up", "-d", "--build")
	if err == nil {
		return nil
	}
	e.log.Debug("docker-compose unavailable, trying compose plugin", "error", err)
	if pluginErr := e.run(ctx, dir, "docker", "compose", "up", "-d", "--build"); pluginErr != nil {
		return fmt.Errorf("compose up failed: %w", pluginErr)
	}
	return nil
}

func (e *ComposeExecutor) run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}
