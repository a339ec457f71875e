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

// GitConfig is the payload of a git-based deployment.
type GitConfig struct {
	RepoURL    string `json:"repo_url"`
	Branch     string `json:"branch,omitempty"`
	InstallCmd string `json:"install_cmd,omitempty"`
	RunCmd     string `json:"run_cmd,omitempty"`
}

// GitExecutor clones a repository under the deployment directory and runs
// its install and run commands.
type GitExecutor struct {
	baseDir string
	log     *slog.Logger
}

// NewGitExecutor creates a git-backed executor rooted at baseDir.
func NewGitExecutor(baseDir string, log *slog.Logger) *GitExecutor {
	return &GitExecutor{baseDir: baseDir, log: log}
}

// Type returns the deployment type this executor serves.
func (e *GitExecutor) Type() string { return "git" }

// Execute clones or updates the repository and runs the configured commands.
func (e *GitExecutor) Execute(ctx context.Context, dep *Deployment, logf LogFunc) error {
	var cfg GitConfig
	if err := json.Unmarshal(dep.Config, &cfg); err != nil {
		return fmt.Errorf("decode git config: %w", err)
	}
	if strings.TrimSpace(cfg.RepoURL) == "" {
		return fmt.Errorf("git deployment requires repo_url")
	}
	branch := cfg.Branch
	if branch == "" {
		branch = "main"
	}
	target := filepath.Join(e.baseDir, dep.ID)

	if _, err := os.Stat(filepath.Join(target, ".git")); err == nil {
		logf("info", "updating repository on branch "+branch)
		if err := e.run(ctx, target, "git", "fetch", "origin", branch); err != nil {
			return err
		}
		if err := e.run(ctx, target, "git", "checkout", branch); err != nil {
			return err
		}
		if err := e.run(ctx, target, "git", "reset", "--hard", "origin/"+branch); err != nil {
			return err
		}
	} else {
		if err := os.MkdirAll(target, 0o755); err != nil {
			return fmt.Errorf("create deployment dir: %w", err)
		}
		logf("info", "cloning "+cfg.RepoURL)
		if err := e.run(ctx, target, "git", "clone", "--depth", "1", "--branch", branch, cfg.RepoURL, "."); err != nil {
			return err
		}
	}

	if cfg.InstallCmd != "" {
		logf("info", "running install command")
		if err := e.runShell(ctx, target, cfg.InstallCmd); err != nil {
			return err
		}
	}
	if cfg.RunCmd != "" {
		logf("info", "running start command")
		if err := e.runShell(ctx, target, cfg.RunCmd); err != nil {
			return err
		}
	}
	return nil
}

func (e *GitExecutor) run(ctx context.Context, dir string, name string, args ...string) error {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	// Prevent git from prompting for credentials interactively.
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s %s failed: %w: %s", name, strings.Join(args, " "), err, strings.TrimSpace(string(output)))
	}
	return nil
}

func (e *GitExecutor) runShell(ctx context.Context, dir, command string) error {
	cmd := exec.CommandContext(ctx, "sh", "-c", command)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("command %q failed: %w: %s", command, err, strings.TrimSpace(string(output)))
	}
	return nil
}
