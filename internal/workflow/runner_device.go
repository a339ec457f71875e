package workflow

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// CameraRunner captures a still image through the system camera stack and
// outputs the file path. It is registered only when the camera capability
// is enabled for this device.
type CameraRunner struct {
	// OutputDir receives captured images.
	OutputDir string
	// Command is the capture binary; libcamera-still when empty.
	Command string
}

// Type implements NodeRunner.
func (CameraRunner) Type() string { return "camera" }

// Run implements NodeRunner.
func (c CameraRunner) Run(ctx context.Context, node Node, inputs Inputs) (Outputs, error) {
	var cfg struct {
		Width   int `json:"width"`
		Height  int `json:"height"`
		Quality int `json:"quality"`
	}
	if len(node.Data.Config) > 0 {
		if err := json.Unmarshal(node.Data.Config, &cfg); err != nil {
			return nil, fmt.Errorf("decode camera config: %w", err)
		}
	}
	command := c.Command
	if command == "" {
		command = "libcamera-still"
	}
	dir := c.OutputDir
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create capture dir: %w", err)
	}
	path := filepath.Join(dir, fmt.Sprintf("capture-%d.jpg", time.Now().UnixNano()))

	args := []string{"-o", path, "-n", "--immediate"}
	if cfg.Width > 0 {
		args = append(args, "--width", strconv.Itoa(cfg.Width))
	}
	if cfg.Height > 0 {
		args = append(args, "--height", strconv.Itoa(cfg.Height))
	}
	if cfg.Quality > 0 {
		args = append(args, "-q", strconv.Itoa(cfg.Quality))
	}
	cmd := exec.CommandContext(ctx, command, args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("camera capture: %w: %s", err, strings.TrimSpace(string(out)))
	}

	quoted, _ := json.Marshal(path)
	out := Outputs{"image_path": quoted}
	for name, value := range inputs {
		if _, ok := out[name]; !ok {
			out[name] = value
		}
	}
	return out, nil
}

// GPIORunner drives a GPIO line through the sysfs interface. Registered
// only when the gpio capability is enabled.
type GPIORunner struct {
	// BasePath overrides /sys/class/gpio, used by tests.
	BasePath string
}

// Type implements NodeRunner.
func (GPIORunner) Type() string { return "gpio" }

// Run implements NodeRunner.
func (g GPIORunner) Run(ctx context.Context, node Node, inputs Inputs) (Outputs, error) {
	var cfg struct {
		Pin   int    `json:"pin"`
		Value *int   `json:"value"`
		Mode  string `json:"mode"`
	}
	if err := json.Unmarshal(node.Data.Config, &cfg); err != nil {
		return nil, fmt.Errorf("decode gpio config: %w", err)
	}
	if cfg.Pin <= 0 {
		return nil, fmt.Errorf("gpio node %s has no pin", node.ID)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	base := g.BasePath
	if base == "" {
		base = "/sys/class/gpio"
	}
	pinDir := filepath.Join(base, fmt.Sprintf("gpio%d", cfg.Pin))
	if _, err := os.Stat(pinDir); os.IsNotExist(err) {
		if err := os.WriteFile(filepath.Join(base, "export"), []byte(strconv.Itoa(cfg.Pin)), 0o644); err != nil {
			return nil, fmt.Errorf("export gpio %d: %w", cfg.Pin, err)
		}
	}

	if cfg.Mode == "" {
		cfg.Mode = "out"
	}
	if err := os.WriteFile(filepath.Join(pinDir, "direction"), []byte(cfg.Mode), 0o644); err != nil {
		return nil, fmt.Errorf("set gpio %d direction: %w", cfg.Pin, err)
	}

	out := Outputs{}
	switch cfg.Mode {
	case "out":
		value := 1
		if cfg.Value != nil {
			value = *cfg.Value
		}
		if err := os.WriteFile(filepath.Join(pinDir, "value"), []byte(strconv.Itoa(value)), 0o644); err != nil {
			return nil, fmt.Errorf("write gpio %d: %w", cfg.Pin, err)
		}
		raw, _ := json.Marshal(value)
		out["value"] = raw
	case "in":
		data, err := os.ReadFile(filepath.Join(pinDir, "value"))
		if err != nil {
			return nil, fmt.Errorf("read gpio %d: %w", cfg.Pin, err)
		}
		value, err := strconv.Atoi(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parse gpio %d value: %w", cfg.Pin, err)
		}
		raw, _ := json.Marshal(value)
		out["value"] = raw
	default:
		return nil, fmt.Errorf("gpio node %s: unknown mode %q", node.ID, cfg.Mode)
	}
	for name, value := range inputs {
		if _, ok := out[name]; !ok {
			out[name] = value
		}
	}
	return out, nil
}
