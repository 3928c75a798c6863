package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spachava753/volsweep/internal/environment"
)

// ProviderConfig holds Docker-specific configuration.
type ProviderConfig struct {
	// User overrides the uid:gid tools run as. Defaults to the host user so
	// outputs written through bind mounts stay owned by the caller.
	User string
	// Binary is the docker-compatible CLI to invoke (e.g. "podman").
	Binary string
}

// ParseProviderConfig extracts Docker-specific config from the generic config map.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{Binary: "docker"}
	if config == nil {
		return pc
	}
	if v, ok := config["user"].(string); ok {
		pc.User = v
	}
	if v, ok := config["binary"].(string); ok && v != "" {
		pc.Binary = v
	}
	return pc
}

// Provider implements the Docker environment provider.
type Provider struct {
	config ProviderConfig
}

// NewProvider creates a new Docker provider.
func NewProvider(cfg ProviderConfig) *Provider {
	if cfg.Binary == "" {
		cfg.Binary = "docker"
	}
	return &Provider{config: cfg}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "docker"
}

// BuildImage builds a Docker image from the given context directory.
func (p *Provider) BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error) {
	args := []string{"build", "-t", opts.Tag}
	if opts.NoCache {
		args = append(args, "--no-cache")
	}
	args = append(args, opts.ContextDir)

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, p.config.Binary, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("building docker image: %w", err)
	}

	return opts.Tag, nil
}

// PullImage pulls a pre-built image from a registry.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	cmd := exec.CommandContext(ctx, p.config.Binary, "pull", imageRef)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling docker image: %w", err)
	}

	return nil
}

// runArgs assembles the "docker run" arguments for a long-lived container.
func (p *Provider) runArgs(name string, opts environment.CreateEnvironmentOptions) []string {
	args := []string{
		"run",
		"-d",
		"--name", name,
	}

	user := p.config.User
	if user == "" {
		user = fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid())
	}
	args = append(args, "--user", user)

	// Add resource constraints
	if opts.CPUs != "" {
		args = append(args, "--cpus", opts.CPUs)
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}

	for _, dir := range opts.Mounts {
		args = append(args, "-v", dir+":"+dir)
	}

	// Sorted for a stable command line
	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	args = append(args, "--entrypoint", "sleep", opts.ImageRef, "infinity")
	return args
}

// CreateEnvironment creates and starts a Docker container with opts.Mounts bind-mounted in place.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	containerID := opts.Name
	if containerID == "" {
		containerID = fmt.Sprintf("volsweep-%d", time.Now().UnixNano())
	}

	args := p.runArgs(containerID, opts)

	slog.Debug("creating docker container",
		"name", containerID,
		"image", opts.ImageRef,
		"mounts", opts.Mounts)

	cmd := exec.CommandContext(ctx, p.config.Binary, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating docker container: %w: %s", err, stderr.String())
	}

	return &DockerEnvironment{
		binary:      p.config.Binary,
		containerID: containerID,
	}, nil
}

// DockerEnvironment represents a running Docker container.
type DockerEnvironment struct {
	binary      string
	containerID string
}

// ID returns the container ID.
func (e *DockerEnvironment) ID() string {
	return e.containerID
}

// Mounted reports true: the data directories are bind-mounted at their host paths.
func (e *DockerEnvironment) Mounted() bool {
	return true
}

// CopyTo copies a local file or directory into the container.
func (e *DockerEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	dstDir := filepath.Dir(dst)
	if dstDir != "/" && dstDir != "." {
		mkdirCmd := exec.CommandContext(ctx, e.binary, "exec", e.containerID, "mkdir", "-p", dstDir)
		if err := mkdirCmd.Run(); err != nil {
			return fmt.Errorf("creating directory %s: %w", dstDir, err)
		}
	}

	cmd := exec.CommandContext(ctx, e.binary, "cp", src, fmt.Sprintf("%s:%s", e.containerID, dst))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying to container: %w: %s", err, stderr.String())
	}
	return nil
}

// CopyFrom copies a file or directory from the container to local path.
func (e *DockerEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.binary, "cp", fmt.Sprintf("%s:%s", e.containerID, src), dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying from container: %w: %s", err, stderr.String())
	}
	return nil
}

// execArgs assembles the "docker exec" arguments for argv.
func (e *DockerEnvironment) execArgs(argv []string, opts environment.ExecOptions) []string {
	args := []string{"exec"}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}

	args = append(args, e.containerID)
	return append(args, environment.WithTimeout(argv, opts.Timeout)...)
}

// Exec executes argv in the container.
func (e *DockerEnvironment) Exec(ctx context.Context, argv []string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("executing command: empty argv")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout+environment.KillGrace)
		defer cancel()
	}

	slog.Debug("executing command in container",
		"container_id", e.containerID,
		"argv", argv,
		"timeout", opts.Timeout)

	execCmd := exec.CommandContext(ctx, e.binary, e.execArgs(argv, opts)...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr

	err := execCmd.Run()
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, environment.ErrTimeout
		}
		if ctx.Err() != nil {
			return -1, fmt.Errorf("executing command: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			if opts.Timeout > 0 && environment.TimedOut(exitErr.ExitCode()) {
				return -1, environment.ErrTimeout
			}
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}

	return 0, nil
}

// Destroy removes the container and cleans up resources.
func (e *DockerEnvironment) Destroy(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.binary, "rm", "-f", e.containerID)
	output, err := cmd.CombinedOutput()
	if err != nil {
		// Ignore error if container already removed
		if !strings.Contains(string(output), "No such container") {
			return fmt.Errorf("removing container: %w: %s", err, output)
		}
	}
	return nil
}

// Cost returns the cost incurred by this environment (always 0 for local Docker).
func (e *DockerEnvironment) Cost() float64 {
	return 0
}
