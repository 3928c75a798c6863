// Package apple runs stage tools in Apple's `container` runtime. Host paths
// are not mounted; volumes are staged in and out as tar streams.
package apple

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/spachava753/volsweep/internal/environment"
)

// Provider implements the Apple Container environment provider.
type Provider struct {
	config ProviderConfig
}

// NewProvider creates a new Apple Container provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if cfg.Binary == "" {
		cfg.Binary = "container"
	}
	if _, err := exec.LookPath(cfg.Binary); err != nil {
		return nil, fmt.Errorf("apple container CLI %q not found: install from https://github.com/apple/container or run: brew install container", cfg.Binary)
	}
	return &Provider{config: cfg}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "apple"
}

// BuildImage builds an image holding the stage tools from a Dockerfile directory.
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

	slog.Debug("building container image", "tag", opts.Tag, "context", opts.ContextDir)

	cmd := exec.CommandContext(ctx, p.config.Binary, args...)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("building container image: %w", err)
	}
	return opts.Tag, nil
}

// PullImage pulls a pre-built image from a registry.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	slog.Debug("pulling container image", "image", imageRef)

	cmd := exec.CommandContext(ctx, p.config.Binary, "image", "pull", imageRef)
	cmd.Stdout = os.Stderr
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling container image: %w", err)
	}
	return nil
}

// runArgs assembles the "container run" arguments for a long-lived container.
func (p *Provider) runArgs(name string, opts environment.CreateEnvironmentOptions) []string {
	args := []string{"run", "-d", "--name", name}
	if opts.CPUs != "" {
		args = append(args, "--cpus", opts.CPUs)
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	args = append(args, envArgs(opts.Env)...)
	return append(args, opts.ImageRef, "sleep", "infinity")
}

func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

func nameInUse(stderr string) bool {
	return strings.Contains(stderr, "name already in use") || strings.Contains(stderr, "already exists")
}

// CreateEnvironment starts a container that sleeps until Destroy. Mounts are
// ignored. A name collision is retried once with a timestamp suffix.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("volsweep-%d", time.Now().UnixNano())
	}
	if len(opts.Mounts) > 0 {
		slog.Debug("apple containers do not mount host paths, staging instead", "mounts", opts.Mounts)
	}

	var stdout, stderr bytes.Buffer
	for attempt := 0; ; attempt++ {
		stdout.Reset()
		stderr.Reset()

		slog.Debug("creating apple container", "name", name, "image", opts.ImageRef, "cpus", opts.CPUs, "memory_mb", opts.MemoryMB)
		cmd := exec.CommandContext(ctx, p.config.Binary, p.runArgs(name, opts)...)
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		err := cmd.Run()
		if err == nil {
			break
		}
		if attempt > 0 || !nameInUse(stderr.String()) {
			return nil, fmt.Errorf("creating apple container: %w: %s", err, stderr.String())
		}
		name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
	}

	id := strings.TrimSpace(stdout.String())
	if id == "" {
		id = name
	}

	e := &Environment{binary: p.config.Binary, containerID: id}
	e.user = e.detectUser(ctx, p.config.User)
	return e, nil
}

// Environment represents a running Apple Container.
type Environment struct {
	binary      string
	containerID string
	user        runtimeUser
}

// ID returns the container ID.
func (e *Environment) ID() string {
	return e.containerID
}

// Mounted reports false: volumes are staged in and out.
func (e *Environment) Mounted() bool {
	return false
}

// execArgs assembles the "container exec" arguments for argv.
func (e *Environment) execArgs(argv []string, opts environment.ExecOptions) []string {
	args := []string{"exec"}
	if !e.user.isRoot() {
		args = append(args, "--uid", e.user.uid)
	}
	args = append(args, envArgs(opts.Env)...)
	if opts.WorkDir != "" {
		args = append(args, "-w", opts.WorkDir)
	}
	args = append(args, e.containerID)
	return append(args, environment.WithTimeout(argv, opts.Timeout)...)
}

// Exec executes argv in the container.
func (e *Environment) Exec(ctx context.Context, argv []string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("executing command: empty argv")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout+environment.KillGrace)
		defer cancel()
	}

	slog.Debug("executing command in container", "container_id", e.containerID, "argv", argv, "timeout", opts.Timeout)

	cmd := exec.CommandContext(ctx, e.binary, e.execArgs(argv, opts)...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr

	err := cmd.Run()
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

// asRoot runs argv in the container as root and discards its output.
func (e *Environment) asRoot(ctx context.Context, argv ...string) error {
	args := append([]string{"exec", "-u", "root", e.containerID}, argv...)
	out, err := exec.CommandContext(ctx, e.binary, args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s: %w: %s", strings.Join(argv, " "), err, out)
	}
	return nil
}

// CopyTo copies a host file to dst inside the container, owned by the runtime user.
func (e *Environment) CopyTo(ctx context.Context, src, dst string) error {
	if err := checkStagingPath(dst); err != nil {
		return err
	}

	f, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer f.Close()

	dir := path.Dir(dst)
	if err := e.asRoot(ctx, "mkdir", "-p", dir); err != nil {
		return fmt.Errorf("creating directory %s: %w", dir, err)
	}

	slog.Debug("copying to container", "container_id", e.containerID, "src", src, "dst", dst)

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarFile(pw, f, path.Base(dst), e.user))
	}()

	cmd := exec.CommandContext(ctx, e.binary, "exec", "-i", "-u", "root", e.containerID, "tar", "-xp", "-C", dir)
	cmd.Stdin = pr
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	err = cmd.Run()
	pr.Close()
	if err != nil {
		return fmt.Errorf("copying to container: %w: %s", err, stderr.String())
	}

	if !e.user.isRoot() {
		if err := e.asRoot(ctx, "chown", "-R", e.user.owner(), dir); err != nil {
			slog.Debug("chown of staged directory failed", "dir", dir, "error", err)
		}
	}
	return nil
}

// CopyFrom copies the file src from the container to the host path dst.
func (e *Environment) CopyFrom(ctx context.Context, src, dst string) error {
	if err := checkStagingPath(src); err != nil {
		return err
	}

	slog.Debug("copying from container", "container_id", e.containerID, "src", src, "dst", dst)

	cmd := exec.CommandContext(ctx, e.binary, "exec", "-u", "root", e.containerID, "tar", "-c", "-C", path.Dir(src), path.Base(src))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("copying from container: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("copying from container: %w", err)
	}

	extractErr := untarFile(stdout, dst)
	if extractErr != nil {
		io.Copy(io.Discard, stdout)
	}
	if err := cmd.Wait(); err != nil {
		return fmt.Errorf("copying from container: %w: %s", err, stderr.String())
	}
	if extractErr != nil {
		return fmt.Errorf("copying from container: %w", extractErr)
	}
	return nil
}

// Destroy removes the container.
func (e *Environment) Destroy(ctx context.Context) error {
	slog.Debug("destroying apple container", "container_id", e.containerID)

	out, err := exec.CommandContext(ctx, e.binary, "rm", "--force", e.containerID).CombinedOutput()
	if err != nil {
		msg := string(out)
		if !strings.Contains(msg, "No such container") && !strings.Contains(msg, "not found") {
			return fmt.Errorf("removing container: %w: %s", err, msg)
		}
	}
	return nil
}

// Cost returns zero: the container runs on the local machine.
func (e *Environment) Cost() float64 {
	return 0
}
