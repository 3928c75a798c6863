// Package local runs stage tools directly on the host.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/spachava753/volsweep/internal/environment"
)

// Provider implements the host environment provider.
type Provider struct{}

// NewProvider creates a new local provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "local"
}

// BuildImage is not supported on the host.
func (p *Provider) BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error) {
	return "", fmt.Errorf("local environment cannot build images")
}

// PullImage is a no-op on the host.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	return nil
}

// CreateEnvironment returns a handle to the host. Mounts and resource limits are ignored.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	id := opts.Name
	if id == "" {
		id = fmt.Sprintf("local-%d", time.Now().UnixNano())
	}
	if opts.ImageRef != "" {
		slog.Warn("local environment ignores image", "image", opts.ImageRef)
	}
	return &Environment{id: id, env: opts.Env}, nil
}

// Environment runs commands as child processes of this one.
type Environment struct {
	id  string
	env map[string]string
}

// ID returns the environment name.
func (e *Environment) ID() string {
	return e.id
}

// Mounted is always true: the host sees its own paths.
func (e *Environment) Mounted() bool {
	return true
}

// Exec runs argv as a child process.
func (e *Environment) Exec(ctx context.Context, argv []string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("executing command: empty argv")
	}

	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Dir = opts.WorkDir
	cmd.WaitDelay = 5 * time.Second
	if len(e.env) > 0 || len(opts.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range e.env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		for k, v := range opts.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	slog.Debug("executing command on host", "argv", argv, "timeout", opts.Timeout)

	err := cmd.Run()
	if err != nil {
		// A killed process also surfaces as an ExitError, so check the context first.
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, environment.ErrTimeout
		}
		if ctx.Err() != nil {
			return -1, fmt.Errorf("executing command: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}

	return 0, nil
}

// CopyTo copies a host file to another host path.
func (e *Environment) CopyTo(ctx context.Context, src, dst string) error {
	return copyFile(src, dst)
}

// CopyFrom copies a host file to another host path.
func (e *Environment) CopyFrom(ctx context.Context, src, dst string) error {
	return copyFile(src, dst)
}

func copyFile(src, dst string) error {
	if filepath.Clean(src) == filepath.Clean(dst) {
		return nil
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	out, err := os.Create(dst)
	if err != nil {
		return fmt.Errorf("creating destination file: %w", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copying file: %w", err)
	}
	return out.Close()
}

// Destroy is a no-op on the host.
func (e *Environment) Destroy(ctx context.Context) error {
	return nil
}

// Cost returns zero for local execution.
func (e *Environment) Cost() float64 {
	return 0
}
