package environment

import (
	"context"
	"errors"
	"io"
	"math"
	"strconv"
	"time"
)

// ErrTimeout is returned by Exec when the command outlives ExecOptions.Timeout.
var ErrTimeout = errors.New("command timed out")

// KillGrace is how long a container exec client outlives ExecOptions.Timeout,
// giving the in-container timeout(1) the first chance to kill the tool.
const KillGrace = 5 * time.Second

// WithTimeout prefixes argv with timeout(1) so the tool itself is killed
// inside the container once d elapses. Killing only the exec client on the
// host would leave the tool running. d is rounded up to whole seconds.
func WithTimeout(argv []string, d time.Duration) []string {
	if d <= 0 {
		return argv
	}
	secs := strconv.Itoa(max(int(math.Ceil(d.Seconds())), 1))
	return append([]string{"timeout", "--signal=KILL", secs}, argv...)
}

// TimedOut reports whether code is what a command run under WithTimeout
// exits with after being killed.
func TimedOut(code int) bool {
	return code == 124 || code == 128+9
}

// Environment is a place where stage tools run: the host, a container or a sandbox.
type Environment interface {
	// ID returns the unique identifier for this environment.
	ID() string

	// Mounted reports whether host paths are visible at the same location
	// inside the environment. Unmounted environments need inputs copied in
	// and outputs copied back.
	Mounted() bool

	// CopyTo copies a local file or directory into the environment.
	CopyTo(ctx context.Context, src, dst string) error

	// CopyFrom copies a file or directory from the environment to local path.
	CopyFrom(ctx context.Context, src, dst string) error

	// Exec runs argv without a shell, streaming stdout and stderr to the provided writers.
	// A non-zero exit is reported through the exit code, not the error.
	Exec(ctx context.Context, argv []string, stdout, stderr io.Writer, opts ExecOptions) (int, error)

	// Destroy removes the environment and cleans up all resources.
	Destroy(ctx context.Context) error

	// Cost returns the cost incurred by this environment.
	Cost() float64
}

// ExecOptions configures command execution.
type ExecOptions struct {
	Env     map[string]string
	Timeout time.Duration
	WorkDir string
}

// Provider is a factory for creating environments.
type Provider interface {
	// Name returns the provider name (e.g., "local", "docker", "modal").
	Name() string

	// BuildImage builds an image from a directory holding a Dockerfile.
	BuildImage(ctx context.Context, opts BuildImageOptions) (string, error)

	// PullImage pulls a pre-built image from a registry.
	PullImage(ctx context.Context, imageRef string) error

	// CreateEnvironment creates and starts a new environment.
	CreateEnvironment(ctx context.Context, opts CreateEnvironmentOptions) (Environment, error)
}

// BuildImageOptions configures image building.
type BuildImageOptions struct {
	ContextDir string
	Tag        string
	Timeout    time.Duration
	NoCache    bool
}

// CreateEnvironmentOptions configures environment creation.
type CreateEnvironmentOptions struct {
	Name     string
	ImageRef string
	CPUs     string
	MemoryMB int
	Env      map[string]string
	// Mounts are host directories to expose at the same path, for providers that can.
	Mounts []string
}
