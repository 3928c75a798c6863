// Package modal runs stage tools inside Modal sandboxes. Sandboxes cannot see
// host paths, so volumes are staged in and outputs are copied back.
package modal

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/modal-labs/libmodal/modal-go"
	"golang.org/x/sync/errgroup"

	"github.com/spachava753/volsweep/internal/environment"
)

// ProviderConfig holds Modal-specific configuration.
type ProviderConfig struct {
	// AppName is the name of the Modal app to use. If empty, a unique name is generated.
	AppName string
	// Regions specifies the Modal regions (e.g., "us-east", "us-west").
	Regions []string
	// Verbose enables detailed sandbox logging.
	Verbose bool
}

// ParseProviderConfig extracts Modal-specific config from the generic config map.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{}
	if config == nil {
		return pc
	}
	if v, ok := config["app_name"].(string); ok {
		pc.AppName = v
	}
	if v, ok := config["region"].(string); ok {
		pc.Regions = []string{v}
	}
	if v, ok := config["regions"].([]any); ok {
		for _, r := range v {
			if s, ok := r.(string); ok {
				pc.Regions = append(pc.Regions, s)
			}
		}
	}
	if v, ok := config["verbose"].(bool); ok {
		pc.Verbose = v
	}
	return pc
}

// Provider implements the Modal environment provider using Modal Sandboxes.
type Provider struct {
	client *modal.Client
	config ProviderConfig
}

// defaultMemoryMiB is used when the sweep does not set a memory limit.
// Registration of a full-resolution volume needs more than the Modal default.
const defaultMemoryMiB = 4096

// NewProvider creates a new Modal provider.
func NewProvider(config ProviderConfig) (*Provider, error) {
	if err := checkImageBuilderVersion(); err != nil {
		return nil, err
	}

	slog.Debug("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{
		client: client,
		config: config,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "modal"
}

// BuildImage validates the Dockerfile in opts.ContextDir and returns the
// directory as the image reference. The image is built when the sandbox is created.
func (p *Provider) BuildImage(ctx context.Context, opts environment.BuildImageOptions) (string, error) {
	content, err := os.ReadFile(filepath.Join(opts.ContextDir, "Dockerfile"))
	if err != nil {
		return "", fmt.Errorf("reading Dockerfile: %w", err)
	}
	if _, _, err := parseDockerfile(string(content)); err != nil {
		return "", fmt.Errorf("parsing Dockerfile: %w", err)
	}
	slog.Debug("modal build deferred", "context", opts.ContextDir)
	return opts.ContextDir, nil
}

// PullImage is a no-op; Modal pulls registry images itself.
func (p *Provider) PullImage(ctx context.Context, imageRef string) error {
	slog.Debug("modal pull is no-op", "image", imageRef)
	return nil
}

// CreateEnvironment creates and starts a Modal sandbox. opts.Mounts is ignored.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	appName := opts.Name
	if appName == "" {
		appName = p.config.AppName
	}
	if appName == "" {
		appName = fmt.Sprintf("volsweep-%d", time.Now().UnixNano())
	}

	cpuCount, err := parseCPUs(opts.CPUs)
	if err != nil {
		return nil, err
	}
	memoryMiB := opts.MemoryMB
	if memoryMiB <= 0 {
		memoryMiB = defaultMemoryMiB
	}

	slog.Debug("creating modal app", "name", appName)
	app, err := p.client.Apps.FromName(ctx, appName, &modal.AppFromNameParams{
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}

	var image *modal.Image
	if isDockerContextPath(opts.ImageRef) {
		image, err = p.buildImageFromDockerfile(ctx, app, opts.ImageRef)
		if err != nil {
			return nil, fmt.Errorf("building image from dockerfile: %w", err)
		}
	} else {
		slog.Debug("using registry image for modal", "image", opts.ImageRef)
		image = p.client.Images.FromRegistry(opts.ImageRef, nil)
	}

	envVars := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		envVars[k] = v
	}

	slog.Debug("creating modal sandbox",
		"app", appName,
		"cpus", cpuCount,
		"memory_mib", memoryMiB,
		"regions", p.config.Regions)

	sandbox, err := p.client.Sandboxes.Create(ctx, app, image, &modal.SandboxCreateParams{
		CPU:       float64(cpuCount),
		MemoryMiB: memoryMiB,
		Env:       envVars,
		Timeout:   24 * time.Hour,
		Verbose:   p.config.Verbose,
		Regions:   p.config.Regions,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}

	slog.Debug("modal sandbox created", "sandbox_id", sandbox.SandboxID)

	return &ModalEnvironment{
		sandbox:   sandbox,
		appName:   appName,
		startTime: time.Now(),
		cpuCount:  cpuCount,
		memoryMiB: memoryMiB,
	}, nil
}

func (p *Provider) buildImageFromDockerfile(ctx context.Context, app *modal.App, contextDir string) (*modal.Image, error) {
	content, err := os.ReadFile(filepath.Join(contextDir, "Dockerfile"))
	if err != nil {
		return nil, fmt.Errorf("reading Dockerfile: %w", err)
	}

	baseImage, commands, err := parseDockerfile(string(content))
	if err != nil {
		return nil, fmt.Errorf("parsing Dockerfile: %w", err)
	}

	slog.Debug("building modal image", "base_image", baseImage, "commands", len(commands))

	image := p.client.Images.FromRegistry(baseImage, nil)
	if len(commands) > 0 {
		image = image.DockerfileCommands(commands, nil)
	}

	// Build eagerly so a broken toolchain image fails before any volume is staged.
	built, err := image.Build(ctx, app)
	if err != nil {
		return nil, fmt.Errorf("building image: %w", err)
	}
	return built, nil
}

// parseCPUs converts a CPU string to a whole count, rounding up.
func parseCPUs(cpus string) (int, error) {
	if cpus == "" {
		return 1, nil
	}
	var count float64
	if _, err := fmt.Sscanf(cpus, "%f", &count); err != nil {
		return 0, fmt.Errorf("invalid CPU value: %s", cpus)
	}
	result := int(count)
	if count > float64(result) {
		result++
	}
	if result < 1 {
		result = 1
	}
	return result, nil
}

// ModalEnvironment represents a running Modal sandbox.
type ModalEnvironment struct {
	sandbox   *modal.Sandbox
	appName   string
	startTime time.Time
	cpuCount  int
	memoryMiB int
}

// ID returns the sandbox ID.
func (e *ModalEnvironment) ID() string {
	return e.sandbox.SandboxID
}

// Mounted reports false: volumes are staged through the sandbox filesystem API.
func (e *ModalEnvironment) Mounted() bool {
	return false
}

// copyBufferSize is the chunk size for sandbox file transfers. Each chunk is a
// round trip, and scan volumes run to hundreds of megabytes.
const copyBufferSize = 8 << 20

// CopyTo streams a host file into the sandbox.
func (e *ModalEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("opening source file: %w", err)
	}
	defer in.Close()

	if dir := path.Dir(dst); dir != "/" && dir != "." {
		if code, err := e.run(ctx, "mkdir", "-p", dir); err != nil || code != 0 {
			return fmt.Errorf("creating directory %s: exit %d: %v", dir, code, err)
		}
	}

	slog.Debug("copying to modal sandbox", "sandbox_id", e.ID(), "src", src, "dst", dst)

	out, err := e.sandbox.Open(ctx, dst, "w")
	if err != nil {
		return fmt.Errorf("opening sandbox file: %w", err)
	}
	if _, err := io.CopyBuffer(out, in, make([]byte, copyBufferSize)); err != nil {
		out.Close()
		return fmt.Errorf("writing sandbox file: %w", err)
	}
	if err := out.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("flushing sandbox file: %w", err)
	}
	return out.Close()
}

// CopyFrom streams a sandbox file to the host. dst only appears once the
// transfer is complete.
func (e *ModalEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	slog.Debug("copying from modal sandbox", "sandbox_id", e.ID(), "src", src, "dst", dst)

	in, err := e.sandbox.Open(ctx, src, "r")
	if err != nil {
		return fmt.Errorf("opening sandbox file: %w", err)
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dst), "."+filepath.Base(dst)+".*")
	if err != nil {
		return fmt.Errorf("creating local file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := io.CopyBuffer(tmp, in, make([]byte, copyBufferSize)); err != nil {
		tmp.Close()
		return fmt.Errorf("reading sandbox file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// run executes argv with output discarded.
func (e *ModalEnvironment) run(ctx context.Context, argv ...string) (int, error) {
	return e.Exec(ctx, argv, nil, nil, environment.ExecOptions{})
}

// Exec executes argv in the sandbox.
func (e *ModalEnvironment) Exec(ctx context.Context, argv []string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if len(argv) == 0 {
		return -1, fmt.Errorf("executing command: empty argv")
	}

	params := &modal.SandboxExecParams{Env: opts.Env, Workdir: opts.WorkDir}
	if opts.Timeout > 0 {
		params.Timeout = opts.Timeout
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	slog.Debug("executing command in modal sandbox", "sandbox_id", e.ID(), "argv", argv, "timeout", opts.Timeout)

	process, err := e.sandbox.Exec(ctx, argv, params)
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}

	var streams errgroup.Group
	drain := func(w io.Writer, r io.Reader) {
		if w == nil {
			w = io.Discard
		}
		streams.Go(func() error {
			_, err := io.Copy(w, r)
			return err
		})
	}
	drain(stdout, process.Stdout)
	drain(stderr, process.Stderr)
	if err := streams.Wait(); err != nil {
		slog.Debug("sandbox output stream ended early", "sandbox_id", e.ID(), "error", err)
	}

	exitCode, err := process.Wait(ctx)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return -1, environment.ErrTimeout
		}
		return -1, fmt.Errorf("waiting for process: %w", err)
	}
	return exitCode, nil
}

// Destroy terminates the sandbox and stops its app.
func (e *ModalEnvironment) Destroy(ctx context.Context) error {
	slog.Debug("destroying modal sandbox", "sandbox_id", e.ID(), "app", e.appName)

	if err := e.sandbox.Terminate(ctx); err != nil {
		if !strings.Contains(err.Error(), "already terminated") &&
			!strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("terminating sandbox: %w", err)
		}
	}

	// The SDK does not expose app stop, so the CLI is used.
	if err := stopApp(ctx, e.appName); err != nil {
		return fmt.Errorf("stopping app: %w", err)
	}
	return nil
}

func stopApp(ctx context.Context, appName string) error {
	modalPath, err := exec.LookPath("modal")
	if err != nil {
		return fmt.Errorf("modal CLI not found; install it with: pip install modal")
	}

	output, err := exec.CommandContext(ctx, modalPath, "app", "stop", appName).CombinedOutput()
	if err != nil {
		out := string(output)
		if strings.Contains(out, "already stopped") ||
			strings.Contains(out, "not found") ||
			strings.Contains(out, "Could not find") {
			return nil
		}
		return fmt.Errorf("modal app stop failed: %s", out)
	}
	return nil
}

// Cost estimates the spend of this sandbox from its lifetime and resources.
// Rates are approximate: $0.000463 per CPU-second and $0.000058 per GiB-second.
func (e *ModalEnvironment) Cost() float64 {
	return sandboxCost(time.Since(e.startTime), e.cpuCount, e.memoryMiB)
}

func sandboxCost(d time.Duration, cpus, memoryMiB int) float64 {
	secs := d.Seconds()
	return secs*float64(cpus)*0.000463 + secs*(float64(memoryMiB)/1024.0)*0.000058
}
