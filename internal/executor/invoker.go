package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spachava753/volsweep/internal/environment"
	"github.com/spachava753/volsweep/internal/models"
	"github.com/spachava753/volsweep/internal/stage"
)

// stagingRoot is where unmounted environments receive inputs and write outputs.
const stagingRoot = "/work"

// exitCommandNotFound is what container runtimes and shells report when argv[0] is missing.
const exitCommandNotFound = 127

// StageInvoker runs one stage on one item and reports the outcome.
type StageInvoker interface {
	Invoke(ctx context.Context, env environment.Environment, inv models.Invocation) models.StageRun
}

// Invoker runs stage tools synchronously, retrying failed attempts with
// exponential backoff.
type Invoker struct {
	VerifyOutputs     bool
	TimeoutMultiplier float64
	Retry             models.RetryConfig

	// sleep waits between attempts; replaced in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// NewInvoker creates an Invoker from the job settings.
func NewInvoker(cfg models.SweepConfig) *Invoker {
	return &Invoker{
		VerifyOutputs:     cfg.VerifyOutputs,
		TimeoutMultiplier: cfg.TimeoutMultiplier,
		Retry:             cfg.Retry,
		sleep:             sleepContext,
	}
}

// Invoke runs inv inside env. Failures are reported in the returned run,
// never as a Go error.
func (iv *Invoker) Invoke(ctx context.Context, env environment.Environment, inv models.Invocation) models.StageRun {
	run := models.StageRun{
		Stage:     inv.Stage.Kind,
		Index:     inv.Index,
		Input:     inv.Input,
		Reference: inv.Reference,
		Output:    inv.Output,
		Transform: inv.Transform,
		StartedAt: time.Now(),
	}
	defer func() {
		run.EndedAt = time.Now()
		run.DurationSec = run.EndedAt.Sub(run.StartedAt).Seconds()
	}()

	execInv := inv
	var staged *staging
	if !env.Mounted() {
		staged = newStaging(inv)
		execInv = staged.remote
		if err := staged.copyIn(ctx, env); err != nil {
			run.ExitCode = -1
			run.Error = &models.RunError{Type: models.ErrStagingFailed, Message: err.Error()}
			return run
		}
	}

	argv, err := stage.Command(inv.Stage, execInv)
	if err != nil {
		run.ExitCode = -1
		run.Error = &models.RunError{Type: models.ErrInternalError, Message: err.Error()}
		return run
	}
	run.Argv = argv

	timeout := iv.timeout(inv.Stage.Config)
	maxAttempts := max(iv.Retry.MaxAttempts, 1)

	var stdout, stderr bytes.Buffer
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if attempt > 1 {
			delay := iv.backoff(attempt - 1)
			slog.Info("retrying stage",
				"stage", inv.Stage.Kind,
				"index", inv.Index,
				"attempt", attempt,
				"delay", delay,
				"previous_error", run.Error.Type)
			sleep := iv.sleep
			if sleep == nil {
				sleep = sleepContext
			}
			if err := sleep(ctx, delay); err != nil {
				break
			}
		}

		stdout.Reset()
		stderr.Reset()
		if run.Error = iv.clearOutputs(ctx, env, inv, staged); run.Error != nil {
			run.ExitCode = -1
			break
		}
		run.Attempts = attempt
		run.ExitCode, run.Error = iv.attempt(ctx, env, argv, timeout, &stdout, &stderr)
		if run.Error == nil {
			run.Error = iv.collect(ctx, env, inv, staged)
		}
		if run.Error == nil || !retryable(run.Error.Type) || ctx.Err() != nil {
			break
		}
	}

	writeLogs(inv.LogDir, stdout.Bytes(), stderr.Bytes())
	return run
}

// attempt executes argv once and classifies the outcome.
func (iv *Invoker) attempt(ctx context.Context, env environment.Environment, argv []string, timeout time.Duration, stdout, stderr *bytes.Buffer) (int, *models.RunError) {
	code, err := env.Exec(ctx, argv, stdout, stderr, environment.ExecOptions{Timeout: timeout})
	switch {
	case err == nil && code == 0:
		return 0, nil
	case err == nil && code == exitCommandNotFound:
		return code, &models.RunError{
			Type:    models.ErrToolNotFound,
			Message: fmt.Sprintf("%s exited with code %d", argv[0], code),
		}
	case err == nil:
		return code, &models.RunError{
			Type:    models.ErrToolExitNonZero,
			Message: fmt.Sprintf("%s exited with code %d", filepath.Base(argv[0]), code),
		}
	case errors.Is(err, environment.ErrTimeout):
		return -1, &models.RunError{
			Type:    models.ErrToolTimeout,
			Message: fmt.Sprintf("%s timed out after %s", filepath.Base(argv[0]), timeout),
		}
	case ctx.Err() != nil:
		return -1, &models.RunError{Type: models.ErrCancelled, Message: err.Error()}
	case errors.Is(err, exec.ErrNotFound), errors.Is(err, fs.ErrNotExist):
		return -1, &models.RunError{Type: models.ErrToolNotFound, Message: err.Error()}
	default:
		return -1, &models.RunError{Type: models.ErrToolStartFailed, Message: err.Error()}
	}
}

// clearOutputs removes what an earlier run left at the output paths, so a
// tool that exits 0 without writing is reported as output_missing.
func (iv *Invoker) clearOutputs(ctx context.Context, env environment.Environment, inv models.Invocation, staged *staging) *models.RunError {
	for _, p := range []string{inv.Output, inv.Transform} {
		if p == "" {
			continue
		}
		if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return &models.RunError{
				Type:    models.ErrOutputDirFailed,
				Message: fmt.Sprintf("removing previous output: %v", err),
			}
		}
	}
	if staged != nil {
		if err := staged.resetOut(ctx, env); err != nil {
			return &models.RunError{Type: models.ErrStagingFailed, Message: err.Error()}
		}
	}
	return nil
}

// collect copies staged outputs back and checks they exist on the host.
func (iv *Invoker) collect(ctx context.Context, env environment.Environment, inv models.Invocation, staged *staging) *models.RunError {
	if staged != nil {
		if err := staged.copyOut(ctx, env); err != nil {
			return &models.RunError{Type: models.ErrOutputMissing, Message: err.Error()}
		}
	}
	if !iv.VerifyOutputs {
		return nil
	}
	for _, p := range []string{inv.Output, inv.Transform} {
		if p == "" {
			continue
		}
		if _, err := os.Stat(p); err != nil {
			return &models.RunError{
				Type:    models.ErrOutputMissing,
				Message: fmt.Sprintf("tool exited 0 but did not write %s", p),
			}
		}
	}
	return nil
}

// timeout scales the stage's timeout_sec by the job's multiplier; zero means none.
func (iv *Invoker) timeout(sc models.StageConfig) time.Duration {
	if sc.TimeoutSec <= 0 {
		return 0
	}
	mult := iv.TimeoutMultiplier
	if mult <= 0 {
		mult = 1
	}
	return time.Duration(sc.TimeoutSec * mult * float64(time.Second))
}

// backoff returns the wait before retry n (1-based).
func (iv *Invoker) backoff(n int) time.Duration {
	mult := iv.Retry.Multiplier
	if mult < 1 {
		mult = 1
	}
	delay := float64(iv.Retry.InitialDelayMs) * math.Pow(mult, float64(n-1))
	if iv.Retry.MaxDelayMs > 0 {
		delay = math.Min(delay, float64(iv.Retry.MaxDelayMs))
	}
	return time.Duration(delay) * time.Millisecond
}

// retryable reports whether another attempt could change the outcome.
func retryable(t models.ErrorType) bool {
	switch t {
	case models.ErrToolExitNonZero, models.ErrToolTimeout, models.ErrOutputMissing:
		return true
	}
	return false
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func writeLogs(dir string, stdout, stderr []byte) {
	if dir == "" {
		return
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("creating log directory", "dir", dir, "error", err)
		return
	}
	for name, data := range map[string][]byte{"stdout.txt": stdout, "stderr.txt": stderr} {
		if err := os.WriteFile(filepath.Join(dir, name), data, 0644); err != nil {
			slog.Warn("writing tool log", "path", filepath.Join(dir, name), "error", err)
		}
	}
}

// staging maps host paths of one invocation to a private directory inside
// an unmounted environment.
type staging struct {
	host   models.Invocation
	remote models.Invocation
}

func newStaging(inv models.Invocation) *staging {
	dir := path.Join(stagingRoot, string(inv.Stage.Kind), strconv.Itoa(inv.Index))
	remote := inv
	remote.Input = path.Join(dir, "in", filepath.Base(inv.Input))
	remote.Output = path.Join(dir, "out", filepath.Base(inv.Output))
	if inv.Reference != "" {
		remote.Reference = path.Join(dir, "ref", filepath.Base(inv.Reference))
	}
	if inv.Transform != "" {
		remote.Transform = path.Join(dir, "out", filepath.Base(inv.Transform))
	}
	return &staging{host: inv, remote: remote}
}

func (s *staging) copyIn(ctx context.Context, env environment.Environment) error {
	if err := env.CopyTo(ctx, s.host.Input, s.remote.Input); err != nil {
		return fmt.Errorf("staging input: %w", err)
	}
	if s.host.Reference != "" {
		if err := env.CopyTo(ctx, s.host.Reference, s.remote.Reference); err != nil {
			return fmt.Errorf("staging reference: %w", err)
		}
	}
	return nil
}

// resetOut empties the staged output directory.
func (s *staging) resetOut(ctx context.Context, env environment.Environment) error {
	dir := path.Dir(s.remote.Output)
	if _, err := env.Exec(ctx, []string{"rm", "-rf", dir}, nil, nil, environment.ExecOptions{}); err != nil {
		return fmt.Errorf("clearing staged output directory: %w", err)
	}
	if _, err := env.Exec(ctx, []string{"mkdir", "-p", dir}, nil, nil, environment.ExecOptions{}); err != nil {
		return fmt.Errorf("creating staged output directory: %w", err)
	}
	return nil
}

func (s *staging) copyOut(ctx context.Context, env environment.Environment) error {
	if err := env.CopyFrom(ctx, s.remote.Output, s.host.Output); err != nil {
		return fmt.Errorf("copying output back: %w", err)
	}
	if s.host.Transform != "" {
		if err := env.CopyFrom(ctx, s.remote.Transform, s.host.Transform); err != nil {
			return fmt.Errorf("copying transform back: %w", err)
		}
	}
	return nil
}
