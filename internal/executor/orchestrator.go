package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"golang.org/x/sync/semaphore"
	"gonum.org/v1/gonum/stat"

	"github.com/spachava753/volsweep/internal/environment"
	"github.com/spachava753/volsweep/internal/models"
	"github.com/spachava753/volsweep/internal/stage"
)

// ErrSweepInProgress is returned when Sweep is called while another sweep is running.
var ErrSweepInProgress = errors.New("sweep already in progress")

// Orchestrator applies one stage to every item of a collection, one
// invocation at a time.
type Orchestrator struct {
	env     environment.Environment
	invoker StageInvoker
	logDir  string
	sem     *semaphore.Weighted
}

// NewOrchestrator creates an orchestrator running tools in env. When logDir
// is set, each invocation records its output under logDir/<stage>/<index>.
func NewOrchestrator(env environment.Environment, invoker StageInvoker, logDir string) *Orchestrator {
	return &Orchestrator{
		env:     env,
		invoker: invoker,
		logDir:  logDir,
		sem:     semaphore.NewWeighted(1),
	}
}

// Sweep runs st on every item of col in index order. A failed item does not
// stop the sweep; once ctx is cancelled the remaining items are skipped.
// The returned error is reserved for sweeps that cannot start.
func (o *Orchestrator) Sweep(ctx context.Context, st models.Stage, col *models.Collection, reference string) (*models.SweepResult, error) {
	if !o.sem.TryAcquire(1) {
		return nil, ErrSweepInProgress
	}
	defer o.sem.Release(1)

	if st.Kind.NeedsReference() && reference == "" {
		return nil, fmt.Errorf("%s: %w", st.Kind, models.ErrReferenceRequired)
	}

	res := &models.SweepResult{
		Stage:     st.Kind,
		Reference: reference,
		StartedAt: time.Now(),
		Runs:      make([]models.StageRun, 0, col.Len()),
	}

	slog.Info("starting sweep", "stage", st.Kind, "items", col.Len(), "reference", reference)

	for _, item := range col.Items {
		if err := ctx.Err(); err != nil {
			res.Runs = append(res.Runs, skippedRun(st.Kind, item, reference, err))
			continue
		}

		run := o.invokeItem(ctx, st, item, reference)
		res.Runs = append(res.Runs, run)

		if run.Succeeded() {
			slog.Info("stage run succeeded",
				"stage", st.Kind,
				"index", item.Index,
				"output", run.Output,
				"duration_sec", run.DurationSec)
		} else {
			attrs := []any{"stage", st.Kind, "index", item.Index, "exit_code", run.ExitCode}
			if run.Error != nil {
				attrs = append(attrs, "error_type", run.Error.Type, "error", run.Error.Message)
			}
			slog.Warn("stage run failed", attrs...)
		}
	}

	res.EndedAt = time.Now()
	summarize(res)
	return res, nil
}

func (o *Orchestrator) invokeItem(ctx context.Context, st models.Stage, item models.Item, reference string) models.StageRun {
	failed := func(t models.ErrorType, err error) models.StageRun {
		now := time.Now()
		return models.StageRun{
			Stage:     st.Kind,
			Index:     item.Index,
			Input:     item.Path,
			Reference: reference,
			ExitCode:  -1,
			Error:     &models.RunError{Type: t, Message: err.Error()},
			StartedAt: now,
			EndedAt:   now,
		}
	}

	outs, err := stage.Derive(st.Kind, st.Config, item.Path, reference)
	if err != nil {
		return failed(models.ErrInternalError, err)
	}
	if err := stage.EnsureDir(outs.Dir); err != nil {
		run := failed(models.ErrOutputDirFailed, err)
		run.Output = outs.Path
		return run
	}

	inv := models.Invocation{
		Stage:     st,
		Index:     item.Index,
		Input:     item.Path,
		Reference: reference,
		Output:    outs.Path,
		Transform: outs.Transform,
	}
	if o.logDir != "" {
		inv.LogDir = filepath.Join(o.logDir, string(st.Kind), strconv.Itoa(item.Index))
	}

	run := o.invoker.Invoke(ctx, o.env, inv)
	if run.Error != nil && inv.LogDir != "" {
		writeErrorFile(inv.LogDir, run.Error)
	}
	return run
}

func writeErrorFile(dir string, runErr *models.RunError) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		slog.Warn("creating log directory", "dir", dir, "error", err)
		return
	}
	p := filepath.Join(dir, "error.txt")
	if err := os.WriteFile(p, []byte(runErr.Error()), 0644); err != nil {
		slog.Warn("writing error file", "path", p, "error", err)
	}
}

func skippedRun(kind models.StageKind, item models.Item, reference string, cause error) models.StageRun {
	now := time.Now()
	return models.StageRun{
		Stage:     kind,
		Index:     item.Index,
		Input:     item.Path,
		Reference: reference,
		ExitCode:  -1,
		Error:     &models.RunError{Type: models.ErrCancelled, Message: cause.Error()},
		StartedAt: now,
		EndedAt:   now,
	}
}

// summarize fills the counts and duration statistics of res from its runs.
func summarize(res *models.SweepResult) {
	res.Total = len(res.Runs)
	var durations []float64
	for i := range res.Runs {
		r := &res.Runs[i]
		switch {
		case r.Succeeded():
			res.Succeeded++
		case r.Skipped():
			res.Skipped++
		case r.Interrupted():
			res.Interrupted++
		default:
			res.Failed++
		}
		if r.Attempts > 0 {
			durations = append(durations, r.DurationSec)
		}
	}
	res.Cancelled = res.Skipped+res.Interrupted > 0

	switch len(durations) {
	case 0:
	case 1:
		res.MeanDurationSec = durations[0]
	default:
		res.MeanDurationSec, res.StdDevDurationSec = stat.MeanStdDev(durations, nil)
	}
}
