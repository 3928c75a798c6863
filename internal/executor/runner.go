package executor

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/spachava753/volsweep/internal/collection"
	"github.com/spachava753/volsweep/internal/config"
	"github.com/spachava753/volsweep/internal/environment"
	"github.com/spachava753/volsweep/internal/environment/apple"
	"github.com/spachava753/volsweep/internal/environment/docker"
	"github.com/spachava753/volsweep/internal/environment/local"
	"github.com/spachava753/volsweep/internal/environment/modal"
	"github.com/spachava753/volsweep/internal/models"
	"github.com/spachava753/volsweep/internal/registry"
	"github.com/spachava753/volsweep/internal/stage"
	"github.com/spachava753/volsweep/internal/util"
)

// maxAppNameLength bounds environment names; container and Modal app names share the limit.
const maxAppNameLength = 64

var nonNameChars = regexp.MustCompile(`[^a-z0-9-]+`)

// sanitizeEnvName lowercases name and reduces it to letters, digits and single hyphens.
func sanitizeEnvName(name string) string {
	s := nonNameChars.ReplaceAllString(strings.ToLower(name), "-")
	s = strings.Trim(s, "-")
	if len(s) > maxAppNameLength {
		s = strings.TrimRight(s[:maxAppNameLength], "-")
	}
	return s
}

// runConfig is the record written to config.json at the start of a run.
type runConfig struct {
	RunID  string              `json:"run_id"`
	Sweep  models.SweepConfig  `json:"sweep"`
	Stages models.StagesConfig `json:"stages"`
}

// Runner executes a whole job: every configured stage over the discovered
// collection, inside one environment.
type Runner struct {
	cfg      models.SweepConfig
	stages   models.StagesConfig
	provider environment.Provider
	invoker  StageInvoker
	loader   *stage.Loader

	// RegistryCacheDir overrides where registry references are downloaded.
	RegistryCacheDir string
}

// NewRunner creates a job runner.
func NewRunner(cfg models.SweepConfig, stages models.StagesConfig, provider environment.Provider, invoker StageInvoker) *Runner {
	return &Runner{
		cfg:      cfg,
		stages:   stages,
		provider: provider,
		invoker:  invoker,
		loader:   stage.NewLoader(),
	}
}

// NewProvider creates the provider named by the environment configuration.
func NewProvider(ec models.EnvironmentConfig) (environment.Provider, error) {
	switch ec.Type {
	case "", "local":
		return local.NewProvider(), nil
	case "docker":
		return docker.NewProvider(docker.ParseProviderConfig(ec.ProviderConfig)), nil
	case "apple":
		p, err := apple.NewProvider(apple.ParseProviderConfig(ec.ProviderConfig))
		if err != nil {
			return nil, err
		}
		return p, nil
	case "modal":
		p, err := modal.NewProvider(modal.ParseProviderConfig(ec.ProviderConfig))
		if err != nil {
			return nil, err
		}
		return p, nil
	}
	return nil, fmt.Errorf("unsupported environment type: %s", ec.Type)
}

// Run executes the job and writes config.json and result.json under
// runs_dir/<name>. A named run never overwrites an existing directory.
func (r *Runner) Run(ctx context.Context) (*models.JobResult, error) {
	startTime := time.Now()
	runID := uuid.NewString()

	jobName := startTime.Format("2006-01-02__15-04-05")
	if r.cfg.Name != nil {
		jobName = *r.cfg.Name
	}
	runDir := filepath.Join(r.cfg.RunsDir, jobName)

	if _, err := os.Stat(runDir); err == nil {
		return nil, fmt.Errorf("run directory already exists: %s (will not overwrite existing results)", runDir)
	}

	col, err := collection.Discover(r.cfg.Data.Path, r.cfg.Data.Pattern, r.cfg.Data.MaxIndex)
	if err != nil {
		return nil, fmt.Errorf("discovering inputs: %w", err)
	}
	if col.Len() == 0 {
		slog.Warn("no input volumes found", "dir", col.Dir, "pattern", col.Pattern)
	}

	refs, err := r.resolveReferences(ctx, col)
	if err != nil {
		return nil, fmt.Errorf("resolving references: %w", err)
	}

	if err := os.MkdirAll(runDir, 0755); err != nil {
		return nil, fmt.Errorf("creating run directory: %w", err)
	}
	if err := writeJSON(filepath.Join(runDir, "config.json"), runConfig{RunID: runID, Sweep: r.cfg, Stages: r.stages}); err != nil {
		return nil, err
	}

	env, err := r.setupEnvironment(ctx, sanitizeEnvName("volsweep-"+jobName+"-"+runID[:8]), mounts(col, refs))
	if err != nil {
		return nil, &models.RunError{Type: models.ErrEnvironmentStartFailed, Message: err.Error()}
	}

	failed := true
	defer func() { r.teardown(env, failed) }()

	onHost := r.provider.Name() == "local"
	orch := NewOrchestrator(env, r.invoker, runDir)

	jr := &models.JobResult{
		RunID:     runID,
		JobName:   jobName,
		Items:     col.Len(),
		StartedAt: startTime,
	}
	sweepIndex := make(map[models.StageKind]int)

	for _, ref := range r.cfg.Stages {
		items := col
		if ref.From != "" {
			items = collection.FromRuns(col, jr.Sweeps[sweepIndex[ref.From]].Runs)
		}

		var sweep *models.SweepResult
		st, err := r.loader.Resolve(ref.Kind, r.stages, onHost)
		if err != nil {
			slog.Error("stage tool unavailable", "stage", ref.Kind, "error", err)
			sweep = unresolvedSweep(ref.Kind, items, refs[ref.Kind], err)
		} else {
			sweep, err = orch.Sweep(ctx, st, items, refs[ref.Kind])
			if err != nil {
				return nil, fmt.Errorf("sweeping %s: %w", ref.Kind, err)
			}
		}
		sweep.From = ref.From

		sweepIndex[ref.Kind] = len(jr.Sweeps)
		jr.Sweeps = append(jr.Sweeps, *sweep)
	}

	for _, s := range jr.Sweeps {
		jr.TotalRuns += s.Total
		jr.SucceededRuns += s.Succeeded
		jr.FailedRuns += s.Failed
		jr.SkippedRuns += s.Skipped
		jr.InterruptedRuns += s.Interrupted
		jr.Cancelled = jr.Cancelled || s.Cancelled
	}
	jr.Cancelled = jr.Cancelled || ctx.Err() != nil
	jr.TotalCost = env.Cost()
	jr.EndedAt = time.Now()
	jr.TotalDurationSec = jr.EndedAt.Sub(jr.StartedAt).Seconds()
	failed = jr.FailedRuns > 0

	if err := writeJSON(filepath.Join(runDir, "result.json"), jr); err != nil {
		return jr, err
	}
	return jr, nil
}

// resolveReferences returns the host path of each stage's reference volume.
func (r *Runner) resolveReferences(ctx context.Context, col *models.Collection) (map[models.StageKind]string, error) {
	refs := make(map[models.StageKind]string)

	var pending []*registry.RegistryTemplate
	var pendingKinds []models.StageKind

	for _, sr := range r.cfg.Stages {
		ref := sr.Reference
		if ref == nil {
			continue
		}
		switch {
		case ref.Path != nil:
			p, err := filepath.Abs(*ref.Path)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", sr.Kind, err)
			}
			if _, err := os.Stat(p); err != nil {
				return nil, fmt.Errorf("%s: reference volume: %w", sr.Kind, err)
			}
			refs[sr.Kind] = p
		case ref.Index != nil:
			item, ok := col.At(*ref.Index)
			if !ok {
				return nil, fmt.Errorf("%s: reference index %d is outside the collection of %d items", sr.Kind, *ref.Index, col.Len())
			}
			refs[sr.Kind] = item.Path
		case ref.Registry != nil:
			templates, err := loadRegistry(ctx, ref.Registry)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", sr.Kind, err)
			}
			tmpl, err := registry.FindTemplate(templates, ref.Name, ref.Version)
			if err != nil {
				return nil, fmt.Errorf("%s: %w", sr.Kind, err)
			}
			pending = append(pending, tmpl)
			pendingKinds = append(pendingKinds, sr.Kind)
		}
	}

	if len(pending) == 0 {
		return refs, nil
	}

	resolver, err := registry.NewResolver(r.RegistryCacheDir)
	if err != nil {
		return nil, err
	}
	paths, err := resolver.ResolveAll(ctx, pending)
	if err != nil {
		return nil, err
	}
	for i, kind := range pendingKinds {
		refs[kind] = paths[i]
	}
	return refs, nil
}

func loadRegistry(ctx context.Context, ref *models.RegistryRef) ([]registry.RegistryTemplate, error) {
	if ref.URL != nil {
		return registry.LoadFromURL(ctx, *ref.URL)
	}
	return registry.LoadFromPath(*ref.Path)
}

// mounts returns the host directories tools must see: the directory above
// the inputs, where output directories are created, and the directory of
// every reference outside it.
func mounts(col *models.Collection, refs map[models.StageKind]string) []string {
	root := filepath.Dir(col.Dir)
	dirs := []string{root}
	seen := map[string]bool{root: true}
	for _, kind := range models.StageKinds {
		ref, ok := refs[kind]
		if !ok {
			continue
		}
		dir := filepath.Dir(ref)
		if seen[dir] || strings.HasPrefix(dir, root+string(filepath.Separator)) {
			continue
		}
		seen[dir] = true
		dirs = append(dirs, dir)
	}
	return dirs
}

func (r *Runner) setupEnvironment(ctx context.Context, name string, mountDirs []string) (environment.Environment, error) {
	ec := r.cfg.Environment

	imageRef := ec.Image
	if imageRef != "" {
		if info, err := os.Stat(imageRef); err == nil && info.IsDir() {
			ref, err := r.provider.BuildImage(ctx, environment.BuildImageOptions{
				ContextDir: imageRef,
				Tag:        name,
			})
			if err != nil {
				return nil, fmt.Errorf("building image: %w", err)
			}
			imageRef = ref
		} else if err := r.provider.PullImage(ctx, imageRef); err != nil {
			return nil, fmt.Errorf("pulling image: %w", err)
		}
	}

	memoryMB, err := util.ParseMemory(ec.Memory)
	if err != nil {
		return nil, err
	}

	slog.Info("creating environment",
		"type", r.provider.Name(),
		"name", name,
		"image", imageRef,
		"mounts", mountDirs)

	env, err := r.provider.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{
		Name:     name,
		ImageRef: imageRef,
		CPUs:     ec.CPUs,
		MemoryMB: memoryMB,
		Env:      ec.Env,
		Mounts:   mountDirs,
	})
	if err != nil {
		return nil, fmt.Errorf("creating environment: %w", err)
	}
	return env, nil
}

// teardown applies the preserve policy. It uses a fresh context so an
// interrupted run still removes its environment.
func (r *Runner) teardown(env environment.Environment, failed bool) {
	switch r.cfg.Environment.PreserveEnv {
	case models.PreserveAlways:
		slog.Info("preserving environment", "id", env.ID())
		return
	case models.PreserveOnFailure:
		if failed {
			slog.Info("preserving environment after failure", "id", env.ID())
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	if err := env.Destroy(ctx); err != nil {
		slog.Warn("destroying environment",
			"id", env.ID(),
			"error_type", models.ErrEnvironmentTeardownFailed,
			"error", err)
	}
}

// unresolvedSweep reports every item as failed because the stage tool could not be found.
func unresolvedSweep(kind models.StageKind, col *models.Collection, reference string, cause error) *models.SweepResult {
	now := time.Now()
	res := &models.SweepResult{
		Stage:     kind,
		Reference: reference,
		StartedAt: now,
		EndedAt:   now,
		Runs:      make([]models.StageRun, 0, col.Len()),
	}
	for _, item := range col.Items {
		res.Runs = append(res.Runs, models.StageRun{
			Stage:     kind,
			Index:     item.Index,
			Input:     item.Path,
			Reference: reference,
			ExitCode:  -1,
			Error:     &models.RunError{Type: models.ErrToolNotFound, Message: cause.Error()},
			StartedAt: now,
			EndedAt:   now,
		})
	}
	summarize(res)
	return res
}

func writeJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", filepath.Base(path), err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	return nil
}

// RunFromConfig loads a sweep file and executes the job. Relative paths in
// the file are taken relative to the file's directory.
func RunFromConfig(ctx context.Context, configPath string) (*models.JobResult, error) {
	cfg, err := config.LoadSweepConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading sweep config: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	ResolvePaths(&cfg, filepath.Dir(absConfig))

	stages, err := stage.NewLoader().Load(cfg.StagesFile)
	if err != nil {
		return nil, err
	}

	provider, err := NewProvider(cfg.Environment)
	if err != nil {
		return nil, fmt.Errorf("creating provider: %w", err)
	}

	return NewRunner(cfg, stages, provider, NewInvoker(cfg)).Run(ctx)
}

// ResolvePaths makes every relative path in cfg relative to base.
func ResolvePaths(cfg *models.SweepConfig, base string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(base, p)
	}
	cfg.RunsDir = abs(cfg.RunsDir)
	cfg.StagesFile = abs(cfg.StagesFile)
	cfg.Data.Path = abs(cfg.Data.Path)
	for i := range cfg.Stages {
		ref := cfg.Stages[i].Reference
		if ref == nil {
			continue
		}
		if ref.Path != nil {
			p := abs(*ref.Path)
			ref.Path = &p
		}
		if ref.Registry != nil && ref.Registry.Path != nil {
			p := abs(*ref.Registry.Path)
			ref.Registry.Path = &p
		}
	}
	// A directory image is a build context; registry references are left alone.
	if img := cfg.Environment.Image; img != "" && (strings.HasPrefix(img, "./") || strings.HasPrefix(img, "../")) {
		cfg.Environment.Image = abs(img)
	}
}
