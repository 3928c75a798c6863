package stage

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/volsweep/internal/config"
	"github.com/spachava753/volsweep/internal/models"
)

// ErrToolNotFound is returned when a stage's executable cannot be located on the host.
var ErrToolNotFound = errors.New("tool not found")

// slicerModulesDir is where Slicer 4.2 installs its command-line modules, relative to SLICER_HOME.
const slicerModulesDir = "lib/Slicer-4.2/cli-modules"

// Loader loads and resolves stage definitions.
type Loader struct{}

// NewLoader creates a new stage loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load reads stage definitions from path, or returns the defaults when path is empty.
func (l *Loader) Load(path string) (models.StagesConfig, error) {
	if path == "" {
		return config.DefaultStagesConfig(), nil
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return models.StagesConfig{}, fmt.Errorf("getting absolute path: %w", err)
	}

	cfg, err := config.LoadStagesConfig(os.DirFS(filepath.Dir(absPath)), filepath.Base(absPath))
	if err != nil {
		return cfg, fmt.Errorf("loading stage config: %w", err)
	}

	if err := l.Validate(cfg); err != nil {
		return cfg, err
	}

	return cfg, nil
}

// LoadFS reads stage definitions from the named file in fsys.
func (l *Loader) LoadFS(fsys fs.FS, name string) (models.StagesConfig, error) {
	cfg, err := config.LoadStagesConfig(fsys, name)
	if err != nil {
		return cfg, fmt.Errorf("loading stage config: %w", err)
	}
	if err := l.Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks that every stage template carries the placeholders its naming rule fills.
func (l *Loader) Validate(cfg models.StagesConfig) error {
	for _, kind := range models.StageKinds {
		sc, _ := cfg.Get(kind)
		if err := validateStage(kind, *sc); err != nil {
			return fmt.Errorf("stage %s: %w", kind, err)
		}
	}
	return nil
}

func validateStage(kind models.StageKind, sc models.StageConfig) error {
	if strings.TrimSpace(sc.Tool) == "" {
		return errors.New("tool is required")
	}

	used := placeholders(sc.Options)
	for ph := range used {
		if !knownPlaceholders[ph] {
			return fmt.Errorf("unknown placeholder %s", ph)
		}
	}

	required := []string{models.PlaceholderInput, models.PlaceholderOutput}
	if kind.NeedsReference() {
		required = append(required, models.PlaceholderReference)
	} else if used[models.PlaceholderReference] {
		return fmt.Errorf("%s is not available for this stage", models.PlaceholderReference)
	}
	if kind == models.StageRegistration {
		required = append(required, models.PlaceholderTransform)
	} else if used[models.PlaceholderTransform] {
		return fmt.Errorf("%s is not available for this stage", models.PlaceholderTransform)
	}

	for _, ph := range required {
		if !used[ph] {
			return fmt.Errorf("template must use %s", ph)
		}
	}
	return nil
}

// ToolPath joins the configured tool with its directory. tool_dir expands
// environment variables; when it is empty and SLICER_HOME is set, the Slicer
// module directory is used.
func ToolPath(sc models.StageConfig) string {
	if filepath.IsAbs(sc.Tool) {
		return sc.Tool
	}
	dir := os.ExpandEnv(sc.ToolDir)
	if dir == "" {
		if home := os.Getenv("SLICER_HOME"); home != "" {
			dir = filepath.Join(home, slicerModulesDir)
		}
	}
	if dir == "" {
		return sc.Tool
	}
	return filepath.Join(dir, sc.Tool)
}

// Resolve turns a stage definition into a runnable stage. With onHost set the
// executable must exist locally and is returned as an absolute path;
// otherwise the path is passed through to the environment unchanged.
func (l *Loader) Resolve(kind models.StageKind, cfg models.StagesConfig, onHost bool) (models.Stage, error) {
	sc, err := cfg.Get(kind)
	if err != nil {
		return models.Stage{}, err
	}

	exe := ToolPath(*sc)
	if onHost {
		resolved, err := lookTool(exe)
		if err != nil {
			return models.Stage{}, fmt.Errorf("%s: %w", kind, err)
		}
		exe = resolved
	}

	slog.Debug("resolved stage tool", "stage", kind, "executable", exe, "on_host", onHost)
	return models.Stage{Kind: kind, Config: *sc, Executable: exe}, nil
}

func lookTool(exe string) (string, error) {
	if !strings.ContainsRune(exe, filepath.Separator) {
		path, err := exec.LookPath(exe)
		if err != nil {
			return "", fmt.Errorf("%w: %s is not on PATH", ErrToolNotFound, exe)
		}
		return filepath.Abs(path)
	}

	info, err := os.Stat(exe)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, exe)
	}
	if info.IsDir() || info.Mode().Perm()&0111 == 0 {
		return "", fmt.Errorf("%w: %s is not executable", ErrToolNotFound, exe)
	}
	return filepath.Abs(exe)
}

// ToolStatus reports whether one stage's executable could be located.
type ToolStatus struct {
	Kind       models.StageKind
	Executable string
	Err        error
}

// Check resolves every stage tool on the host concurrently.
func (l *Loader) Check(ctx context.Context, cfg models.StagesConfig) []ToolStatus {
	statuses := make([]ToolStatus, len(models.StageKinds))

	g, _ := errgroup.WithContext(ctx)
	for i, kind := range models.StageKinds {
		g.Go(func() error {
			st := ToolStatus{Kind: kind}
			s, err := l.Resolve(kind, cfg, true)
			if err != nil {
				sc, _ := cfg.Get(kind)
				st.Executable = ToolPath(*sc)
				st.Err = err
			} else {
				st.Executable = s.Executable
			}
			statuses[i] = st
			return nil
		})
	}
	g.Wait()

	return statuses
}
