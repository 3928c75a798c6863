package stage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spachava753/volsweep/internal/models"
)

// compoundExts are multi-part extensions stripped as a unit.
var compoundExts = []string{".nii.gz"}

// Stem returns the base name of path without its extension.
func Stem(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, Ext(base))
}

// Ext returns the extension of path, treating compound extensions as one.
func Ext(path string) string {
	lower := strings.ToLower(path)
	for _, ext := range compoundExts {
		if strings.HasSuffix(lower, ext) && len(lower) > len(ext) {
			return path[len(path)-len(ext):]
		}
	}
	return filepath.Ext(path)
}

// Outputs are the derived locations of one stage run.
type Outputs struct {
	Dir       string
	Path      string
	Transform string // registration only
}

// OutputDirName returns the name of the directory a stage writes into,
// created beside the directory holding the inputs.
func OutputDirName(kind models.StageKind, reference string) (string, error) {
	switch kind {
	case models.StageBiasCorrection:
		return "corrected", nil
	case models.StageRegistration, models.StageHistogramMatch:
		if reference == "" {
			return "", fmt.Errorf("%s: %w", kind, models.ErrReferenceRequired)
		}
		name := "to_" + Stem(reference)
		if kind == models.StageHistogramMatch {
			name += "-Matched"
		}
		return name, nil
	}
	return "", fmt.Errorf("unknown stage %q", kind)
}

// Derive computes where a stage writes its results for input. The output
// directory is a sibling of the input's directory; the file keeps the input's
// stem and takes the stage's output extension, or the input's own extension
// when none is configured.
func Derive(kind models.StageKind, cfg models.StageConfig, input, reference string) (Outputs, error) {
	dirName, err := OutputDirName(kind, reference)
	if err != nil {
		return Outputs{}, err
	}

	dir := filepath.Join(filepath.Dir(filepath.Dir(input)), dirName)
	stem := Stem(input)

	ext := cfg.OutputExt
	if ext == "" {
		ext = Ext(input)
	}

	out := Outputs{
		Dir:  dir,
		Path: filepath.Join(dir, stem+ext),
	}

	if kind == models.StageRegistration {
		if cfg.TransformExt == "" {
			return Outputs{}, fmt.Errorf("%s: transform_ext is required", kind)
		}
		if cfg.TransformExt == ext {
			return Outputs{}, fmt.Errorf("%s: transform_ext %q collides with the output extension", kind, ext)
		}
		out.Transform = filepath.Join(dir, stem+cfg.TransformExt)
	}

	return out, nil
}

// EnsureDir creates dir and its parents if they do not exist yet.
func EnsureDir(dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating output directory %s: %w", dir, err)
	}
	return nil
}
