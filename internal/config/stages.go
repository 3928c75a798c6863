package config

import (
	"fmt"
	"io/fs"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spachava753/volsweep/internal/models"
)

// StagesFileName is the default name of the stage definition file.
const StagesFileName = "stages.toml"

// DefaultStagesConfig returns the stock argument templates of the three Slicer CLI modules.
func DefaultStagesConfig() models.StagesConfig {
	return models.StagesConfig{
		BiasCorrection: models.StageConfig{
			Tool:      "N4ITKBiasFieldCorrection",
			OutputExt: ".nrrd",
			Options: []models.Option{
				{Flag: "--inputimage", Value: models.PlaceholderInput},
				{Flag: "--outputimage", Value: models.PlaceholderOutput},
				{Flag: "--meshresolution", Value: "1,1,1"},
				{Flag: "--splinedistance", Value: "0"},
				{Flag: "--bffwhm", Value: "0"},
				{Flag: "--iterations", Value: "500,400,300"},
				{Flag: "--convergencethreshold", Value: "0.0001"},
				{Flag: "--bsplineorder", Value: "3"},
				{Flag: "--shrinkfactor", Value: "4"},
				{Flag: "--wienerfilternoise", Value: "0"},
				{Flag: "--nhistogrambins", Value: "0"},
			},
		},
		Registration: models.StageConfig{
			Tool:         "BRAINSFit",
			OutputExt:    ".nrrd",
			TransformExt: ".h5",
			Options: []models.Option{
				{Flag: "--fixedVolume", Value: models.PlaceholderReference},
				{Flag: "--movingVolume", Value: models.PlaceholderInput},
				{Flag: "--outputVolume", Value: models.PlaceholderOutput},
				{Flag: "--outputTransform", Value: models.PlaceholderTransform},
				{Flag: "--initializeTransformMode", Value: "useMomentsAlign"},
				{Flag: "--transformType", Value: "Rigid,Affine"},
				{Flag: "--samplingPercentage", Value: "0.02"},
				{Flag: "--numberOfIterations", Value: "1500"},
				{Flag: "--interpolationMode", Value: "Linear"},
			},
		},
		HistogramMatch: models.StageConfig{
			Tool:      "HistogramMatching",
			OutputExt: ".nrrd",
			Options: []models.Option{
				{Flag: "--numberOfHistogramLevels", Value: "128"},
				{Flag: "--numberOfMatchPoints", Value: "10"},
				{Flag: "--threshold"},
				{Value: models.PlaceholderInput},
				{Value: models.PlaceholderReference},
				{Value: models.PlaceholderOutput},
			},
		},
	}
}

// LoadStagesConfig loads stage definitions from the named file in fsys and
// overlays them on DefaultStagesConfig. Keys absent from the file keep their
// defaults; a stage that declares any option replaces the whole option list.
func LoadStagesConfig(fsys fs.FS, name string) (models.StagesConfig, error) {
	cfg := DefaultStagesConfig()

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", name, err)
	}

	var file models.StagesConfig
	md, err := toml.Decode(string(data), &file)
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", name, err)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return cfg, fmt.Errorf("parsing %s: unknown key %q", name, undecoded[0].String())
	}

	for _, kind := range models.StageKinds {
		dst, _ := cfg.Get(kind)
		src, _ := file.Get(kind)
		if err := overlayStage(dst, *src, md, string(kind)); err != nil {
			return cfg, fmt.Errorf("parsing %s: %s: %w", name, kind, err)
		}
	}

	return cfg, nil
}

func overlayStage(dst *models.StageConfig, src models.StageConfig, md toml.MetaData, key string) error {
	if md.IsDefined(key, "tool") {
		dst.Tool = src.Tool
	}
	if md.IsDefined(key, "tool_dir") {
		dst.ToolDir = src.ToolDir
	}
	if md.IsDefined(key, "output_ext") {
		dst.OutputExt = src.OutputExt
	}
	if md.IsDefined(key, "transform_ext") {
		dst.TransformExt = src.TransformExt
	}
	if md.IsDefined(key, "option") {
		dst.Options = src.Options
	}

	// Handle legacy 'timeout' duration if 'timeout_sec' is not explicitly set
	switch {
	case md.IsDefined(key, "timeout_sec"):
		dst.TimeoutSec = src.TimeoutSec
	case md.IsDefined(key, "timeout"):
		d, err := time.ParseDuration(src.Timeout)
		if err != nil {
			return fmt.Errorf("parsing timeout %q: %w", src.Timeout, err)
		}
		dst.TimeoutSec = d.Seconds()
	}

	if dst.TimeoutSec < 0 {
		return fmt.Errorf("timeout_sec must not be negative, got %g", dst.TimeoutSec)
	}
	return nil
}
