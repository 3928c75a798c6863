package models

import "fmt"

// StageKind names one of the external tools a sweep can apply.
type StageKind string

const (
	StageBiasCorrection StageKind = "bias_correction"
	StageRegistration   StageKind = "registration"
	StageHistogramMatch StageKind = "histogram_match"
)

// StageKinds lists every known stage in pipeline order.
var StageKinds = []StageKind{StageBiasCorrection, StageRegistration, StageHistogramMatch}

// ParseStageKind validates a stage name from configuration or the command line.
func ParseStageKind(s string) (StageKind, error) {
	for _, k := range StageKinds {
		if string(k) == s {
			return k, nil
		}
	}
	return "", fmt.Errorf("unknown stage %q", s)
}

// NeedsReference reports whether the stage compares each item against a reference volume.
func (k StageKind) NeedsReference() bool {
	return k == StageRegistration || k == StageHistogramMatch
}

// Placeholders substituted into option values when the argument list is assembled.
const (
	PlaceholderInput     = "{input}"
	PlaceholderOutput    = "{output}"
	PlaceholderReference = "{reference}"
	PlaceholderTransform = "{transform}"
)

// Option is one entry of a tool's argument template. An empty Flag makes the
// value positional; an empty Value makes the flag a bare switch.
type Option struct {
	Flag  string `toml:"flag,omitempty" json:"flag,omitempty"`
	Value string `toml:"value,omitempty" json:"value,omitempty"`
}

// StageConfig represents one stage table of stages.toml.
type StageConfig struct {
	Tool         string   `toml:"tool" json:"tool"`
	ToolDir      string   `toml:"tool_dir,omitempty" json:"tool_dir,omitempty"`
	OutputExt    string   `toml:"output_ext" json:"output_ext"`
	TransformExt string   `toml:"transform_ext,omitempty" json:"transform_ext,omitempty"`
	TimeoutSec   float64  `toml:"timeout_sec" json:"timeout_sec"` // 0 disables the timeout
	Timeout      string   `toml:"timeout,omitempty" json:"-"`     // Deprecated: use TimeoutSec
	Options      []Option `toml:"option" json:"options"`
}

// StagesConfig represents the parsed stages.toml file.
type StagesConfig struct {
	BiasCorrection StageConfig `toml:"bias_correction" json:"bias_correction"`
	Registration   StageConfig `toml:"registration" json:"registration"`
	HistogramMatch StageConfig `toml:"histogram_match" json:"histogram_match"`
}

// Get returns the configuration for a stage kind.
func (c *StagesConfig) Get(kind StageKind) (*StageConfig, error) {
	switch kind {
	case StageBiasCorrection:
		return &c.BiasCorrection, nil
	case StageRegistration:
		return &c.Registration, nil
	case StageHistogramMatch:
		return &c.HistogramMatch, nil
	}
	return nil, fmt.Errorf("unknown stage %q", kind)
}

// Stage is a fully resolved stage ready for invocation.
type Stage struct {
	Kind   StageKind
	Config StageConfig
	// Executable is the tool path as it will be passed to the environment.
	Executable string
}
