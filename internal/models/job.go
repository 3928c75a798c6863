package models

// PreservePolicy controls environment cleanup behavior.
type PreservePolicy string

const (
	PreserveNever     PreservePolicy = "never"
	PreserveAlways    PreservePolicy = "always"
	PreserveOnFailure PreservePolicy = "on_failure"
)

// SweepConfig represents the parsed sweep.yaml configuration.
type SweepConfig struct {
	Name              *string           `yaml:"name,omitempty" json:"name,omitempty"`
	RunsDir           string            `yaml:"runs_dir" json:"runs_dir"`
	LogLevel          string            `yaml:"log_level,omitempty" json:"log_level,omitempty"`
	StagesFile        string            `yaml:"stages_file,omitempty" json:"stages_file,omitempty"`
	TimeoutMultiplier float64           `yaml:"timeout_multiplier" json:"timeout_multiplier"`
	VerifyOutputs     bool              `yaml:"verify_outputs" json:"verify_outputs"`
	Retry             RetryConfig       `yaml:"retry,omitempty" json:"retry,omitempty"`
	Data              DataConfig        `yaml:"data" json:"data"`
	Stages            []StageRef        `yaml:"stages" json:"stages"`
	Environment       EnvironmentConfig `yaml:"environment" json:"environment"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" json:"max_attempts"`
	InitialDelayMs int     `yaml:"initial_delay_ms" json:"initial_delay_ms"`
	MaxDelayMs     int     `yaml:"max_delay_ms" json:"max_delay_ms"`
	Multiplier     float64 `yaml:"multiplier" json:"multiplier"`
}

// DataConfig locates the numbered input volumes.
type DataConfig struct {
	Path     string `yaml:"path" json:"path"`
	Pattern  string `yaml:"pattern" json:"pattern"`
	MaxIndex int    `yaml:"max_index,omitempty" json:"max_index,omitempty"`
}

// StageRef selects one stage of the sweep. From chains the stage onto the
// outputs of an earlier stage for the same items.
type StageRef struct {
	Kind      StageKind     `yaml:"kind" json:"kind"`
	From      StageKind     `yaml:"from,omitempty" json:"from,omitempty"`
	Reference *ReferenceRef `yaml:"reference,omitempty" json:"reference,omitempty"`
}

// ReferenceRef names the volume every item is registered or matched against.
// Exactly one of Path, Index or Registry must be set.
type ReferenceRef struct {
	Path     *string      `yaml:"path,omitempty" json:"path,omitempty"`
	Index    *int         `yaml:"index,omitempty" json:"index,omitempty"`
	Registry *RegistryRef `yaml:"registry,omitempty" json:"registry,omitempty"`
	Name     string       `yaml:"name,omitempty" json:"name,omitempty"`
	Version  string       `yaml:"version,omitempty" json:"version,omitempty"`
}

type RegistryRef struct {
	Path *string `yaml:"path,omitempty" json:"path,omitempty"`
	URL  *string `yaml:"url,omitempty" json:"url,omitempty"`
}

type EnvironmentConfig struct {
	Type           string            `yaml:"type" json:"type"`
	Image          string            `yaml:"image,omitempty" json:"image,omitempty"`
	PreserveEnv    PreservePolicy    `yaml:"preserve_env" json:"preserve_env"`
	CPUs           string            `yaml:"cpus,omitempty" json:"cpus,omitempty"`
	Memory         string            `yaml:"memory,omitempty" json:"memory,omitempty"`
	Env            map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
	ProviderConfig map[string]any    `yaml:"provider_config,omitempty" json:"provider_config,omitempty"`
}
