package modal

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
)

// MinImageBuilderVersion is the oldest Modal image builder that supports
// DockerfileCommands on registry images.
const MinImageBuilderVersion = "2025.06"

// ConfigReader returns the JSON printed by `modal config show`.
type ConfigReader interface {
	ReadConfig() ([]byte, error)
}

type cliConfigReader struct{}

func (cliConfigReader) ReadConfig() ([]byte, error) {
	bin, err := exec.LookPath("modal")
	if err != nil {
		return nil, fmt.Errorf("modal CLI not found: %w", err)
	}
	return exec.Command(bin, "config", "show").Output()
}

var defaultConfigReader ConfigReader = cliConfigReader{}

func checkImageBuilderVersion() error {
	return checkImageBuilderVersionWith(defaultConfigReader)
}

func checkImageBuilderVersionWith(reader ConfigReader) error {
	raw, err := reader.ReadConfig()
	if err != nil {
		return fmt.Errorf("failed to get modal config: %w", err)
	}

	var cfg struct {
		ImageBuilderVersion *string `json:"image_builder_version"`
	}
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return fmt.Errorf("failed to parse modal config: %w", err)
	}

	fix := fmt.Sprintf("version %s or later is required. Run: modal config set image_builder_version %s",
		MinImageBuilderVersion, MinImageBuilderVersion)

	// Versions are YYYY.MM, so string order is release order.
	switch v := cfg.ImageBuilderVersion; {
	case v == nil || *v == "":
		return fmt.Errorf("modal image_builder_version is not set; %s", fix)
	case *v < MinImageBuilderVersion:
		return fmt.Errorf("modal image_builder_version %q is too old; %s", *v, fix)
	default:
		slog.Debug("modal image builder version check passed", "version", *v)
		return nil
	}
}
