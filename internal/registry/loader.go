package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
)

// LoadFromPath loads a registry.json from a local filesystem path.
func LoadFromPath(path string) ([]RegistryTemplate, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading registry file: %w", err)
	}
	return parse(data)
}

// LoadFromURL loads a registry.json from a remote URL.
func LoadFromURL(ctx context.Context, url string) ([]RegistryTemplate, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching registry: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching registry: HTTP %d", resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}
	return parse(data)
}

func parse(data []byte) ([]RegistryTemplate, error) {
	var templates []RegistryTemplate
	if err := json.Unmarshal(data, &templates); err != nil {
		return nil, fmt.Errorf("parsing registry JSON: %w", err)
	}
	for i, t := range templates {
		if t.Name == "" || t.URL == "" {
			return nil, fmt.Errorf("registry entry %d: name and url are required", i)
		}
	}
	return templates, nil
}

// FindTemplate searches for a template by name and version.
// If version is empty, returns the first template with the matching name.
func FindTemplate(templates []RegistryTemplate, name, version string) (*RegistryTemplate, error) {
	for i := range templates {
		if templates[i].Name == name {
			if version == "" || templates[i].Version == version {
				return &templates[i], nil
			}
		}
	}

	if version != "" {
		return nil, fmt.Errorf("template %q version %q not found in registry", name, version)
	}
	return nil, fmt.Errorf("template %q not found in registry", name)
}
