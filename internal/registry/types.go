package registry

// RegistryTemplate is one reference volume published in a registry.json file.
type RegistryTemplate struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description,omitempty"`
	URL         string `json:"url"`
	SHA256      string `json:"sha256,omitempty"` // empty skips verification
}

// fetchKey identifies one download. Templates sharing a URL and digest are fetched once.
type fetchKey struct {
	URL    string
	SHA256 string
}
