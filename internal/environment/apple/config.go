package apple

// ProviderConfig holds Apple Container-specific configuration.
type ProviderConfig struct {
	// Binary is the container CLI to invoke. Defaults to "container".
	Binary string
	// User is "uid[:gid]" to run tools as, overriding detection from the image.
	User string
}

// ParseProviderConfig extracts Apple Container-specific config from the generic config map.
func ParseProviderConfig(config map[string]any) ProviderConfig {
	pc := ProviderConfig{Binary: "container"}
	if config == nil {
		return pc
	}
	if v, ok := config["binary"].(string); ok && v != "" {
		pc.Binary = v
	}
	if v, ok := config["user"].(string); ok {
		pc.User = v
	}
	return pc
}
