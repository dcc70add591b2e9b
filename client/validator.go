package client

// ConfigValidator checks a ClientConfig once, at construction time.
type ConfigValidator interface {
	ValidateConfig(cfg ClientConfig) error
}

// NopConfigValidator accepts every configuration. Builds tagged noschema use
// it as the default.
type NopConfigValidator struct{}

// ValidateConfig implements ConfigValidator.
func (NopConfigValidator) ValidateConfig(ClientConfig) error { return nil }
