//go:build noschema

package client

func defaultConfigValidator() ConfigValidator { return NopConfigValidator{} }
