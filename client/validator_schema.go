//go:build !noschema

package client

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/xeipuuv/gojsonschema"
)

//go:embed config.schema.json
var configSchema string

// SchemaConfigValidator validates configs against the embedded JSON schema.
type SchemaConfigValidator struct{}

func defaultConfigValidator() ConfigValidator { return SchemaConfigValidator{} }

// ValidateConfig implements ConfigValidator.
func (SchemaConfigValidator) ValidateConfig(cfg ClientConfig) error {
	doc, err := json.Marshal(cfg)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("encode config: %v", err)}
	}

	result, err := gojsonschema.Validate(
		gojsonschema.NewStringLoader(configSchema),
		gojsonschema.NewBytesLoader(doc),
	)
	if err != nil {
		return &ConfigurationError{Reason: fmt.Sprintf("schema validation: %v", err)}
	}
	if result.Valid() {
		return nil
	}

	errs := result.Errors()
	reasons := make([]string, 0, len(errs))
	for _, e := range errs {
		reasons = append(reasons, e.String())
	}
	return &ConfigurationError{Field: errs[0].Field(), Reason: strings.Join(reasons, "; ")}
}
