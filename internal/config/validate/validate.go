// Package validate checks configuration documents against JSON schemas.
package validate

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema/config.schema.json
var configSchema []byte

const configSchemaName = "config.schema.json"

// ConfigSchema returns the embedded configuration schema.
func ConfigSchema() []byte {
	return configSchema
}

// ValidateAgainstSchema validates JSON data against schema. name is the
// resource name the schema is registered under and ref an optional JSON
// pointer into it selecting a subschema.
func ValidateAgainstSchema(name string, schema, data []byte, ref string) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, bytes.NewReader(schema)); err != nil {
		return fmt.Errorf("loading schema %s: %w", name, err)
	}
	target := name
	if ref != "" {
		target += "#" + ref
	}
	sch, err := compiler.Compile(target)
	if err != nil {
		return fmt.Errorf("compiling schema %s: %w", target, err)
	}

	var doc interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return fmt.Errorf("schema validation against %s failed: %w", name, err)
	}
	return nil
}

// ValidateConfigJSON validates a configuration document converted to JSON.
func ValidateConfigJSON(data []byte) error {
	return ValidateAgainstSchema(configSchemaName, configSchema, data, "")
}
