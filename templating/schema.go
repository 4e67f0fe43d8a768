package templating

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// CompiledSchema wraps a compiled JSON-Schema document used to validate
// a request's user-defined parameters (§4.3). Compilation happens once
// at config-load time; Validate is cheap and safe for concurrent use.
type CompiledSchema struct {
	schema *jsonschema.Schema
}

// CompileSchema compiles a JSON-Schema document (as configured by the
// operator) into a CompiledSchema.
func CompileSchema(schemaJSON []byte) (*CompiledSchema, error) {
	var doc any
	if err := json.Unmarshal(schemaJSON, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse json schema document: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	const resourceName = "user-defined-parameters.json"
	if err := compiler.AddResource(resourceName, doc); err != nil {
		return nil, fmt.Errorf("failed to add json schema resource: %w", err)
	}

	compiled, err := compiler.Compile(resourceName)
	if err != nil {
		return nil, fmt.Errorf("failed to compile json schema: %w", err)
	}

	return &CompiledSchema{schema: compiled}, nil
}

// Validate checks params against the compiled schema.
func (c *CompiledSchema) Validate(params json.RawMessage) error {
	var doc any
	decoder := json.NewDecoder(bytes.NewReader(params))
	decoder.UseNumber()
	if err := decoder.Decode(&doc); err != nil {
		return fmt.Errorf("user-defined parameters is not valid JSON: %w", err)
	}
	return c.schema.Validate(doc)
}
