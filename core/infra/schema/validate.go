package schema

import (
	"bytes"
	"encoding/json"
	"fmt"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

// Compile compiles a JSON schema document for repeated validation.
func Compile(id string, doc []byte) (*jsonschema.Schema, error) {
	if len(doc) == 0 {
		return nil, fmt.Errorf("schema is empty")
	}
	resourceID := schemaID(id)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(resourceID, bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(resourceID)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return compiled, nil
}

// MustCompile compiles a schema document or panics; for package-level schemas.
func MustCompile(id string, doc []byte) *jsonschema.Schema {
	compiled, err := Compile(id, doc)
	if err != nil {
		panic(err)
	}
	return compiled
}

// Validate checks a value against a compiled schema. Raw JSON values are
// decoded first so callers can pass wire bytes directly.
func Validate(compiled *jsonschema.Schema, value any) error {
	if compiled == nil {
		return fmt.Errorf("schema is nil")
	}
	payload, err := normalizeValue(value)
	if err != nil {
		return fmt.Errorf("normalize payload: %w", err)
	}
	if err := compiled.Validate(payload); err != nil {
		return fmt.Errorf("schema validation failed: %w", err)
	}
	return nil
}

// ValidateDoc compiles and validates in one shot; for one-off checks.
func ValidateDoc(id string, doc []byte, value any) error {
	compiled, err := Compile(id, doc)
	if err != nil {
		return err
	}
	return Validate(compiled, value)
}

func normalizeValue(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	case []byte:
		var out any
		if err := json.Unmarshal(v, &out); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return out, nil
	default:
		return value, nil
	}
}

func schemaID(id string) string {
	if id == "" {
		id = "schema"
	}
	return "inmemory://" + id
}
