package registry

import (
	"encoding/json"
	"fmt"

	"github.com/google/jsonschema-go/jsonschema"

	"github.com/taskhub/taskhub/internal/taskerr"
)

// Validator validates task parameters against a compiled JSON Schema,
// replacing the original implementation's pydantic params_model with a
// declarative schema every task definition carries inline.
type Validator struct {
	resolved *jsonschema.Resolved
}

// NewValidator compiles a raw JSON Schema document.
func NewValidator(schemaJSON []byte) (*Validator, error) {
	var schema jsonschema.Schema
	if err := json.Unmarshal(schemaJSON, &schema); err != nil {
		return nil, fmt.Errorf("parse schema: %w", err)
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		return nil, fmt.Errorf("resolve schema: %w", err)
	}
	return &Validator{resolved: resolved}, nil
}

// Validate checks raw params JSON against the compiled schema, returning
// an ErrValidation on any violation.
func (v *Validator) Validate(paramsJSON []byte) (map[string]any, error) {
	var instance map[string]any
	if len(paramsJSON) == 0 {
		instance = map[string]any{}
	} else if err := json.Unmarshal(paramsJSON, &instance); err != nil {
		return nil, taskerr.Validation("params is not a JSON object: " + err.Error())
	}
	if err := v.resolved.Validate(instance); err != nil {
		return nil, taskerr.Validation("params failed schema validation: " + err.Error())
	}
	return instance, nil
}
