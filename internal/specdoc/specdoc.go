// Package specdoc validates task spec payloads against a JSON Schema
// before they enter the store. Validation happens once at the boundary;
// everything downstream may assume a well-formed spec document.
package specdoc

import (
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// schemaJSON is the shape every task spec must satisfy: an objective to
// pursue, optional constraints and acceptance criteria, free-form
// metadata.
const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["objective"],
  "properties": {
    "objective": {
      "type": "string",
      "minLength": 1
    },
    "constraints": {
      "type": "array",
      "items": {"type": "string"}
    },
    "acceptance": {
      "type": "array",
      "items": {"type": "string"}
    },
    "metadata": {
      "type": "object"
    }
  },
  "additionalProperties": false
}`

type Validator struct {
	schema *jsonschema.Schema
}

// NewValidator compiles the built-in spec schema. Compilation failure is
// a programming error surfaced at startup, not at request time.
func NewValidator() (*Validator, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("specdoc: parse schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("taskos://spec.schema.json", doc); err != nil {
		return nil, fmt.Errorf("specdoc: add schema resource: %w", err)
	}
	schema, err := compiler.Compile("taskos://spec.schema.json")
	if err != nil {
		return nil, fmt.Errorf("specdoc: compile schema: %w", err)
	}
	return &Validator{schema: schema}, nil
}

// Validate checks one spec payload. The returned error names the first
// schema violation.
func (v *Validator) Validate(spec string) error {
	if strings.TrimSpace(spec) == "" {
		return fmt.Errorf("specdoc: empty spec payload")
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(spec))
	if err != nil {
		return fmt.Errorf("specdoc: spec is not valid JSON: %w", err)
	}
	if err := v.schema.Validate(inst); err != nil {
		return fmt.Errorf("specdoc: spec rejected: %w", err)
	}
	return nil
}
