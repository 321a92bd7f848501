// Package validation checks request bodies against JSON schemas.
package validation

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// SubmitSchema describes the body of POST /tasks.
const SubmitSchema = `{
	"type": "object",
	"properties": {
		"type": {"type": "string", "minLength": 1}
	},
	"required": ["type"],
	"additionalProperties": false
}`

// Schema is a compiled JSON schema.
type Schema struct {
	sch *jsonschema.Schema
}

// Compile compiles a schema held in a string. name is used in error messages.
func Compile(name, schemaJSON string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(name, strings.NewReader(schemaJSON)); err != nil {
		return nil, fmt.Errorf("failed to add schema resource: %w", err)
	}
	sch, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("failed to compile JSON schema %s: %w", name, err)
	}
	return &Schema{sch: sch}, nil
}

// MustCompile is like Compile but panics on error. Use it for schemas built into
// the binary.
func MustCompile(name, schemaJSON string) *Schema {
	s, err := Compile(name, schemaJSON)
	if err != nil {
		panic(err)
	}
	return s
}

// Validate checks a raw JSON document against the schema.
func (s *Schema) Validate(data []byte) error {
	var doc interface{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return fmt.Errorf("invalid JSON: %w", err)
	}

	if err := s.sch.Validate(doc); err != nil {
		if verr, ok := err.(*jsonschema.ValidationError); ok {
			return fmt.Errorf("request failed validation: %v", verr)
		}
		return fmt.Errorf("request failed validation: %w", err)
	}
	return nil
}
