package polos

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// Schema is an opaque validator bound to a workflow definition: input,
// state, and output schemas on workflows, parameter schemas on tools, and
// the structured-output schema on agents. It wraps a compiled JSON schema
// and keeps the raw document for registration payloads and LLM requests.
type Schema struct {
	name     string
	raw      json.RawMessage
	compiled *jsonschema.Schema
}

// NewSchema compiles src (a JSON schema document) under the given name.
func NewSchema(name, src string) (*Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	c := jsonschema.NewCompiler()
	resource := name + ".schema.json"
	if err := c.AddResource(resource, doc); err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	compiled, err := c.Compile(resource)
	if err != nil {
		return nil, fmt.Errorf("schema %q: %w", name, err)
	}
	return &Schema{name: name, raw: json.RawMessage(src), compiled: compiled}, nil
}

// MustSchema is NewSchema that panics on a malformed document. For
// package-level schema declarations.
func MustSchema(name, src string) *Schema {
	s, err := NewSchema(name, src)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema's name.
func (s *Schema) Name() string { return s.name }

// Raw returns the raw schema document.
func (s *Schema) Raw() json.RawMessage { return s.raw }

// Validate checks a decoded JSON value (as produced by encoding/json into
// any) against the schema. Violations return ErrValidation.
func (s *Schema) Validate(v any) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	if err := s.compiled.Validate(v); err != nil {
		return &ErrValidation{Schema: s.name, Cause: err}
	}
	return nil
}

// ValidateJSON decodes raw and validates it.
func (s *Schema) ValidateJSON(raw []byte) error {
	if s == nil || s.compiled == nil {
		return nil
	}
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(&v); err != nil {
		return &ErrValidation{Schema: s.name, Cause: err}
	}
	return s.Validate(v)
}
