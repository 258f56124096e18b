// Package schema validates structured model output against JSON Schema
// documents before it is decoded into domain types.
package schema

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/polisai/plantwatch/pkg/domain"
	"github.com/xeipuuv/gojsonschema"
)

// Schema is a compiled JSON Schema with a name used in error reports.
type Schema struct {
	name   string
	schema *gojsonschema.Schema
}

// Compile parses a JSON Schema document.
func Compile(name, source string) (*Schema, error) {
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(source))
	if err != nil {
		return nil, fmt.Errorf("compile schema %s: %w", name, err)
	}
	return &Schema{name: name, schema: s}, nil
}

// MustCompile is Compile for package-level schemas.
func MustCompile(name, source string) *Schema {
	s, err := Compile(name, source)
	if err != nil {
		panic(err)
	}
	return s
}

// Name returns the schema name.
func (s *Schema) Name() string { return s.name }

// Validate checks doc (any JSON-compatible Go value) and returns one
// FieldError per violation, sorted by field.
func (s *Schema) Validate(doc any) []domain.FieldError {
	result, err := s.schema.Validate(gojsonschema.NewGoLoader(doc))
	if err != nil {
		return []domain.FieldError{{Message: err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	errs := make([]domain.FieldError, 0, len(result.Errors()))
	for _, re := range result.Errors() {
		field := re.Field()
		if field == "(root)" {
			field = ""
		}
		errs = append(errs, domain.FieldError{Field: field, Message: re.Description()})
	}
	sort.SliceStable(errs, func(i, j int) bool { return errs[i].Field < errs[j].Field })
	return errs
}

// Decode parses raw JSON, validates it, and unmarshals it into out. Failures
// are reported as *domain.ValidationError.
func (s *Schema) Decode(raw []byte, out any) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return &domain.ValidationError{Schema: s.name, Err: err}
	}
	if fields := s.Validate(doc); len(fields) > 0 {
		return &domain.ValidationError{Schema: s.name, Fields: fields}
	}
	// Re-encoding writes integral numbers such as 3.0 as 3, so values the
	// schema accepts as integers also decode into int fields.
	normalized, err := json.Marshal(doc)
	if err != nil {
		return &domain.ValidationError{Schema: s.name, Err: err}
	}
	if err := json.Unmarshal(normalized, out); err != nil {
		return &domain.ValidationError{Schema: s.name, Err: err}
	}
	return nil
}
