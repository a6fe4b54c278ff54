package httpapi

import (
	"encoding/json"
	"fmt"
	"regexp"
)

// ValidationError describes one failed field check.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// PropertySchema constrains one JSON field, adapted from
// services/api-gateway/request_validator.go's PropertySchema, trimmed to
// the checks this surface's request bodies actually need (no nested
// array/object schemas, no format validators: every body here is a flat
// record).
type PropertySchema struct {
	Type      string // string, number, integer, boolean
	MinLength int
	MaxLength int
	Min       *float64
	Max       *float64
	Pattern   *regexp.Regexp
	Enum      []string
	Required  bool
}

// Schema is one named request-body shape.
type Schema struct {
	Required   []string
	Properties map[string]PropertySchema
	MaxSize    int
}

// Validator holds the named schemas this adapter enforces.
type Validator struct {
	schemas map[string]*Schema
}

// NewValidator registers the schemas for every validated route.
func NewValidator() *Validator {
	v := &Validator{schemas: make(map[string]*Schema)}
	v.Register("plan_approve", &Schema{
		MaxSize:  64 * 1024,
		Required: []string{"title"},
		Properties: map[string]PropertySchema{
			"title": {Type: "string", MinLength: 1, MaxLength: 256},
			"tasks": {Type: "array"},
		},
	})
	v.Register("link_create", &Schema{
		MaxSize:  8 * 1024,
		Required: []string{"from", "to", "kind"},
		Properties: map[string]PropertySchema{
			"from":     {Type: "integer"},
			"to":       {Type: "integer"},
			"kind":     {Type: "string", Enum: []string{"requires", "refers"}},
			"priority": {Type: "integer"},
		},
	})
	v.Register("task_rerun", &Schema{
		MaxSize: 16 * 1024,
		Properties: map[string]PropertySchema{
			"reason": {Type: "string", MaxLength: 2000},
		},
	})
	v.Register("evaluation_override", &Schema{
		MaxSize:  4 * 1024,
		Required: []string{"score"},
		Properties: map[string]PropertySchema{
			"score":  {Type: "number"},
			"reason": {Type: "string", MaxLength: 2000},
		},
	})
	return v
}

// Register adds or replaces a named schema.
func (v *Validator) Register(name string, s *Schema) { v.schemas[name] = s }

// ValidateJSON unmarshals data into a generic map and validates it
// against the named schema, rejecting oversized bodies before parsing.
func (v *Validator) ValidateJSON(schemaName string, data []byte) (map[string]any, error) {
	s, ok := v.schemas[schemaName]
	if !ok {
		return nil, fmt.Errorf("httpapi: unknown schema %q", schemaName)
	}
	if s.MaxSize > 0 && len(data) > s.MaxSize {
		return nil, &ValidationError{Field: "body", Message: fmt.Sprintf("exceeds max size %d bytes", s.MaxSize)}
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ValidationError{Field: "body", Message: "invalid JSON: " + err.Error()}
	}
	if err := v.validate(s, body); err != nil {
		return nil, err
	}
	return body, nil
}

func (v *Validator) validate(s *Schema, body map[string]any) error {
	for _, field := range s.Required {
		if _, ok := body[field]; !ok {
			return &ValidationError{Field: field, Message: "required field missing"}
		}
	}
	for field, value := range body {
		prop, ok := s.Properties[field]
		if !ok {
			continue
		}
		if err := validateProperty(field, value, prop); err != nil {
			return err
		}
	}
	return nil
}

func validateProperty(field string, value any, prop PropertySchema) error {
	switch prop.Type {
	case "string":
		str, ok := value.(string)
		if !ok {
			return &ValidationError{Field: field, Message: "expected string"}
		}
		if prop.MinLength > 0 && len(str) < prop.MinLength {
			return &ValidationError{Field: field, Message: fmt.Sprintf("shorter than minimum length %d", prop.MinLength)}
		}
		if prop.MaxLength > 0 && len(str) > prop.MaxLength {
			return &ValidationError{Field: field, Message: fmt.Sprintf("longer than maximum length %d", prop.MaxLength)}
		}
		if prop.Pattern != nil && !prop.Pattern.MatchString(str) {
			return &ValidationError{Field: field, Message: "does not match required pattern"}
		}
		if len(prop.Enum) > 0 && !contains(prop.Enum, str) {
			return &ValidationError{Field: field, Message: fmt.Sprintf("must be one of %v", prop.Enum)}
		}
	case "number", "integer":
		num, ok := value.(float64)
		if !ok {
			return &ValidationError{Field: field, Message: "expected number"}
		}
		if prop.Type == "integer" && num != float64(int64(num)) {
			return &ValidationError{Field: field, Message: "expected integer"}
		}
		if prop.Min != nil && num < *prop.Min {
			return &ValidationError{Field: field, Message: fmt.Sprintf("below minimum %v", *prop.Min)}
		}
		if prop.Max != nil && num > *prop.Max {
			return &ValidationError{Field: field, Message: fmt.Sprintf("above maximum %v", *prop.Max)}
		}
	case "boolean":
		if _, ok := value.(bool); !ok {
			return &ValidationError{Field: field, Message: "expected boolean"}
		}
	case "array":
		if _, ok := value.([]any); !ok {
			return &ValidationError{Field: field, Message: "expected array"}
		}
	}
	return nil
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
