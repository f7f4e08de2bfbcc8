package transform

import (
	"fmt"

	"github.com/medbridge/medbridge/pkg/dotpath"
)

// FieldSpec describes one expected field in a target schema.
type FieldSpec struct {
	// Type is one of "string", "number", "boolean", "object", "array".
	// Empty means any type is acceptable.
	Type string `json:"type,omitempty"`

	Required bool `json:"required,omitempty"`
}

// TargetSchema declares the expected shape of transformed output for one
// target system. Fields are keyed by dotted path.
type TargetSchema struct {
	System string               `json:"system"`
	Fields map[string]FieldSpec `json:"fields"`
}

// Validate checks data against the schema. Missing required fields are
// errors; type mismatches are warnings. Validation never aborts a
// transformation on its own.
func (s *TargetSchema) Validate(data map[string]interface{}) []MappingError {
	var issues []MappingError

	for path, spec := range s.Fields {
		value, exists := dotpath.Get(data, path)
		if !exists {
			if spec.Required {
				issues = append(issues, MappingError{
					Field:    path,
					Code:     CodeSchemaValidation,
					Message:  fmt.Sprintf("required field %s is missing", path),
					Severity: MappingSeverityError,
				})
			}
			continue
		}

		if spec.Type != "" && !typeMatches(spec.Type, value) {
			issues = append(issues, MappingError{
				Field:    path,
				Code:     CodeSchemaValidation,
				Message:  fmt.Sprintf("field %s: expected %s, got %T", path, spec.Type, value),
				Severity: MappingSeverityWarning,
			})
		}
	}

	return issues
}

func typeMatches(expected string, value interface{}) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, err := toFloat(value)
		return err == nil
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		switch value.(type) {
		case []interface{}, []string:
			return true
		}
		return false
	default:
		return true
	}
}
