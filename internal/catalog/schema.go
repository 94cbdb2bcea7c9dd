package catalog

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// FieldType is a declared input field type.
type FieldType string

const (
	FieldString  FieldType = "string"
	FieldNumber  FieldType = "number"
	FieldInteger FieldType = "integer"
	FieldBoolean FieldType = "boolean"
)

// Field declares one input of a workflow.
type Field struct {
	Type     FieldType `json:"type"`
	Required bool      `json:"required,omitempty"`
	Min      *float64  `json:"min,omitempty"` // numeric bounds, nil means unbounded
	Max      *float64  `json:"max,omitempty"`
}

// InputSchema maps submitted input keys (typically "nodeId.field") to
// their declared types.
type InputSchema map[string]Field

// Validate checks the schema declaration itself.
func (s InputSchema) Validate() error {
	for name, f := range s {
		switch f.Type {
		case FieldString, FieldNumber, FieldInteger, FieldBoolean:
		default:
			return fmt.Errorf("field %q: unknown type %q", name, f.Type)
		}
		if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
			return fmt.Errorf("field %q: min %v exceeds max %v", name, *f.Min, *f.Max)
		}
	}
	return nil
}

// ValidationError reports why submitted inputs do not satisfy a schema.
type ValidationError struct {
	Fields map[string]string // field name -> problem
}

func (e *ValidationError) Error() string {
	names := make([]string, 0, len(e.Fields))
	for name := range e.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("invalid inputs: ")
	for i, name := range names {
		if i > 0 {
			b.WriteString("; ")
		}
		fmt.Fprintf(&b, "%s: %s", name, e.Fields[name])
	}
	return b.String()
}

// CheckInputs validates submitted inputs against the schema. Inputs come
// from decoded JSON, so numbers arrive as float64. Unknown fields are
// rejected; missing required fields are reported.
func (s InputSchema) CheckInputs(inputs map[string]any) error {
	problems := make(map[string]string)

	for name, value := range inputs {
		f, ok := s[name]
		if !ok {
			problems[name] = "unknown field"
			continue
		}
		if msg := checkValue(f, value); msg != "" {
			problems[name] = msg
		}
	}
	for name, f := range s {
		if f.Required {
			if _, ok := inputs[name]; !ok {
				problems[name] = "required field missing"
			}
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Fields: problems}
	}
	return nil
}

func checkValue(f Field, value any) string {
	switch f.Type {
	case FieldString:
		if _, ok := value.(string); !ok {
			return fmt.Sprintf("expected string, got %T", value)
		}
	case FieldBoolean:
		if _, ok := value.(bool); !ok {
			return fmt.Sprintf("expected boolean, got %T", value)
		}
	case FieldNumber:
		n, ok := value.(float64)
		if !ok {
			return fmt.Sprintf("expected number, got %T", value)
		}
		return checkBounds(f, n)
	case FieldInteger:
		n, ok := value.(float64)
		if !ok || n != math.Trunc(n) {
			return fmt.Sprintf("expected integer, got %v", value)
		}
		return checkBounds(f, n)
	}
	return ""
}

func checkBounds(f Field, n float64) string {
	if f.Min != nil && n < *f.Min {
		return fmt.Sprintf("%v below minimum %v", n, *f.Min)
	}
	if f.Max != nil && n > *f.Max {
		return fmt.Sprintf("%v above maximum %v", n, *f.Max)
	}
	return ""
}
