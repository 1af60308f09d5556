package event

import (
	"fmt"
	"regexp"

	"github.com/flowmesh/flowmesh-go/value"
)

// Schema describes the expected shape of an event payload (or any other
// map-shaped value — the pipeline's metadata layer validates request
// payloads with the same machinery).
//
// Supported constraints mirror the common JSON-Schema subset: required
// fields, kind checks, enums, numeric ranges, string patterns and length
// bounds, and nested lists/objects.
type Schema struct {
	// Fields maps field names to their constraints.
	Fields map[string]Field

	// Required lists fields that must be present.
	Required []string

	// Open permits fields not listed in Fields. When false, unknown
	// fields are a validation error.
	Open bool
}

// Field constrains a single payload field.
type Field struct {
	// Kinds lists acceptable value kinds. Empty means any kind.
	Kinds []value.Kind

	// Enum restricts the field to one of the listed values.
	Enum []value.Value

	// Pattern is an anchored regular expression for string fields.
	Pattern string

	// Min and Max bound numeric fields (inclusive). Ints are widened.
	Min, Max *float64

	// MinLen and MaxLen bound string/bytes/list lengths (inclusive).
	MinLen, MaxLen *int

	// Elem constrains every element of a list field.
	Elem *Field

	// Object constrains a nested map field.
	Object *Schema

	compiled *regexp.Regexp
}

// Validate checks payload against the schema. The returned error names the
// first offending field path; nil means the payload conforms.
func (s *Schema) Validate(payload value.Value) error {
	if s == nil {
		return nil
	}
	if payload.Kind() != value.KindMap {
		return fmt.Errorf("payload: expected map, got %v", payload.Kind())
	}
	return s.validateMap("", payload)
}

func (s *Schema) validateMap(path string, v value.Value) error {
	m := v.MapVal()
	for _, req := range s.Required {
		if _, ok := m[req]; !ok {
			return fmt.Errorf("%s: missing required field", joinPath(path, req))
		}
	}
	if !s.Open {
		for k := range m {
			if _, ok := s.Fields[k]; !ok {
				return fmt.Errorf("%s: unknown field", joinPath(path, k))
			}
		}
	}
	for name, field := range s.Fields {
		fv, ok := m[name]
		if !ok {
			continue
		}
		if err := field.validate(joinPath(path, name), fv); err != nil {
			return err
		}
	}
	return nil
}

func (f *Field) validate(path string, v value.Value) error {
	if len(f.Kinds) > 0 {
		ok := false
		for _, k := range f.Kinds {
			if v.Kind() == k {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: kind %v not allowed", path, v.Kind())
		}
	}

	if len(f.Enum) > 0 {
		ok := false
		for _, e := range f.Enum {
			if value.Equal(e, v) {
				ok = true
				break
			}
		}
		if !ok {
			return fmt.Errorf("%s: value not in enum", path)
		}
	}

	if f.Pattern != "" && v.Kind() == value.KindString {
		if f.compiled == nil {
			re, err := regexp.Compile("^(?:" + f.Pattern + ")$")
			if err != nil {
				return fmt.Errorf("%s: bad pattern %q: %w", path, f.Pattern, err)
			}
			f.compiled = re
		}
		if !f.compiled.MatchString(v.Str()) {
			return fmt.Errorf("%s: %q does not match pattern", path, v.Str())
		}
	}

	if v.Kind() == value.KindInt || v.Kind() == value.KindFloat {
		n := v.Float()
		if f.Min != nil && n < *f.Min {
			return fmt.Errorf("%s: %v below minimum %v", path, n, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return fmt.Errorf("%s: %v above maximum %v", path, n, *f.Max)
		}
	}

	switch v.Kind() {
	case value.KindString, value.KindBytes, value.KindList:
		if f.MinLen != nil && v.Len() < *f.MinLen {
			return fmt.Errorf("%s: length %d below minimum %d", path, v.Len(), *f.MinLen)
		}
		if f.MaxLen != nil && v.Len() > *f.MaxLen {
			return fmt.Errorf("%s: length %d above maximum %d", path, v.Len(), *f.MaxLen)
		}
	}

	if f.Elem != nil && v.Kind() == value.KindList {
		for i, e := range v.ListVal() {
			if err := f.Elem.validate(fmt.Sprintf("%s[%d]", path, i), e); err != nil {
				return err
			}
		}
	}

	if f.Object != nil && v.Kind() == value.KindMap {
		return f.Object.validateMap(path, v)
	}

	return nil
}

func joinPath(base, field string) string {
	if base == "" {
		return field
	}
	return base + "." + field
}
