package security

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"
)

// Kind is a primitive JSON type tag used by schemas.
type Kind string

const (
	KindAny     Kind = ""
	KindObject  Kind = "object"
	KindString  Kind = "string"
	KindNumber  Kind = "number"
	KindBoolean Kind = "boolean"
	KindArray   Kind = "array"
	KindNull    Kind = "null"
)

// Schema describes the expected shape of one message type's payload.
// Required and Properties only apply when the payload is an object.
type Schema struct {
	Type       Kind             `yaml:"type" json:"type,omitempty"`
	Required   []string         `yaml:"required" json:"required,omitempty"`
	Properties map[string]Field `yaml:"properties" json:"properties,omitempty"`
}

// Field constrains one top-level property. Length bounds apply to
// strings (in runes) and arrays (in elements); zero means unbounded.
type Field struct {
	Type      Kind `yaml:"type" json:"type,omitempty"`
	MinLength int  `yaml:"minLength" json:"minLength,omitempty"`
	MaxLength int  `yaml:"maxLength" json:"maxLength,omitempty"`
}

// ErrValidation is matched by every *ValidationError.
var ErrValidation = errors.New("security: schema validation failed")

// ValidationError lists every violation found in one payload.
type ValidationError struct {
	Type       string
	Violations []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("security: payload for %q failed validation: %s", e.Type, strings.Join(e.Violations, "; "))
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (s Schema) check(value any) []string {
	var violations []string
	if !kindMatches(s.Type, value) {
		return append(violations, fmt.Sprintf("payload: expected %s, got %s", s.Type, kindOf(value)))
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return violations
	}
	for _, name := range s.Required {
		if _, present := obj[name]; !present {
			violations = append(violations, fmt.Sprintf("%s: required field missing", name))
		}
	}

	names := make([]string, 0, len(s.Properties))
	for name := range s.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if v, present := obj[name]; present {
			violations = append(violations, s.Properties[name].check(name, v)...)
		}
	}
	return violations
}

func (f Field) check(name string, value any) []string {
	if !kindMatches(f.Type, value) {
		return []string{fmt.Sprintf("%s: expected %s, got %s", name, f.Type, kindOf(value))}
	}

	var n int
	var unit string
	switch t := value.(type) {
	case string:
		n, unit = utf8.RuneCountInString(t), "characters"
	case []any:
		n, unit = len(t), "elements"
	default:
		return nil
	}

	var violations []string
	if f.MinLength > 0 && n < f.MinLength {
		violations = append(violations, fmt.Sprintf("%s: must be at least %d %s, got %d", name, f.MinLength, unit, n))
	}
	if f.MaxLength > 0 && n > f.MaxLength {
		violations = append(violations, fmt.Sprintf("%s: must be at most %d %s, got %d", name, f.MaxLength, unit, n))
	}
	return violations
}

func kindMatches(k Kind, value any) bool {
	return k == KindAny || kindOf(value) == k
}

func kindOf(value any) Kind {
	switch value.(type) {
	case nil:
		return KindNull
	case map[string]any:
		return KindObject
	case []any:
		return KindArray
	case string:
		return KindString
	case float64, json.Number:
		return KindNumber
	case bool:
		return KindBoolean
	default:
		return Kind(fmt.Sprintf("%T", value))
	}
}

// normalize converts any payload into generic JSON values so schemas and
// redaction never inspect caller types directly. The result never aliases
// the input.
func normalize(payload any) (any, error) {
	var raw []byte
	switch p := payload.(type) {
	case json.RawMessage:
		raw = p
	default:
		var err error
		if raw, err = json.Marshal(payload); err != nil {
			return nil, fmt.Errorf("payload: not serializable: %v", err)
		}
	}
	if len(raw) == 0 {
		return nil, nil
	}
	var out any
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("payload: invalid JSON: %v", err)
	}
	return out, nil
}
