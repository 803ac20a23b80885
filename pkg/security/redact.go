package security

import "strings"

// RedactedMarker replaces the value of every sensitive field.
const RedactedMarker = "[REDACTED]"

// Redact returns a copy of value, in generic JSON form, with the value of
// every sensitive key replaced by RedactedMarker at any depth. Key matching
// is case-insensitive. value itself is never modified.
func (v *Validator) Redact(value any) any {
	generic, err := normalize(value)
	if err != nil {
		return RedactedMarker
	}
	return redact(generic, v.sensitive)
}

func redact(value any, fields map[string]struct{}) any {
	switch t := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if _, ok := fields[strings.ToLower(k)]; ok {
				out[k] = RedactedMarker
				continue
			}
			out[k] = redact(val, fields)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = redact(val, fields)
		}
		return out
	default:
		return value
	}
}
