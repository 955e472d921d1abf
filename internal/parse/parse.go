// Package parse extracts and validates structured payloads from raw provider
// text.
package parse

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/sells-group/advisor/internal/model"
	"github.com/sells-group/advisor/internal/schema"
	"github.com/sells-group/advisor/internal/taxonomy"
)

// maxRawInError bounds how much provider text a ParseError retains.
const maxRawInError = 512

// ParseError reports provider output that does not conform to the payload
// shape.
type ParseError struct {
	SubjectType model.SubjectType
	// Field is the offending field, empty when no object could be decoded.
	Field  string
	Reason string
	// Raw is the provider text, truncated.
	Raw string
}

func (e *ParseError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("parse: %s: %s", e.SubjectType, e.Reason)
	}
	return fmt.Sprintf("parse: %s: field %q: %s", e.SubjectType, e.Field, e.Reason)
}

// IsParseError reports whether err wraps a *ParseError.
func IsParseError(err error) bool {
	var pe *ParseError
	return errors.As(err, &pe)
}

// Parse locates the first JSON object in raw, validates it against the
// shape of st and decodes it into the concrete payload. Unknown fields are
// ignored.
func Parse(st model.SubjectType, tax *taxonomy.Taxonomy, raw string) (model.Payload, error) {
	if tax == nil {
		tax = taxonomy.Default()
	}
	fail := func(field, reason string) error {
		return &ParseError{SubjectType: st, Field: field, Reason: reason, Raw: truncate(raw, maxRawInError)}
	}
	if !st.Valid() {
		return nil, fail("", "unknown subject type")
	}

	block, ok := FirstObject(StripFences(raw))
	if !ok {
		return nil, fail("", "no JSON object found")
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(block), &obj); err != nil {
		return nil, fail("", "invalid JSON: "+err.Error())
	}

	clean, ferr := validateObject(schema.For(st, tax).Fields, obj, "")
	if ferr == nil {
		ferr = checkConsistency(st, clean)
	}
	if ferr != nil {
		return nil, fail(ferr.field, ferr.reason)
	}

	// Fractions are a common provider habit for 0-100 scores.
	if c, ok := clean["confidence"].(float64); ok && c > 0 && c < 1 {
		clean["confidence"] = c * 100
	}

	normalized, err := json.Marshal(clean)
	if err != nil {
		return nil, fail("", "re-encode: "+err.Error())
	}
	p, err := model.DecodePayload(st, normalized)
	if err != nil {
		return nil, fail("", err.Error())
	}
	return p, nil
}

type fieldError struct {
	field, reason string
}

// validateObject checks obj against fields and returns a copy holding only
// the declared fields, with enum values canonicalized.
func validateObject(fields []schema.Field, obj map[string]any, prefix string) (map[string]any, *fieldError) {
	out := make(map[string]any, len(fields))
	for _, f := range fields {
		name := prefix + f.Name
		v, present := obj[f.Name]
		if !present || v == nil {
			if f.Required {
				return nil, &fieldError{name, "required field missing"}
			}
			continue
		}
		clean, ferr := validateValue(f, v, name)
		if ferr != nil {
			return nil, ferr
		}
		out[f.Name] = clean
	}
	return out, nil
}

func validateValue(f schema.Field, v any, name string) (any, *fieldError) {
	bad := func(format string, args ...any) (any, *fieldError) {
		return nil, &fieldError{name, fmt.Sprintf(format, args...)}
	}
	switch f.Kind {
	case schema.KindString:
		s, ok := v.(string)
		if !ok {
			return bad("expected string, got %s", typeName(v))
		}
		canon, ok := f.Accepts(s)
		if !ok {
			return bad("%q is not one of %s", s, strings.Join(f.Enum, ", "))
		}
		return canon, nil
	case schema.KindNumber:
		n, ok := v.(float64)
		if !ok {
			return bad("expected number, got %s", typeName(v))
		}
		// Top-level confidence is clamped by the scorer rather than rejected.
		if name == "confidence" {
			return n, nil
		}
		if f.Min != nil && n < *f.Min {
			return bad("%g is below minimum %g", n, *f.Min)
		}
		if f.Max != nil && n > *f.Max {
			return bad("%g is above maximum %g", n, *f.Max)
		}
		return n, nil
	case schema.KindBool:
		b, ok := v.(bool)
		if !ok {
			return bad("expected boolean, got %s", typeName(v))
		}
		return b, nil
	case schema.KindStringList:
		arr, ok := v.([]any)
		if !ok {
			return bad("expected array, got %s", typeName(v))
		}
		out := make([]string, 0, len(arr))
		for i, item := range arr {
			s, ok := item.(string)
			if !ok {
				return nil, &fieldError{fmt.Sprintf("%s[%d]", name, i), "expected string, got " + typeName(item)}
			}
			out = append(out, s)
		}
		return out, nil
	case schema.KindObjectList:
		arr, ok := v.([]any)
		if !ok {
			return bad("expected array, got %s", typeName(v))
		}
		out := make([]any, 0, len(arr))
		for i, item := range arr {
			m, ok := item.(map[string]any)
			if !ok {
				return nil, &fieldError{fmt.Sprintf("%s[%d]", name, i), "expected object, got " + typeName(item)}
			}
			clean, ferr := validateObject(f.Items, m, fmt.Sprintf("%s[%d].", name, i))
			if ferr != nil {
				return nil, ferr
			}
			out = append(out, clean)
		}
		return out, nil
	default:
		return v, nil
	}
}

// checkConsistency enforces relations between validated fields.
func checkConsistency(st model.SubjectType, obj map[string]any) *fieldError {
	if st != model.SubjectTenderPricing {
		return nil
	}
	lo, _ := obj["price_range_min"].(float64)
	hi, _ := obj["price_range_max"].(float64)
	rec, _ := obj["recommended_price"].(float64)
	if lo > hi {
		return &fieldError{"price_range_min", fmt.Sprintf("%g exceeds price_range_max %g", lo, hi)}
	}
	if rec < lo || rec > hi {
		return &fieldError{"recommended_price", fmt.Sprintf("%g is outside the range %g to %g", rec, lo, hi)}
	}
	return nil
}

func typeName(v any) string {
	switch v.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case float64:
		return "number"
	case bool:
		return "boolean"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return fmt.Sprintf("%T", v)
	}
}

// StripFences removes a surrounding markdown code fence, keeping any text
// outside it.
func StripFences(text string) string {
	text = strings.TrimSpace(text)
	start := strings.Index(text, "```")
	if start < 0 {
		return text
	}
	body := text[start+3:]
	// Drop the info string, e.g. ```json.
	if nl := strings.IndexByte(body, '\n'); nl >= 0 && !strings.Contains(body[:nl], "{") {
		body = body[nl+1:]
	}
	if end := strings.Index(body, "```"); end >= 0 {
		body = body[:end]
	}
	return strings.TrimSpace(body)
}

// FirstObject returns the first balanced {...} block in text. Braces inside
// JSON strings are ignored.
func FirstObject(text string) (string, bool) {
	start := strings.IndexByte(text, '{')
	for start >= 0 {
		depth := 0
		inString, escaped := false, false
		for i := start; i < len(text); i++ {
			c := text[i]
			if inString {
				switch {
				case escaped:
					escaped = false
				case c == '\\':
					escaped = true
				case c == '"':
					inString = false
				}
				continue
			}
			switch c {
			case '"':
				inString = true
			case '{':
				depth++
			case '}':
				depth--
				if depth == 0 {
					return text[start : i+1], true
				}
			}
		}
		// Unbalanced from this brace; try the next one.
		next := strings.IndexByte(text[start+1:], '{')
		if next < 0 {
			break
		}
		start += next + 1
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
