// Package structured wraps model invocations that must return a specific
// JSON shape. Decoding is strict-first with a brace-scan extraction
// fallback; a malformed first response earns exactly one retry with an
// explicit JSON-only instruction before the call fails.
package structured

import (
	"encoding/json"
	"fmt"
)

// SchemaError reports that a response could not be decoded into the
// expected shape after every fallback. Raw carries the offending text.
type SchemaError struct {
	Raw string
	Err error
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

// Decode parses text into out: first a direct unmarshal, then a retry on
// the first complete top-level JSON object embedded in the text. Models
// routinely wrap JSON in prose or code fences; the scanner recovers it.
func Decode(text string, out any) error {
	direct := json.Unmarshal([]byte(text), out)
	if direct == nil {
		return nil
	}
	candidate := extractJSONObject(text)
	if candidate == "" {
		return &SchemaError{Raw: text, Err: direct}
	}
	if err := json.Unmarshal([]byte(candidate), out); err != nil {
		return &SchemaError{Raw: text, Err: err}
	}
	return nil
}

// extractJSONObject scans for the first complete top-level JSON object in s.
// It tracks brace depth and string/escape state byte-wise; ASCII delimiters
// never occur inside UTF-8 multi-byte sequences, so byte iteration is safe.
func extractJSONObject(s string) string {
	var depth int
	start := -1
	var inString, escape bool

	for i := 0; i < len(s); i++ {
		b := s[i]

		if escape {
			escape = false
			continue
		}
		if inString {
			if b == '\\' {
				escape = true
			} else if b == '"' {
				inString = false
			}
			continue
		}

		switch b {
		case '"':
			inString = true
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			if depth > 0 {
				depth--
				if depth == 0 && start != -1 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}
