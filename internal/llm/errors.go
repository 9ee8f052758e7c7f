package llm

import (
	"errors"
	"fmt"
)

// ErrSchemaUnsupported marks a provider rejection of the json_schema
// response format. Callers fall back to prompt-level JSON enforcement.
var ErrSchemaUnsupported = errors.New("provider does not support schema-constrained responses")

// InvocationError wraps any transport or API failure from a provider.
type InvocationError struct {
	StatusCode int
	Message    string
	Err        error
}

func (e *InvocationError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("model invocation failed (status %d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("model invocation failed: %s", e.Message)
}

func (e *InvocationError) Unwrap() error { return e.Err }

func invocationErr(status int, format string, args ...any) *InvocationError {
	return &InvocationError{StatusCode: status, Message: fmt.Sprintf(format, args...)}
}
