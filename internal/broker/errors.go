package broker

import (
	"fmt"
	"strings"
)

// AuthError means token acquisition or refresh failed after retries.
// It is fatal: the engine cannot proceed without credentials.
type AuthError struct {
	Status int
	Msg    string
	Err    error
}

func (e *AuthError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("auth: %s (status %d)", e.Msg, e.Status)
	}
	return "auth: " + e.Msg
}

func (e *AuthError) Unwrap() error { return e.Err }

// APIError is a non-2xx response from a broker data endpoint.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("broker: %s returned %d: %s", e.Path, e.Status, e.Body)
}

// Transient reports whether the failure is worth retrying: rate limits
// and server-side errors are, other client errors are not.
func (e *APIError) Transient() bool {
	return e.Status == 429 || e.Status >= 500
}

// ValidationError means a broker payload failed normalization. Fields
// names the offending payload fields.
type ValidationError struct {
	Symbol string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validate %s: bad fields: %s", e.Symbol, strings.Join(e.Fields, ", "))
}
