// Package source defines the error taxonomy shared by the upstream
// reporting-system clients. Callers fail the unit of work on transport and
// status errors, abort the run on auth errors, and surface parse errors
// loudly: a malformed response shape means the upstream contract changed.
package source

import (
	"errors"
	"fmt"
)

// AuthError indicates rejected credentials. There is no point retrying
// other units when this happens; runs abort.
type AuthError struct {
	Source string
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication rejected (status %d)", e.Source, e.Status)
}

// TransportError indicates a network failure or a retryable status that
// survived every configured retry.
type TransportError struct {
	Source   string
	Attempts int
	Err      error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("%s: transport failed after %d attempts: %v", e.Source, e.Attempts, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// StatusError indicates a non-2xx response outside the retryable set.
type StatusError struct {
	Source string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: unexpected status %d: %s", e.Source, e.Status, e.Body)
}

// ParseError indicates a response that did not match the expected shape.
// Distinct from ordinary data absence: a null value is valid, a missing
// column is not.
type ParseError struct {
	Source string
	Detail string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s: unexpected response shape: %s", e.Source, e.Detail)
}

// IsAuth reports whether err is (or wraps) an AuthError.
func IsAuth(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
