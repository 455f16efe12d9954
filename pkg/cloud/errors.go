package cloud

import (
	"errors"
	"fmt"
)

// ErrorKind names a class of the error taxonomy
type ErrorKind string

const (
	KindConnection  ErrorKind = "connection"
	KindAPI         ErrorKind = "api"
	KindUnexpected  ErrorKind = "unexpected"
	KindValidation  ErrorKind = "validation"
	KindConsistency ErrorKind = "consistency"
)

// ConnectionError means a session or region could not be set up. It aborts
// the whole handler invocation.
type ConnectionError struct {
	Provider string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("failed to connect to %s: %v", e.Provider, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// APIError is a well-formed error returned by the remote API
type APIError struct {
	Op      string
	Code    string
	Message string
	Err     error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Code, e.Message)
}

func (e *APIError) Unwrap() error { return e.Err }

// UnexpectedError wraps anything the backend produced that is neither a
// connection failure nor a well-formed API error
type UnexpectedError struct {
	Op  string
	Err error
}

func (e *UnexpectedError) Error() string {
	return fmt.Sprintf("%s: unexpected error: %v", e.Op, e.Err)
}

func (e *UnexpectedError) Unwrap() error { return e.Err }

// ValidationError reports a request the orchestrator refuses to send,
// e.g. no machine image registered for the requested architecture
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

// ConsistencyError reports an empty or contradictory backend answer that
// implies local records drifted from the backend
type ConsistencyError struct {
	Op      string
	Message string
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("%s: %s", e.Op, e.Message)
}

// Validationf builds a ValidationError
func Validationf(format string, args ...any) error {
	return &ValidationError{Message: fmt.Sprintf(format, args...)}
}

// Inconsistent builds a ConsistencyError
func Inconsistent(op, format string, args ...any) error {
	return &ConsistencyError{Op: op, Message: fmt.Sprintf(format, args...)}
}

// Classify returns the taxonomy kind of err. Errors outside the taxonomy are
// reported as unexpected.
func Classify(err error) ErrorKind {
	var (
		connErr        *ConnectionError
		apiErr         *APIError
		validationErr  *ValidationError
		consistencyErr *ConsistencyError
	)
	switch {
	case errors.As(err, &connErr):
		return KindConnection
	case errors.As(err, &apiErr):
		return KindAPI
	case errors.As(err, &validationErr):
		return KindValidation
	case errors.As(err, &consistencyErr):
		return KindConsistency
	default:
		return KindUnexpected
	}
}

// IsConnection reports whether err is a ConnectionError
func IsConnection(err error) bool {
	var connErr *ConnectionError
	return errors.As(err, &connErr)
}

// APIErrorCode returns the remote error code carried by err, if any
func APIErrorCode(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Code, true
	}
	return "", false
}
