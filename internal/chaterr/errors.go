// ABOUTME: Error taxonomy shared by the gateway, relay and receipt layers
// ABOUTME: Kinds map to authentication, access, validation and persistence failures

package chaterr

import (
	"errors"
	"fmt"
)

// Sentinel kinds. Match with errors.Is.
var (
	ErrAuthentication = errors.New("authentication failed")
	ErrAccessDenied   = errors.New("access denied")
	ErrValidation     = errors.New("validation failed")
	ErrPersistence    = errors.New("persistence failed")
)

// Error carries the kind, the operation that failed and the underlying cause.
type Error struct {
	Kind error
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Kind, e.Err)
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

func newError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Authentication wraps a handshake rejection.
func Authentication(op string, err error) error { return newError(ErrAuthentication, op, err) }

// AccessDenied wraps an action attempted by a non-participant.
func AccessDenied(op string, err error) error { return newError(ErrAccessDenied, op, err) }

// Validation wraps a malformed or empty request.
func Validation(op string, err error) error { return newError(ErrValidation, op, err) }

// Persistence wraps a store failure.
func Persistence(op string, err error) error { return newError(ErrPersistence, op, err) }

// Code returns a short machine-readable code for err, used in error frames.
func Code(err error) string {
	switch {
	case errors.Is(err, ErrAuthentication):
		return "unauthenticated"
	case errors.Is(err, ErrAccessDenied):
		return "access_denied"
	case errors.Is(err, ErrValidation):
		return "invalid"
	case errors.Is(err, ErrPersistence):
		return "unavailable"
	default:
		return "internal"
	}
}
