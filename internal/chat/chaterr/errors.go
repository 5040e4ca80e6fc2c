// Package chaterr holds the error taxonomy shared by the chat engine packages.
package chaterr

import "errors"

var (
	// ErrValidation marks input rejected before any store call. Never retried.
	ErrValidation = errors.New("validation failed")
	// ErrTransient marks a store or network failure. User actions surface it,
	// background loops retry on their next tick.
	ErrTransient = errors.New("store unavailable")

	ErrNotFound      = errors.New("record not found")
	ErrForbidden     = errors.New("not allowed")
	ErrAlreadyEdited = errors.New("message already edited")
	ErrDuplicate     = errors.New("duplicate record")
	ErrSessionClosed = errors.New("session closed")
)

// Transient wraps a store failure so callers can match it with errors.Is.
func Transient(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrForbidden) || errors.Is(err, ErrAlreadyEdited) {
		return err
	}
	return &transientError{op: op, err: err}
}

type transientError struct {
	op  string
	err error
}

func (e *transientError) Error() string { return e.op + ": " + e.err.Error() }

func (e *transientError) Unwrap() []error { return []error{ErrTransient, e.err} }

// IsTransient reports whether err is a store failure worth retrying later.
func IsTransient(err error) bool { return errors.Is(err, ErrTransient) }

// Code is the stable, client-facing name of err's kind.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrValidation):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrAlreadyEdited):
		return "already_edited"
	case errors.Is(err, ErrSessionClosed):
		return "session_closed"
	case errors.Is(err, ErrTransient):
		return "unavailable"
	default:
		return "internal"
	}
}
