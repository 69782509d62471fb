package api

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes delivery failures.
type ErrorCode string

const (
	// CodeTransient covers network errors, timeouts and non-2xx responses.
	// The event stays deliverable and goes to the offline queue.
	CodeTransient ErrorCode = "TRANSIENT"

	// CodeUnauthorized covers missing, expired or rejected credentials.
	// Retrying cannot succeed until the host application re-authenticates.
	CodeUnauthorized ErrorCode = "UNAUTHORIZED"
)

// Error is a classified failure from the attendance service.
type Error struct {
	Code    ErrorCode
	Op      string // "mark", "sync", "health"
	Status  int    // HTTP status, 0 if no response
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s: %s", e.Op, e.Code, e.Message)
	if e.Status != 0 {
		msg = fmt.Sprintf("%s (status=%d)", msg, e.Status)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Err
}

// IsUnauthorized reports whether err is a credentials failure.
// Uses errors.As to handle wrapped errors.
func IsUnauthorized(err error) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code == CodeUnauthorized
	}
	return false
}

// IsTransient reports whether err is worth retrying later. Every non-nil
// error that is not a credentials failure is transient.
func IsTransient(err error) bool {
	return err != nil && !IsUnauthorized(err)
}

// Class returns a short label for logs and metrics.
func Class(err error) string {
	switch {
	case err == nil:
		return "ok"
	case IsUnauthorized(err):
		return "unauthorized"
	default:
		return "transient"
	}
}

func unauthorized(op, message string) *Error {
	return &Error{Code: CodeUnauthorized, Op: op, Message: message}
}

func transient(op string, status int, message string, err error) *Error {
	return &Error{Code: CodeTransient, Op: op, Status: status, Message: message, Err: err}
}
