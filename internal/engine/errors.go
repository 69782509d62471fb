package engine

import (
	"errors"
	"fmt"
)

// RuntimeError represents an error detected while the engine processes a
// message.
//
// Runtime errors include:
//   - Malformed observation: empty id or signal outside the valid range
//   - Stopped: the engine no longer accepts input
//   - Snapshot: the persisted presence snapshot could not be read or written
//
// None of them are fatal. The loop logs them and continues.
type RuntimeError struct {
	// Code identifies the error category.
	Code RuntimeErrorCode

	// Message is a human-readable description.
	Message string

	// BeaconID identifies the affected beacon, if any.
	BeaconID string

	// Err is the underlying cause, if any.
	Err error
}

// RuntimeErrorCode categorizes runtime errors.
type RuntimeErrorCode string

const (
	// ErrCodeMalformedObservation indicates an observation that cannot be ingested.
	ErrCodeMalformedObservation RuntimeErrorCode = "MALFORMED_OBSERVATION"

	// ErrCodeStopped indicates input was offered after Stop.
	ErrCodeStopped RuntimeErrorCode = "STOPPED"

	// ErrCodeSnapshot indicates a presence snapshot read or write failure.
	ErrCodeSnapshot RuntimeErrorCode = "SNAPSHOT"
)

// Error implements the error interface.
func (e *RuntimeError) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.BeaconID != "" {
		msg = fmt.Sprintf("%s (beacon=%s)", msg, e.BeaconID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *RuntimeError) Unwrap() error {
	return e.Err
}

// IsMalformedObservation returns true if err reports a malformed observation.
// Uses errors.As to handle wrapped errors.
func IsMalformedObservation(err error) bool {
	return hasCode(err, ErrCodeMalformedObservation)
}

// IsStopped returns true if err reports a stopped engine.
func IsStopped(err error) bool {
	return hasCode(err, ErrCodeStopped)
}

func hasCode(err error, code RuntimeErrorCode) bool {
	var re *RuntimeError
	if errors.As(err, &re) {
		return re.Code == code
	}
	return false
}

// NewMalformedObservationError wraps an observation validation failure.
func NewMalformedObservationError(beaconID string, err error) *RuntimeError {
	return &RuntimeError{
		Code:     ErrCodeMalformedObservation,
		Message:  "observation ignored",
		BeaconID: beaconID,
		Err:      err,
	}
}

var errStopped = &RuntimeError{Code: ErrCodeStopped, Message: "engine stopped"}
