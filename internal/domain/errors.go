package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrNotFound is returned by stores when the requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidTransition is returned when a task is asked to move to a status
	// its current status cannot reach.
	ErrInvalidTransition = errors.New("invalid task status transition")

	// ErrProgressOutOfRange is returned when processed would exceed total.
	ErrProgressOutOfRange = errors.New("processed exceeds total")

	ErrUnknownTaskType  = errors.New("unknown task type")
	ErrMalformedPayload = errors.New("malformed task payload")

	// ErrInfrastructure marks a failure of storage or the broker rather than
	// of the task itself. Workers back off before taking more work.
	ErrInfrastructure = errors.New("infrastructure unavailable")
)

// PermanentError marks a processing failure that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that IsPermanent reports true for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Permanentf is Permanent(fmt.Errorf(format, args...)).
func Permanentf(format string, args ...any) error {
	return Permanent(fmt.Errorf(format, args...))
}

// IsPermanent reports whether err should fail a task without consuming
// retry budget. Malformed payloads and unknown task types are always permanent.
func IsPermanent(err error) bool {
	if err == nil {
		return false
	}
	var pe *PermanentError
	if errors.As(err, &pe) {
		return true
	}
	return errors.Is(err, ErrUnknownTaskType) || errors.Is(err, ErrMalformedPayload)
}
