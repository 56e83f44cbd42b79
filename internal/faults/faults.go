// Package faults defines the error taxonomy shared by the collaborators
// and the supervisors. Collaborators wrap these sentinels; supervisors
// classify with errors.Is.
package faults

import "errors"

var (
	// ErrTransientIO marks failures worth retrying: a port that has not
	// enumerated yet, a refused or timed out connect, a vanished device.
	ErrTransientIO = errors.New("transient i/o failure")

	// ErrPermission marks a keyboard listener that cannot run at all on
	// this host. It engages fallback mode instead of the connect path.
	ErrPermission = errors.New("permission denied")

	// ErrExhausted marks a subsystem that used its retry budget.
	ErrExhausted = errors.New("retry budget exhausted")

	// ErrInvalidArgument marks a rejected user-supplied value. Nothing is
	// changed when it is returned.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrNotInitialized is returned to callers that issue commands before
	// Init or after Shutdown.
	ErrNotInitialized = errors.New("not initialized")
)

// Class is the recovery decision for an error
type Class int

const (
	// ClassNone means no error
	ClassNone Class = iota
	// ClassTransient is retried with backoff
	ClassTransient
	// ClassPermission engages fallback recovery
	ClassPermission
	// ClassExhausted stops retrying
	ClassExhausted
	// ClassProgramming is returned to the caller and never retried
	ClassProgramming
	// ClassInvalid is a rejected argument, returned to the caller
	ClassInvalid
)

func (c Class) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassPermission:
		return "permission"
	case ClassExhausted:
		return "exhausted"
	case ClassProgramming:
		return "programming"
	case ClassInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Classify maps err onto the taxonomy. Unrecognised errors are treated as
// transient so automatic recovery keeps trying within its budget.
func Classify(err error) Class {
	switch {
	case err == nil:
		return ClassNone
	case errors.Is(err, ErrNotInitialized):
		return ClassProgramming
	case errors.Is(err, ErrInvalidArgument):
		return ClassInvalid
	case errors.Is(err, ErrExhausted):
		return ClassExhausted
	case errors.Is(err, ErrPermission):
		return ClassPermission
	default:
		return ClassTransient
	}
}
