package models

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by every operation. Check them with errors.Is.
var (
	// ErrValidation marks bad parameters detected before any side effect.
	ErrValidation = errors.New("validation error")

	// ErrPrivilege marks a missing OS privilege.
	ErrPrivilege = errors.New("insufficient privilege")

	// ErrResourceConflict marks an identifier that is already provisioned.
	ErrResourceConflict = errors.New("resource conflict")

	// ErrDependencyMissing marks a referenced switch, interface or binary that does not exist.
	ErrDependencyMissing = errors.New("dependency missing")

	// ErrRemoteUnreachable marks a worker that failed its liveness probe.
	ErrRemoteUnreachable = errors.New("remote unreachable")

	// ErrRemoteCommand marks a hypervisor agent that returned an error.
	ErrRemoteCommand = errors.New("remote command failure")

	// ErrPartialTeardown marks resources that survived a teardown.
	ErrPartialTeardown = errors.New("partial teardown")
)

// Error attaches the unit and operation to one of the error kinds.
type Error struct {
	Kind error
	Op   string
	Unit string
	Err  error
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Unit != "" {
		msg += " (" + e.Unit + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// Errorf builds an *Error of the given kind with a formatted cause.
func Errorf(kind error, op, unit, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Unit: unit, Err: fmt.Errorf(format, args...)}
}

// Wrap builds an *Error of the given kind around err. A nil err yields nil.
func Wrap(kind error, op, unit string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Unit: unit, Err: err}
}

// KindOf returns the error kind carried by err, or nil when err is not classified.
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrPrivilege,
		ErrResourceConflict,
		ErrDependencyMissing,
		ErrRemoteUnreachable,
		ErrRemoteCommand,
		ErrPartialTeardown,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// IsPrecondition reports whether err aborts a whole call rather than one unit.
func IsPrecondition(err error) bool {
	return errors.Is(err, ErrValidation) || errors.Is(err, ErrPrivilege) || errors.Is(err, ErrDependencyMissing)
}
