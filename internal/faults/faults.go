// Package faults classifies errors by the kind of failure they report, so
// callers can choose a recovery strategy without matching on error strings.
package faults

import (
	"errors"
	"fmt"
)

// Kind names a failure category.
type Kind string

const (
	// KindConnectivity covers network and database reachability failures.
	// These are transient: back off and retry the whole cycle.
	KindConnectivity Kind = "connectivity"
	// KindParse covers malformed inbound payloads. Retrying cannot help.
	KindParse Kind = "parse"
	// KindConflict covers unique-constraint and serialization collisions
	// that a fresh transaction may resolve.
	KindConflict Kind = "conflict"
	// KindConfiguration covers invalid or missing settings. Operator action
	// is required; retry on a long backoff.
	KindConfiguration Kind = "configuration"
	// KindDispatch covers outbound delivery failures.
	KindDispatch Kind = "dispatch"
	// KindAllocation covers ticket allocation giving up after its retries.
	KindAllocation Kind = "allocation"
)

// Error pairs an underlying error with its kind.
type Error struct {
	kind Kind
	err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.kind, e.err)
}

func (e *Error) Unwrap() error { return e.err }

// Kind reports the failure category.
func (e *Error) Kind() Kind { return e.kind }

// New builds a kinded error from a message.
func New(kind Kind, msg string) error {
	return &Error{kind: kind, err: errors.New(msg)}
}

// Newf builds a kinded error from a format string.
func Newf(kind Kind, format string, args ...any) error {
	return &Error{kind: kind, err: fmt.Errorf(format, args...)}
}

// Wrap attaches a kind to err. An error that already carries a kind keeps
// it; wrapping is not allowed to launder a conflict into something else.
func Wrap(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		return err
	}
	return &Error{kind: kind, err: err}
}

// KindOf extracts the kind of err, or "" when err carries none.
func KindOf(err error) Kind {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
