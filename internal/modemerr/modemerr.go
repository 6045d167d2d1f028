// Package modemerr defines the error kinds shared by every component of the
// bridge. All of them are values, never exceptions: the
// supervisor in internal/session inspects Kind to decide whether an error is
// a normal lifecycle event (HANGUP) or something that must reach ERROR.
package modemerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind classifies an error for the purposes of state-machine propagation.
type Kind int

const (
	// IO is an errno-backed failure; Syscall names the originating call.
	IO Kind = iota
	// Hangup means carrier lost or peer closed — a normal lifecycle event.
	Hangup
	// Timeout means a bounded wait was exceeded.
	Timeout
	// Locked means the serial device is already in use.
	Locked
	// InvalidArg is a programmer-facing error reflected to the caller.
	InvalidArg
	// InvalidState is a programmer-facing error: an operation was invalid
	// in the component's current state.
	InvalidState
	// Overflow is a buffer drop; counted, surfaced only after a streak.
	Overflow
	// WouldBlock is not an error: normal flow-control signal.
	WouldBlock
	// Partial is not an error: the caller must re-invoke with the
	// unconsumed suffix.
	Partial
)

func (k Kind) String() string {
	switch k {
	case IO:
		return "IO"
	case Hangup:
		return "HANGUP"
	case Timeout:
		return "TIMEOUT"
	case Locked:
		return "LOCKED"
	case InvalidArg:
		return "INVALID_ARG"
	case InvalidState:
		return "INVALID_STATE"
	case Overflow:
		return "OVERFLOW"
	case WouldBlock:
		return "WOULD_BLOCK"
	case Partial:
		return "PARTIAL"
	default:
		return "UNKNOWN"
	}
}

// Error is the concrete error type carried through the system. Syscall is
// populated only for Kind == IO, naming the originating syscall.
type Error struct {
	Kind    Kind
	Syscall string
	cause   error
}

func (e *Error) Error() string {
	if e.Syscall != "" {
		if e.cause != nil {
			return fmt.Sprintf("%s: %s: %s", e.Kind, e.Syscall, e.cause)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Syscall)
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s", e.Kind, e.cause)
	}
	return e.Kind.String()
}

// Unwrap lets errors.Is/errors.As see through to the wrapped cause.
func (e *Error) Unwrap() error { return e.cause }

// New builds a bare Kind error with no cause.
func New(k Kind) *Error {
	return &Error{Kind: k}
}

// Wrap attaches a Kind to an existing error, preserving it as the cause via
// github.com/pkg/errors so callers keep a stack trace across goroutine
// boundaries (serial thread -> pipeline -> session).
func Wrap(k Kind, err error, msg string) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, cause: errors.Wrap(err, msg)}
}

// WrapSyscall attaches both a Kind and the originating syscall name.
func WrapSyscall(k Kind, syscallName string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: k, Syscall: syscallName, cause: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, k Kind) bool {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind == k
	}
	return false
}

// KindOf extracts the Kind from err, defaulting to IO for foreign errors so
// callers always have a kind to branch on.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return IO
}
