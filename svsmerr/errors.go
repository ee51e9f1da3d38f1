// Package svsmerr defines the closed error taxonomy surfaced by the
// snapshot/restore core: a small set of named Kinds, each optionally
// wrapping an underlying cause.
//
// Grounded on the original Rust source's SvsmReqError/SvsmError
// (kernel/src/protocols/backup.rs, kernel/src/error.rs), translated to an
// idiomatic Go error type. Wrapping style follows
// talyz-systemd_exporter/systemd/systemd.go, the one repo in the pack that
// threads github.com/pkg/errors through every collaborator call.
package svsmerr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Kind is a closed enumeration of the ways a request can fail.
type Kind int

const (
	// UnsupportedCall means the request code was not recognized.
	UnsupportedCall Kind = iota
	// Mapping means the per-CPU mapping guard could not be created.
	Mapping
	// OutOfMemory means storage-frame allocation failed.
	OutOfMemory
	// GuestRead means a guest-memory byte read faulted.
	GuestRead
	// Rmp means the RMP write-protect primitive failed.
	Rmp
)

// String implements fmt.Stringer.
func (k Kind) String() string {
	switch k {
	case UnsupportedCall:
		return "UnsupportedCall"
	case Mapping:
		return "Mapping"
	case OutOfMemory:
		return "OutOfMemory"
	case GuestRead:
		return "GuestRead"
	case Rmp:
		return "Rmp"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Error is the error type returned by every operation in this module. It
// carries a closed Kind callers can switch on, plus a wrapped cause (which
// may be nil) for diagnostics.
type Error struct {
	Kind  Kind
	cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.cause == nil {
		return e.Kind.String()
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.cause)
}

// Unwrap allows errors.Is/errors.As to see through to the wrapped cause.
func (e *Error) Unwrap() error {
	return e.cause
}

// New builds an Error of the given Kind with no further context.
func New(kind Kind) *Error {
	return &Error{Kind: kind}
}

// Wrap builds an Error of the given Kind, attaching context and a stack
// trace to cause via github.com/pkg/errors.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	if cause == nil {
		return &Error{Kind: kind, cause: errors.Errorf(format, args...)}
	}
	return &Error{Kind: kind, cause: errors.Wrapf(cause, format, args...)}
}

// UnsupportedCallErr returns the sentinel error for an unrecognized
// request code.
func UnsupportedCallErr() *Error {
	return New(UnsupportedCall)
}

// Is reports whether err is an *Error of the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}
