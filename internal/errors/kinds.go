package errors

import (
	"fmt"
	"strings"
)

// Kind classifies an introspection failure. A Kind is itself an error so that
// callers can match with the standard library:
//
//	if errors.Is(err, gcerrors.TargetUnreadable) { ... }
type Kind string

const (
	// TargetUnreadable means the transport could not return the requested
	// bytes: unmapped range, permission denied, truncated dump, short read.
	TargetUnreadable Kind = "target unreadable"

	// DiagnosticsUnsupported means the target does not publish the layout
	// surface. It is fatal for the session.
	DiagnosticsUnsupported Kind = "diagnostics unsupported"

	// VersionMismatch means a structure or field identifier is missing from
	// an otherwise loaded layout table.
	VersionMismatch Kind = "version mismatch"

	// IndexOutOfRange means an index is at or beyond a known element bound.
	IndexOutOfRange Kind = "index out of range"

	// InvalidStride means an array stride of zero was supplied.
	InvalidStride Kind = "invalid stride"

	// InvalidTargetData means values read from the target are inconsistent
	// (null heap pointer, negative heap count, segment cycle).
	InvalidTargetData Kind = "invalid target data"

	// SessionClosed means the session or its read service was torn down.
	SessionClosed Kind = "session closed"

	// StaleView means a descriptor view was produced before the session was
	// invalidated and must be recomputed.
	StaleView Kind = "stale view"
)

func (k Kind) Error() string { return string(k) }

// Error carries the kind of failure together with the address and identifier
// involved so that tools can report them without guessing.
type Error struct {
	Kind  Kind
	Op    string
	Addr  uint64
	Ident string
	Err   error
}

// Error formats as "op: kind at 0xADDR (ident): cause".
func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Addr != 0 {
		fmt.Fprintf(&b, " at 0x%x", e.Addr)
	}
	if e.Ident != "" {
		fmt.Fprintf(&b, " (%s)", e.Ident)
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// Is matches the error's Kind, or another *Error with the same Kind.
func (e *Error) Is(target error) bool {
	switch t := target.(type) {
	case Kind:
		return e.Kind == t
	case *Error:
		return e.Kind == t.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, op string, addr uint64, ident string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Ident: ident, Err: cause}
}

// Newf builds an *Error whose cause is a formatted message.
func Newf(kind Kind, op string, addr uint64, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Addr: addr, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the Kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	for err != nil {
		switch e := err.(type) {
		case *Error:
			return e.Kind
		case Kind:
			return e
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return ""
		}
		err = u.Unwrap()
	}
	return ""
}
