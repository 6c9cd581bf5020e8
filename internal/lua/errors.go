package lua

import (
	"fmt"

	"github.com/pkg/errors"
)

// ErrorKind is one of the five error kinds of spec §7.
type ErrorKind int

const (
	ErrSyntax ErrorKind = iota
	ErrRuntime
	ErrMemory
	ErrInErrorHandler
	ErrGCMetamethod
)

func (k ErrorKind) String() string {
	switch k {
	case ErrSyntax:
		return "syntax error"
	case ErrRuntime:
		return "runtime error"
	case ErrMemory:
		return "memory error"
	case ErrInErrorHandler:
		return "error in error handler"
	case ErrGCMetamethod:
		return "error in __gc metamethod"
	default:
		return "error"
	}
}

// Location is a source position, attached to most errors (spec §7).
type Location struct {
	Source string
	Line   int
}

func (l Location) String() string {
	if l.Source == "" {
		return ""
	}
	return fmt.Sprintf("%s:%d", l.Source, l.Line)
}

// Error is the value carried across the protected-call longjmp-style
// unwind described in spec §7: a kind tag, a human message, and
// usually a source location. It wraps github.com/pkg/errors so raise
// sites get a stack trace attached (Cause/Unwrap both work), matching
// how the rest of the pack (sentra-language-sentra, erigon,
// hyperpb-go) uses pkg/errors to annotate errors at the point they're
// raised rather than only at the point they're logged.
type Error struct {
	Kind ErrorKind
	Loc  Location
	Msg  string
	err  error // wrapped cause, for errors.Cause/Unwrap
}

func (e *Error) Error() string {
	if e.Loc.Source != "" {
		return fmt.Sprintf("%s: %s: %s", e.Loc, e.Kind, e.Msg)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.err }

// newError builds an *Error, wrapping it with pkg/errors so a stack
// trace is attached at the raise site.
func newError(kind ErrorKind, loc Location, format string, args ...interface{}) *Error {
	msg := fmt.Sprintf(format, args...)
	e := &Error{Kind: kind, Loc: loc, Msg: msg}
	e.err = errors.WithStack(errors.New(msg))
	return e
}

func syntaxError(loc Location, format string, args ...interface{}) *Error {
	return newError(ErrSyntax, loc, format, args...)
}

func runtimeError(format string, args ...interface{}) *Error {
	return newError(ErrRuntime, Location{}, format, args...)
}

var (
	errTableNilKey    = newError(ErrRuntime, Location{}, "table index is nil")
	errTableNaNKey    = newError(ErrRuntime, Location{}, "table index is NaN")
	errInvalidNextKey = newError(ErrRuntime, Location{}, "invalid key to 'next'")
	errOutOfMemory    = newError(ErrMemory, Location{}, "not enough memory")
)

// Raise unwinds to the nearest protected call by panicking with the
// *Error payload; Protect recovers it. This is the "explicit raise
// with kind + value" unwinding strategy from spec §9: it never lets a
// bare Go panic (a slice index, a nil deref) masquerade as a Lua
// error, and it never leaks past a protected boundary as a raw panic.
func Raise(err *Error) {
	panic(err)
}

// Protect runs fn, recovering any *Error raised within it (via Raise)
// and returning it as a normal error value. Any other panic
// (a programming bug in this package) is re-raised unchanged: only
// *Error values represent the language-level error channel.
func Protect(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			if le, ok := r.(*Error); ok {
				err = le
				return
			}
			panic(r)
		}
	}()
	fn()
	return nil
}
