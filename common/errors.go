package common

import (
	"errors"
	"fmt"
)

// --------------------------------------------------------------------------
// Error Kinds
// --------------------------------------------------------------------------

// Sentinel errors, one per kind. Match with errors.Is.
var (
	// ErrResourceExhaustion indicates an OS-level resource (thread, loop, fd)
	// could not be allocated.
	ErrResourceExhaustion = errors.New("resource exhaustion")

	// ErrInvalidState indicates an operation referenced an already destroyed
	// or not yet ready handle.
	ErrInvalidState = errors.New("invalid state")

	// ErrConfiguration indicates a configuration could not be applied or compiled.
	ErrConfiguration = errors.New("configuration error")

	// ErrPlatformUnsupported indicates the linked backend lacks a requested capability.
	ErrPlatformUnsupported = errors.New("platform unsupported")
)

// Kind classifies an Error
type Kind int

const (
	KindResourceExhaustion Kind = iota + 1
	KindInvalidState
	KindConfiguration
	KindPlatformUnsupported
)

// String returns the string representation of the kind
func (k Kind) String() string {
	switch k {
	case KindResourceExhaustion:
		return "ResourceExhaustion"
	case KindInvalidState:
		return "InvalidState"
	case KindConfiguration:
		return "ConfigurationError"
	case KindPlatformUnsupported:
		return "PlatformUnsupported"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// sentinel returns the sentinel error of the kind
func (k Kind) sentinel() error {
	switch k {
	case KindResourceExhaustion:
		return ErrResourceExhaustion
	case KindInvalidState:
		return ErrInvalidState
	case KindConfiguration:
		return ErrConfiguration
	case KindPlatformUnsupported:
		return ErrPlatformUnsupported
	default:
		return nil
	}
}

// --------------------------------------------------------------------------
// Error Type
// --------------------------------------------------------------------------

// Error is the error type returned by all dIO constructors and compilers
type Error struct {
	// Kind of the error
	Kind Kind
	// Op is the operation that failed (e.g. "elg.New", "tlsctx.Compile")
	Op string
	// Detail is a human-readable description
	Detail string
	// Cause is the underlying error, may be nil
	Cause error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *Error) Unwrap() error {
	return e.Cause
}

// Is reports whether target is the sentinel of this error's kind
func (e *Error) Is(target error) bool {
	if s := e.Kind.sentinel(); s != nil && target == s {
		return true
	}
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Detail == "" && t.Cause == nil
}

// --------------------------------------------------------------------------
// Factory Functions
// --------------------------------------------------------------------------

// NewError creates a new Error of the given kind
func NewError(kind Kind, op, detail string, cause error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Cause: cause}
}

// ResourceExhaustion creates a KindResourceExhaustion error
func ResourceExhaustion(op, detail string, cause error) *Error {
	return NewError(KindResourceExhaustion, op, detail, cause)
}

// InvalidState creates a KindInvalidState error
func InvalidState(op, detail string) *Error {
	return NewError(KindInvalidState, op, detail, nil)
}

// Configuration creates a KindConfiguration error
func Configuration(op, detail string, cause error) *Error {
	return NewError(KindConfiguration, op, detail, cause)
}

// PlatformUnsupported creates a KindPlatformUnsupported error
func PlatformUnsupported(op, detail string) *Error {
	return NewError(KindPlatformUnsupported, op, detail, nil)
}

// KindOf returns the kind of the first *Error in err's chain, or 0
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
