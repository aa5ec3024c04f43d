// Package xerrors provides the gateway's error kind taxonomy and RPC
// error-code mapping.
package xerrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purpose of RPC wire mapping and logging.
type Kind int

const (
	Unknown Kind = iota
	InvalidInput
	NotFound
	Conflict
	Unavailable
	Timeout
	Corrupt
	Permission
	External
	Transport
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case InvalidInput:
		return "invalid_input"
	case NotFound:
		return "not_found"
	case Conflict:
		return "conflict"
	case Unavailable:
		return "unavailable"
	case Timeout:
		return "timeout"
	case Corrupt:
		return "corrupt"
	case Permission:
		return "permission"
	case External:
		return "external"
	case Transport:
		return "transport"
	case Cancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Error is a kinded, wrapped error.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a kinded error with a message.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a kind to an existing error.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// KindOf extracts the Kind from err, defaulting to Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}

// ParamsError marks a request's params as having failed to deserialize,
// per spec.md §7 / original_source/rpc.rs's RequestParams<P> decode step.
// It is distinct from Error: the wire code this earns (0) depends on
// *where* the failure happened, not what kind of error it is, so it must
// never be inferred from a Kind.
type ParamsError struct {
	Message string
	Cause   error
}

func (e *ParamsError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *ParamsError) Unwrap() error { return e.Cause }

// BadParams wraps a request params deserialization failure. Call this only
// at the literal json.Unmarshal(raw, &params) site for an incoming
// request/notification's top-level params — never for a handler's own
// business-logic failures, which must reach the wire as code -1 regardless
// of Kind.
func BadParams(message string, cause error) *ParamsError {
	return &ParamsError{Message: message, Cause: cause}
}

// IsParamsError reports whether err (or something it wraps) is a
// ParamsError.
func IsParamsError(err error) bool {
	var e *ParamsError
	return errors.As(err, &e)
}
