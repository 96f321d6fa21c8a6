// Package apperr defines the error taxonomy shared across the editing core.
// Callers classify failures with Kind rather than comparing concrete types.
package apperr

import (
	"errors"
	"fmt"
)

type Kind int

const (
	// Consistency means a recorded op does not match the live content.
	Consistency Kind = iota
	// NotFound covers missing documents, packs and projects.
	NotFound
	// Authorization covers "not authorized" and rate-limit rejections.
	Authorization
	// Transient covers lock timeouts, upstream 5xx and reset connections;
	// callers may retry a bounded number of times.
	Transient
	// TooLarge covers size-limit rejections; these fail closed.
	TooLarge
)

func (k Kind) String() string {
	switch k {
	case Consistency:
		return "consistency"
	case NotFound:
		return "not found"
	case Authorization:
		return "not authorized"
	case Transient:
		return "transient"
	case TooLarge:
		return "too large"
	default:
		return "unknown"
	}
}

type Error struct {
	Kind    Kind
	Message string
	// Op carries the offending operation for consistency errors, so the
	// history layer can flag it broken instead of aborting.
	Op  any
	Err error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// ConsistencyError records the op that failed to match the content.
func ConsistencyError(message string, op any) *Error {
	return &Error{Kind: Consistency, Message: message, Op: op}
}

// Is reports whether err is an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}
