// Package apperr defines the error kinds returned by the trackers. Callers
// branch on Kind, never on the message text.
package apperr

import (
	"errors"
	"fmt"

	"golang.org/x/xerrors"
)

// Kind is a stable, machine-readable error category.
type Kind string

const (
	KindConflict     Kind = "conflict"
	KindNotFound     Kind = "not_found"
	KindInvalidState Kind = "invalid_state"
	KindValidation   Kind = "validation"
	KindStorage      Kind = "storage"
)

// Error is the typed error surfaced to callers. State holds the tracker
// state observed when a guard rejected the operation, if any.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	State   string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.State != "" {
		msg = fmt.Sprintf("%s (state %s)", msg, e.State)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %s", e.Kind, msg)
	}
	return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Conflict reports an attempt to create something that already exists.
func Conflict(op, state, msg string) error {
	return &Error{Kind: KindConflict, Op: op, State: state, Message: msg}
}

// NotFound reports a transition on a missing record.
func NotFound(op, state, msg string) error {
	return &Error{Kind: KindNotFound, Op: op, State: state, Message: msg}
}

// InvalidState reports an out-of-order transition.
func InvalidState(op, state, msg string) error {
	return &Error{Kind: KindInvalidState, Op: op, State: state, Message: msg}
}

// Validation reports a malformed request.
func Validation(op, msg string) error {
	return &Error{Kind: KindValidation, Op: op, Message: msg}
}

// Storage wraps a persistence failure. A nil err yields nil. Errors that
// already carry a kind pass through untouched.
func Storage(op string, err error) error {
	if err == nil {
		return nil
	}
	var typed *Error
	if errors.As(err, &typed) {
		return err
	}
	return &Error{Kind: KindStorage, Op: op, Message: "storage failure", Err: xerrors.Errorf("%s: %w", op, err)}
}

// KindOf returns the kind carried by err. Untyped errors report storage so
// they are never mistaken for a guard violation.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var typed *Error
	if errors.As(err, &typed) {
		return typed.Kind
	}
	return KindStorage
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Retryable is true only for storage failures. Guard violations never change
// outcome on retry.
func Retryable(err error) bool {
	return IsKind(err, KindStorage)
}
