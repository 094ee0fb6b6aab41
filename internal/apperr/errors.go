// Package apperr defines the error taxonomy shared by the evaluator,
// supervisor, oracles and persistence port, so callers can branch on
// error kind without parsing driver-specific messages.
package apperr

import (
	"errors"
	"fmt"
)

// Kind classifies an error for the purposes of retry and user-facing
// messaging. Never derive a user-visible message from the wrapped error's
// text; use Kind instead.
type Kind string

const (
	NotFound     Kind = "not_found"
	Conflict     Kind = "conflict"
	InvalidInput Kind = "invalid_input"
	Transient    Kind = "transient"
	Fatal        Kind = "fatal"
	Unauthorised Kind = "unauthorised"
)

// Error wraps an underlying cause with a Kind.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// New builds a bare Error of the given kind.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Wrap annotates err with a Kind, preserving it for errors.Unwrap/errors.Is.
func Wrap(kind Kind, msg string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Is reports whether err (or anything it wraps) carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// KindOf returns the Kind attached to err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}
