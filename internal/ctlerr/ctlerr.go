// Package ctlerr defines the closed error-kind taxonomy shared by every
// command response the control plane emits.
package ctlerr

import (
	"errors"
	"fmt"
)

// Kind identifies a stable, wire-visible error category.
type Kind string

const (
	InvalidArgument    Kind = "invalid-argument"
	NotFound           Kind = "not-found"
	SessionNotLive     Kind = "session-not-live"
	ControllerConflict Kind = "controller-conflict"
	Archived           Kind = "archived"
	ConstraintViolation Kind = "constraint-violation"
	PTYStartFailed     Kind = "pty-start-failed"
	JournalGap         Kind = "journal-gap"
	TerminalRequired   Kind = "terminal-required"
)

// Error is the typed error carried on every failing command response.
type Error struct {
	Kind    Kind
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// New builds an *Error with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an existing error's message without losing text.
func Wrap(kind Kind, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: err.Error()}
}

// As reports whether err is (or wraps) a *ctlerr.Error, mirroring errors.As
// without importing it at every call site.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}
