package domain

import (
	"errors"
	"fmt"
)

// Kind classifies engine failures. Kinds are stable and safe to show to operators.
type Kind string

const (
	KindFetch       Kind = "fetch"
	KindProvision   Kind = "provision"
	KindSpawn       Kind = "spawn"
	KindNotRunning  Kind = "not_running"
	KindNotFound    Kind = "not_found"
	KindDuplicateID Kind = "duplicate_id"
	KindValidation  Kind = "validation"
	KindPersistence Kind = "persistence"
)

// ErrTargetExists is wrapped by fetch errors that refused to write into a
// directory that already has content.
var ErrTargetExists = errors.New("target directory already exists and is not empty")

// Error is the single error type returned by engine components.
type Error struct {
	Kind    Kind
	BotID   string
	Message string
	// Output holds diagnostics captured from an external tool (git, pip).
	Output string
	Err    error

	timeout bool
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	msg := string(e.Kind) + ": " + e.Message
	if e.BotID != "" {
		msg = fmt.Sprintf("%s: bot %s: %s", e.Kind, e.BotID, e.Message)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Timeout reports whether the failure was caused by a bounded wait expiring
// rather than the underlying tool failing.
func (e *Error) Timeout() bool { return e != nil && e.timeout }

// WithOutput attaches tool diagnostics.
func (e *Error) WithOutput(out string) *Error {
	e.Output = out
	return e
}

// AsTimeout marks the error as a timeout.
func (e *Error) AsTimeout() *Error {
	e.timeout = true
	return e
}

func NewError(kind Kind, botID, message string) *Error {
	return &Error{Kind: kind, BotID: botID, Message: message}
}

func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps err with a kind. A nil err still yields a usable error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func NotFound(botID string) *Error {
	return NewError(KindNotFound, botID, "no such bot")
}

func NotRunning(botID string) *Error {
	return NewError(KindNotRunning, botID, "no process on record")
}

func DuplicateID(botID string) *Error {
	return NewError(KindDuplicateID, botID, "bot id already registered")
}

// KindOf returns the kind of the first *Error in err's chain, or "" if none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// IsTimeout reports whether any *Error in err's chain is a timeout.
func IsTimeout(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Timeout()
	}
	return false
}
