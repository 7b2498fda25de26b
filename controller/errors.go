package controller

import (
	"errors"
	"fmt"
	"time"

	"github.com/isdmx/shellbox/command"
	"github.com/isdmx/shellbox/sandbox"
	"github.com/isdmx/shellbox/session"
)

// Kind classifies a failed operation
type Kind string

// Error kinds
const (
	KindValidation      Kind = "ValidationError"
	KindRateLimited     Kind = "RateLimited"
	KindSessionNotFound Kind = "SessionNotFound"
	KindSessionExpired  Kind = "SessionExpired"
	KindSessionClosed   Kind = "SessionClosed"
	KindSessionBusy     Kind = "SessionBusy"
	KindTooManySessions Kind = "TooManySessions"
	KindTimedOut        Kind = "TimedOut"
	KindInternal        Kind = "InternalError"
)

// Error is returned by every Controller operation that fails. For
// KindInternal the message is opaque; the cause is logged and kept for
// errors.Is / errors.As only.
type Error struct {
	Kind Kind
	// Reason is the validator's rejection reason for KindValidation
	Reason     command.Reason
	Detail     string
	RetryAfter time.Duration
	cause      error
}

func (e *Error) Error() string {
	switch e.Kind {
	case KindInternal:
		return "internal error"
	case KindValidation:
		if e.Detail != "" {
			return fmt.Sprintf("%s: %s: %s", e.Kind, e.Reason, e.Detail)
		}
		return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
	case KindRateLimited:
		return fmt.Sprintf("%s: retry after %s", e.Kind, e.RetryAfter.Round(time.Second))
	}
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Detail)
	}
	return string(e.Kind)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// KindOf returns the Kind of err, or KindInternal for an error that did
// not come from a Controller
func KindOf(err error) Kind {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr.Kind
	}
	return KindInternal
}

func rateLimited(retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, RetryAfter: retryAfter}
}

func internal(cause error) *Error {
	return &Error{Kind: KindInternal, cause: cause}
}

// classify maps package errors onto the caller-facing taxonomy
func classify(err error) *Error {
	var cerr *Error
	if errors.As(err, &cerr) {
		return cerr
	}

	var rejection *command.Rejection
	if errors.As(err, &rejection) {
		return &Error{Kind: KindValidation, Reason: rejection.Reason, Detail: rejection.Detail, cause: err}
	}

	kind := KindInternal
	switch {
	case errors.Is(err, session.ErrNotFound):
		kind = KindSessionNotFound
	case errors.Is(err, session.ErrExpired):
		kind = KindSessionExpired
	case errors.Is(err, session.ErrClosed):
		kind = KindSessionClosed
	case errors.Is(err, session.ErrBusy):
		kind = KindSessionBusy
	case errors.Is(err, session.ErrTooManySessions):
		kind = KindTooManySessions
	case errors.Is(err, sandbox.ErrTimedOut):
		kind = KindTimedOut
	}
	return &Error{Kind: kind, cause: err}
}
