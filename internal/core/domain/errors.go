package domain

import (
	"errors"
	"fmt"
)

// Kind classifies a core error. Callers dispatch on Kind, never on message text.
type Kind string

const (
	KindValidation          Kind = "validation"
	KindNotFound            Kind = "not_found"
	KindAlreadyRedeemed     Kind = "already_redeemed"
	KindExpired             Kind = "expired"
	KindDeactivated         Kind = "deactivated"
	KindHWIDConflict        Kind = "hwid_conflict"
	KindAlreadyInactive     Kind = "already_inactive"
	KindGenerationExhausted Kind = "generation_exhausted"
	KindRateLimited         Kind = "rate_limited"
	KindForbidden           Kind = "forbidden"
	KindTransientStore      Kind = "transient_store"
)

// Error is the tagged error returned across the core boundary.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrExpired) works
// regardless of message.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Kind == e.Kind
}

// Retryable reports whether the operation may be retried with backoff.
func (e *Error) Retryable() bool {
	return e.Kind == KindTransientStore
}

// NewError builds a tagged error.
func NewError(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// WrapError builds a tagged error around a cause.
func WrapError(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Sentinels for errors.Is comparisons.
var (
	ErrValidation          = NewError(KindValidation, "validation failed")
	ErrNotFound            = NewError(KindNotFound, "not found")
	ErrAlreadyRedeemed     = NewError(KindAlreadyRedeemed, "key already redeemed")
	ErrExpired             = NewError(KindExpired, "key expired")
	ErrDeactivated         = NewError(KindDeactivated, "key deactivated")
	ErrHWIDConflict        = NewError(KindHWIDConflict, "device already has an active subscription")
	ErrAlreadyInactive     = NewError(KindAlreadyInactive, "subscription already inactive")
	ErrGenerationExhausted = NewError(KindGenerationExhausted, "unable to generate a unique key code")
	ErrRateLimited         = NewError(KindRateLimited, "rate limit exceeded")
	ErrForbidden           = NewError(KindForbidden, "forbidden")
	ErrTransientStore      = NewError(KindTransientStore, "transient store failure")
)

// KindOf extracts the Kind of err, or "" when err is not a tagged error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsRetryable reports whether err is a tagged transient failure.
func IsRetryable(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Retryable()
}
