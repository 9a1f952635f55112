// Package autherr defines the error kinds surfaced by the identity core.
//
// Every error returned across a component boundary either is, or wraps, an *Error whose Kind
// is stable and safe to expose. Callers branch with errors.Is against the Err* sentinels.
package autherr

import (
	"errors"
	"fmt"
	"time"
)

type Kind string

const (
	KindRateLimited        Kind = "rate_limited"
	KindBruteForceLocked   Kind = "brute_force_locked"
	KindInvalidCode        Kind = "invalid_or_expired_code"
	KindTokenRevoked       Kind = "token_revoked"
	KindSessionNotFound    Kind = "session_not_found"
	KindMalformedToken     Kind = "malformed_token"
	KindIdentityConflict   Kind = "identity_conflict"
	KindDataIntegrity      Kind = "data_integrity"
	KindNotFound           Kind = "not_found"
	KindInvalidCredentials Kind = "invalid_credentials"
	KindVerificationNeeded Kind = "verification_required"
	KindInvalidInput       Kind = "invalid_input"
)

type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error of the same kind, so sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.Kind == e.Kind
}

var (
	ErrRateLimited        = &Error{Kind: KindRateLimited, Message: "too many requests"}
	ErrBruteForceLocked   = &Error{Kind: KindBruteForceLocked, Message: "too many failed attempts"}
	ErrInvalidCode        = &Error{Kind: KindInvalidCode, Message: "invalid or expired code"}
	ErrTokenRevoked       = &Error{Kind: KindTokenRevoked, Message: "token revoked"}
	ErrSessionNotFound    = &Error{Kind: KindSessionNotFound, Message: "session expired or revoked"}
	ErrMalformedToken     = &Error{Kind: KindMalformedToken, Message: "malformed token"}
	ErrIdentityConflict   = &Error{Kind: KindIdentityConflict, Message: "identity already registered"}
	ErrDataIntegrity      = &Error{Kind: KindDataIntegrity, Message: "stored data could not be decoded"}
	ErrNotFound           = &Error{Kind: KindNotFound, Message: "principal not found"}
	ErrInvalidCredentials = &Error{Kind: KindInvalidCredentials, Message: "invalid credentials"}
	ErrVerificationNeeded = &Error{Kind: KindVerificationNeeded, Message: "identifier not verified"}
	ErrInvalidInput       = &Error{Kind: KindInvalidInput, Message: "invalid input"}
)

func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

func RateLimited(message string, retryAfter time.Duration) *Error {
	return &Error{Kind: KindRateLimited, Message: message, RetryAfter: retryAfter}
}

func Locked(retryAfter time.Duration) *Error {
	return &Error{Kind: KindBruteForceLocked, Message: "too many failed attempts", RetryAfter: retryAfter}
}

// KindOf returns the kind of the first *Error in err's chain, or "" when there is none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Unauthorized reports whether err must be surfaced to clients as a uniform "unauthorized".
func Unauthorized(err error) bool {
	switch KindOf(err) {
	case KindTokenRevoked, KindSessionNotFound, KindMalformedToken, KindInvalidCredentials:
		return true
	}
	return false
}

// RetryAfter returns the retry hint carried by err, if any.
func RetryAfter(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}
