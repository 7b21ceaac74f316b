// Package imagekit is a client-side image retrieval pipeline: it turns a
// URL into a decoded bitmap while minimizing redundant cache, disk, and
// network work.
package imagekit

import (
	"errors"
	"fmt"
)

// Kind classifies a pipeline error so callers can branch on behavior
// (retry, surface to the user, fall through to the next tier) without
// string matching.
type Kind string

const (
	KindInvalidURL     Kind = "invalid_url"
	KindTimeout        Kind = "timeout"
	KindNotFound       Kind = "not_found"
	KindNetworkError   Kind = "network_error"
	KindDecodeFailed   Kind = "decode_failed"
	KindCancelled      Kind = "cancelled"
	KindUnknown        Kind = "unknown"
)

// Error is the single typed error sum surfaced at every pipeline boundary.
// It is never a bare string and never panics a caller.
type Error struct {
	Kind      Kind
	Message   string
	Cause     error
	Retryable bool
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("imagekit: %s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("imagekit: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// newErr builds an *Error, deriving Retryable from the kind's default
// unless the caller knows better (callers that need the non-default pass
// it explicitly via the exported constructors below).
func newErr(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause, Retryable: defaultRetryable(kind)}
}

func defaultRetryable(kind Kind) bool {
	switch kind {
	case KindTimeout, KindNetworkError:
		return true
	default:
		return false
	}
}

func NewInvalidURLError(message string) *Error {
	return newErr(KindInvalidURL, message, nil)
}

func NewTimeoutError(message string, cause error) *Error {
	return newErr(KindTimeout, message, cause)
}

func NewNotFoundError(message string) *Error {
	e := newErr(KindNotFound, message, nil)
	e.Retryable = false
	return e
}

func NewNetworkError(message string, cause error) *Error {
	return newErr(KindNetworkError, message, cause)
}

// NewNetworkErrorRetryable lets HTTP-status-derived network errors override
// the default (e.g. a 4xx that isn't 408/429 is network_error but must not
// retry; a 5xx is network_error and must retry).
func NewNetworkErrorRetryable(message string, cause error, retryable bool) *Error {
	e := newErr(KindNetworkError, message, cause)
	e.Retryable = retryable
	return e
}

func NewDecodeFailedError(message string, cause error) *Error {
	return newErr(KindDecodeFailed, message, cause)
}

func NewCancelledError() *Error {
	e := newErr(KindCancelled, "operation cancelled", nil)
	e.Retryable = false
	return e
}

func NewUnknownError(cause error) *Error {
	return newErr(KindUnknown, "unexpected error", cause)
}

// AsError unwraps err into *Error if possible.
func AsError(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func IsKind(err error, kind Kind) bool {
	e, ok := AsError(err)
	return ok && e.Kind == kind
}

func IsNotFound(err error) bool   { return IsKind(err, KindNotFound) }
func IsCancelled(err error) bool  { return IsKind(err, KindCancelled) }
func IsTimeout(err error) bool    { return IsKind(err, KindTimeout) }
func IsDecodeFailed(err error) bool { return IsKind(err, KindDecodeFailed) }

// IsRetryable reports whether the error itself claims to be retryable. The
// final retry/no-retry decision also takes the attempt count into account
// (see retrypolicy.ShouldRetry).
func IsRetryable(err error) bool {
	e, ok := AsError(err)
	return ok && e.Retryable
}
