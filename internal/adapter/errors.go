package adapter

import (
	"errors"
	"fmt"
)

// Error kinds. Callers test them with errors.Is; provider-native error
// shapes never travel past the provider packages.
var (
	// ErrNotFound is returned when a requested resource is not found.
	ErrNotFound = errors.New("resource not found")

	// ErrPreconditionFailed is returned when an ETag mismatch occurs.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrAuthorization means consent was denied, cancelled, or the
	// credentials are no longer accepted. Re-authentication is required.
	ErrAuthorization = errors.New("authorization failed")

	// ErrTokenRefresh means the refresh token was rejected; stored tokens
	// have been cleared.
	ErrTokenRefresh = errors.New("token refresh failed")

	// ErrTransport covers network failures, timeouts, 5xx and 429 after
	// retries are exhausted.
	ErrTransport = errors.New("transport error")

	// ErrQuotaExceeded is fatal and never retried.
	ErrQuotaExceeded = errors.New("storage quota exceeded")

	// ErrValidation marks malformed note or page data.
	ErrValidation = errors.New("validation failed")

	// ErrRejected is a non-retryable client error (4xx other than the ones above).
	ErrRejected = errors.New("request rejected")
)

// Error carries a kind from the taxonomy plus the context it happened in.
type Error struct {
	Kind   error
	Op     string
	Status int    // HTTP status, if any
	Code   string // provider error code, if any
	Err    error
}

// NewError builds an *Error of the given kind.
func NewError(kind error, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Code != "" {
		msg += " [" + e.Code + "]"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap exposes both the kind and the cause to errors.Is / errors.As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// StatusOf returns the HTTP status recorded in err, or 0.
func StatusOf(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.Status
	}
	return 0
}

// IsTerminalAuth reports whether err requires the user to authenticate again.
func IsTerminalAuth(err error) bool {
	return errors.Is(err, ErrAuthorization) || errors.Is(err, ErrTokenRefresh)
}
