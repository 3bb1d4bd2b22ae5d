package session

import (
	"errors"
	"fmt"
)

type ErrorCode string

const (
	ErrorInvalidInput ErrorCode = "INVALID_INPUT"
	// ErrorNoActiveSession is expected: the caller should start a login.
	ErrorNoActiveSession ErrorCode = "NO_ACTIVE_SESSION"
	ErrorInvalidState    ErrorCode = "INVALID_OR_EXPIRED_STATE"
	ErrorIdPExchange     ErrorCode = "IDP_EXCHANGE_FAILED"
	ErrorRoleAssumption  ErrorCode = "ROLE_ASSUMPTION_FAILED"
	// ErrorIntegrity is a security event. Never retried; the user must sign in again.
	ErrorIntegrity      ErrorCode = "SESSION_INTEGRITY"
	ErrorKeyUnavailable ErrorCode = "KEY_UNAVAILABLE"
	// ErrorUnavailable covers transient store and key-service I/O failures.
	ErrorUnavailable ErrorCode = "UNAVAILABLE"
)

type Error struct {
	Code   ErrorCode
	Reason string
	Err    error
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.Err == nil {
		return fmt.Sprintf("session: %s (%s)", e.Code, e.Reason)
	}
	return fmt.Sprintf("session: %s (%s): %v", e.Code, e.Reason, e.Err)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func newError(code ErrorCode, reason string, err error) *Error {
	return &Error{Code: code, Reason: reason, Err: err}
}

// CodeOf returns the session error code carried by err, or "".
func CodeOf(err error) ErrorCode {
	var sErr *Error
	if errors.As(err, &sErr) {
		return sErr.Code
	}
	return ""
}

// IsCode reports whether err carries the given session error code.
func IsCode(err error, code ErrorCode) bool {
	return err != nil && CodeOf(err) == code
}

// Retryable reports whether the caller may retry the operation with backoff.
func Retryable(err error) bool {
	return IsCode(err, ErrorUnavailable)
}

// RequiresSignIn reports whether the failure is resolved by sending the user
// through the login flow again.
func RequiresSignIn(err error) bool {
	switch CodeOf(err) {
	case ErrorNoActiveSession, ErrorIntegrity:
		return true
	}
	return false
}
