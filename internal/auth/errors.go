package auth

import "fmt"

// Code classifies an auth failure so API clients can react programmatically.
type Code string

const (
	CodeInvalidCredentials  Code = "INVALID_CREDENTIALS"
	CodeAccountNotFound     Code = "ACCOUNT_NOT_FOUND"
	CodeInvalidCode         Code = "INVALID_CODE"
	CodeExpiredCode         Code = "EXPIRED_CODE"
	CodeInvalidVerifier     Code = "INVALID_VERIFIER"
	CodeProviderMismatch    Code = "PROVIDER_MISMATCH"
	CodeAccountDeleted      Code = "ACCOUNT_DELETED"
	CodeRateLimited         Code = "RATE_LIMITED"
	CodeInvalidRefreshToken Code = "INVALID_REFRESH_TOKEN"
	CodeExpiredSession      Code = "EXPIRED_SESSION"
	CodeOAuthFailed         Code = "OAUTH_FAILED"
	CodeInternalError       Code = "INTERNAL_ERROR"
)

// Error is a typed auth failure carrying a machine-readable Code and a
// human-readable message. Use errors.As to recover the code from a wrapped
// chain, or errors.Is against the sentinel values below.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("auth: %s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("auth: %s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is makes errors.Is(err, target) match any *Error with the same code, so
// sentinel comparisons like errors.Is(err, ErrRateLimited) work regardless
// of the message attached at the call site.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewError constructs a typed auth error.
func NewError(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// WrapError constructs a typed auth error wrapping an underlying cause.
func WrapError(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

// Sentinel values for errors.Is comparisons. Call sites that need a more
// specific message construct their own *Error with the same code.
var (
	ErrInvalidCredentials  = NewError(CodeInvalidCredentials, "invalid credentials")
	ErrAccountNotFound     = NewError(CodeAccountNotFound, "account not found")
	ErrInvalidCode         = NewError(CodeInvalidCode, "could not verify code")
	ErrExpiredCode         = NewError(CodeExpiredCode, "code has expired")
	ErrInvalidVerifier     = NewError(CodeInvalidVerifier, "invalid verifier")
	ErrProviderMismatch    = NewError(CodeProviderMismatch, "code was issued for a different provider")
	ErrAccountDeleted      = NewError(CodeAccountDeleted, "account has been deleted")
	ErrRateLimited         = NewError(CodeRateLimited, "too many failed attempts, try again later")
	ErrInvalidRefreshToken = NewError(CodeInvalidRefreshToken, "invalid refresh token")
	ErrExpiredSession      = NewError(CodeExpiredSession, "session has expired")
	ErrOAuthFailed         = NewError(CodeOAuthFailed, "oauth sign-in failed")
	ErrInternalError       = NewError(CodeInternalError, "internal error")
)
