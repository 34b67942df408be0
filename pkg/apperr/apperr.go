// Package apperr defines the closed set of typed application errors.
// Every user-visible failure carries one of the stable codes below; the
// HTTP layer maps codes to statuses and never invents new ones.
package apperr

import (
	"errors"
	"fmt"
	"net/http"
)

// Stable error codes. These are part of the external contract and must
// never be renamed.
const (
	CodeAuthRequired            = "auth_required"
	CodeAuthMismatch            = "auth_mismatch"
	CodeRateLimited             = "rate_limited"
	CodeAbuseBlocked            = "abuse_blocked"
	CodeSelfSendNotAllowed      = "self_send_not_allowed"
	CodeInsufficientBalance     = "insufficient_balance"
	CodeNotAccepted             = "not_accepted"
	CodeIdempotencyConflict     = "idempotency_conflict"
	CodeIdentityWalletCollision = "identity_wallet_collision"
	CodeInvalidSecretFormat     = "invalid_secret_format"
	CodeComplianceRequired      = "compliance_required"
	CodeProviderUnavailable     = "notification_provider_unavailable"
	CodeLaunchNotReady          = "launch_not_ready"
	CodeInternal                = "internal_error"
	CodeValidation              = "validation_error"
	CodeNotFound                = "not_found"
)

// Error is a typed application error. Code is stable; Details are safe to
// return to the caller.
type Error struct {
	Code         string
	HTTPStatus   int
	Message      string
	RetryAfterMs int64
	Details      map[string]any
	cause        error
}

func (e *Error) Error() string {
	if e.Message != "" {
		return e.Code + ": " + e.Message
	}
	return e.Code
}

func (e *Error) Unwrap() error { return e.cause }

// WithCause attaches an underlying error for logs; the cause is never
// exposed to clients.
func (e *Error) WithCause(err error) *Error {
	c := *e
	c.cause = err
	return &c
}

// WithDetail returns a copy with an added detail field.
func (e *Error) WithDetail(key string, value any) *Error {
	c := *e
	c.Details = make(map[string]any, len(e.Details)+1)
	for k, v := range e.Details {
		c.Details[k] = v
	}
	c.Details[key] = value
	return &c
}

func newErr(code string, status int, msg string) *Error {
	return &Error{Code: code, HTTPStatus: status, Message: msg}
}

func AuthRequired() *Error { return newErr(CodeAuthRequired, http.StatusUnauthorized, "authentication required") }
func AuthMismatch() *Error { return newErr(CodeAuthMismatch, http.StatusForbidden, "authenticated user does not match sender") }

// RateLimited carries remaining=0 per the send contract.
func RateLimited(retryAfterMs int64) *Error {
	e := newErr(CodeRateLimited, http.StatusTooManyRequests, "rate limit exceeded")
	e.RetryAfterMs = retryAfterMs
	e.Details = map[string]any{"remaining": 0}
	return e
}

// AbuseBlocked reports an active abuse block with its remaining duration.
func AbuseBlocked(retryAfterMs int64, reason string) *Error {
	e := newErr(CodeAbuseBlocked, http.StatusTooManyRequests, "sender blocked by abuse policy")
	e.RetryAfterMs = retryAfterMs
	e.Details = map[string]any{"reason": reason}
	return e
}

func SelfSendNotAllowed() *Error {
	return newErr(CodeSelfSendNotAllowed, http.StatusConflict, "cannot send a message to yourself")
}

func InsufficientBalance(balance, price int64) *Error {
	e := newErr(CodeInsufficientBalance, http.StatusConflict, "prepaid balance too low")
	e.Details = map[string]any{"balance": balance, "price": price}
	return e
}

func NotAccepted() *Error {
	return newErr(CodeNotAccepted, http.StatusConflict, "recipient does not accept messages from unknown senders")
}

func IdempotencyConflict() *Error {
	return newErr(CodeIdempotencyConflict, http.StatusConflict, "idempotency key already used with a different request")
}

func IdentityWalletCollision() *Error {
	return newErr(CodeIdentityWalletCollision, http.StatusConflict, "wallet address already bound to another identity")
}

func InvalidSecretFormat() *Error {
	return newErr(CodeInvalidSecretFormat, http.StatusBadRequest, "secret reference has an invalid format")
}

func ComplianceRequired(detail string) *Error {
	return newErr(CodeComplianceRequired, http.StatusForbidden, detail)
}

// ProviderUnavailable carries the provider reason as an opaque sub-code.
func ProviderUnavailable(reason string) *Error {
	e := newErr(CodeProviderUnavailable, http.StatusServiceUnavailable, "notification provider unavailable")
	e.Details = map[string]any{"reason": reason}
	return e
}

func LaunchNotReady(failures []string) *Error {
	e := newErr(CodeLaunchNotReady, http.StatusServiceUnavailable, "launch readiness checks failed")
	e.Details = map[string]any{"failures": failures}
	return e
}

func Validation(detail string) *Error {
	return newErr(CodeValidation, http.StatusBadRequest, detail)
}

func NotFound(what string) *Error {
	return newErr(CodeNotFound, http.StatusNotFound, what+" not found")
}

// Internal wraps a transient or unexpected backend fault. Safe to retry
// with the same idempotency key.
func Internal(err error) *Error {
	e := newErr(CodeInternal, http.StatusInternalServerError, "an unexpected error occurred")
	e.cause = err
	return e
}

// From extracts a typed Error, or wraps err as internal_error.
func From(err error) *Error {
	var ae *Error
	if errors.As(err, &ae) {
		return ae
	}
	return Internal(err)
}

// Is reports whether err carries the given stable code.
func Is(err error, code string) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Code == code
}

// Wrap annotates an internal error with context without changing its code.
func Wrap(err error, format string, args ...any) error {
	return fmt.Errorf(format+": %w", append(args, err)...)
}
