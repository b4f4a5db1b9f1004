package models

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for common failure conditions
var (
	ErrNotFound   = errors.New("resource not found")
	ErrConflict   = errors.New("resource already exists")
	ErrForbidden  = errors.New("forbidden")
	ErrBadRequest = errors.New("bad request")

	// Token and session errors
	ErrInvalidSignature     = errors.New("invalid token signature or claims")
	ErrTokenRevoked         = errors.New("token has been revoked")
	ErrSessionNotFound      = errors.New("session not found")
	ErrSessionExpired       = errors.New("session expired")
	ErrMFARequired          = errors.New("mfa verification required")
	ErrDeviceMismatch       = errors.New("device fingerprint mismatch")
	ErrRefreshTokenReuse    = errors.New("refresh token reuse detected; all sessions revoked")
	ErrInvalidSecurityLevel = errors.New("invalid security level")
	ErrNoKey                = errors.New("no key material configured")

	// Verification errors
	ErrRateLimited              = errors.New("rate limit exceeded")
	ErrAccountLocked            = errors.New("account is temporarily locked")
	ErrInvalidCode              = errors.New("invalid verification code")
	ErrCodeExpired              = errors.New("verification code expired")
	ErrMaxAttemptsExceeded      = errors.New("maximum verification attempts exceeded")
	ErrChallengeAlreadyVerified = errors.New("challenge already verified")
	ErrBackupCodesExhausted     = errors.New("no backup codes remaining; use another enrolled factor")
	ErrMethodNotFound           = errors.New("mfa method not found")

	// SMS channel errors
	ErrInvalidPhoneNumber  = errors.New("invalid phone number")
	ErrUnsupportedCountry  = errors.New("phone number country not supported")
	ErrFraudSuspected      = errors.New("request refused by fraud screening")
	ErrProviderUnavailable = errors.New("sms provider unavailable")
)

// RateLimitError is returned when a sliding window is full
type RateLimitError struct {
	Scope      string // which limit fired, e.g. "phone" or "origin"
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("%s: %s limit, retry after %s", ErrRateLimited, e.Scope, e.RetryAfter.Round(time.Second))
}

func (e *RateLimitError) Unwrap() error {
	return ErrRateLimited
}

// LockoutError is returned while a subject is locked after too many failures.
// It matches both ErrAccountLocked and ErrMaxAttemptsExceeded.
type LockoutError struct {
	RetryAfter time.Duration
}

func (e *LockoutError) Error() string {
	return fmt.Sprintf("%s: retry after %s", ErrAccountLocked, e.RetryAfter.Round(time.Second))
}

func (e *LockoutError) Unwrap() []error {
	return []error{ErrAccountLocked, ErrMaxAttemptsExceeded}
}

// CodeError is returned for a wrong code while attempts remain
type CodeError struct {
	Remaining int
}

func (e *CodeError) Error() string {
	return fmt.Sprintf("%s: %d attempts remaining", ErrInvalidCode, e.Remaining)
}

func (e *CodeError) Unwrap() error {
	return ErrInvalidCode
}

// RetryAfter extracts the retry-after hint from rate limit and lockout errors
func RetryAfter(err error) (time.Duration, bool) {
	var rl *RateLimitError
	if errors.As(err, &rl) {
		return rl.RetryAfter, true
	}
	var lo *LockoutError
	if errors.As(err, &lo) {
		return lo.RetryAfter, true
	}
	return 0, false
}
