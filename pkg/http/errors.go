package http

import (
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"

	"github.com/BradenHooton/authcore/internal/models"
)

// ErrorResponse represents a standard API error response
type ErrorResponse struct {
	Error      string `json:"error"`                 // Machine-readable error code
	Message    string `json:"message"`               // Human-readable message
	Details    string `json:"details,omitempty"`     // Optional additional context
	RetryAfter int    `json:"retry_after,omitempty"` // Seconds, for 429 responses
}

// WriteError writes a JSON error response with the given status code
func WriteError(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSONError(w, statusCode, ErrorResponse{Error: errorCode, Message: message})
}

// WriteErrorWithDetails writes a JSON error response with additional details
func WriteErrorWithDetails(w http.ResponseWriter, statusCode int, errorCode, message, details string) {
	writeJSONError(w, statusCode, ErrorResponse{Error: errorCode, Message: message, Details: details})
}

func writeJSONError(w http.ResponseWriter, statusCode int, resp ErrorResponse) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(resp)
}

func WriteBadRequest(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusBadRequest, "bad_request", message)
}

func WriteUnauthorized(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusUnauthorized, "unauthorized", message)
}

func WriteInternalError(w http.ResponseWriter, message string) {
	WriteError(w, http.StatusInternalServerError, "internal_error", message)
}

type errorMapping struct {
	target  error
	status  int
	code    string
	message string
}

// Order matters: LockoutError matches ErrMaxAttemptsExceeded too, so ErrAccountLocked comes first.
var errorMappings = []errorMapping{
	{models.ErrRefreshTokenReuse, http.StatusUnauthorized, "refresh_token_reuse", "Refresh token reuse detected; all sessions revoked"},
	{models.ErrTokenRevoked, http.StatusUnauthorized, "token_revoked", "Token has been revoked"},
	{models.ErrSessionExpired, http.StatusUnauthorized, "session_expired", "Session expired"},
	{models.ErrSessionNotFound, http.StatusUnauthorized, "session_not_found", "Session not found"},
	{models.ErrInvalidSignature, http.StatusUnauthorized, "invalid_token", "Invalid or malformed token"},
	{models.ErrMFARequired, http.StatusForbidden, "mfa_required", "MFA verification required"},
	{models.ErrDeviceMismatch, http.StatusForbidden, "device_mismatch", "Device does not match the session"},
	{models.ErrFraudSuspected, http.StatusForbidden, "request_refused", "Request refused"},
	{models.ErrForbidden, http.StatusForbidden, "forbidden", "Forbidden"},
	{models.ErrRateLimited, http.StatusTooManyRequests, "rate_limit_exceeded", "Rate limit exceeded"},
	{models.ErrAccountLocked, http.StatusTooManyRequests, "account_locked", "Too many failed attempts; try again later"},
	{models.ErrMaxAttemptsExceeded, http.StatusForbidden, "max_attempts_exceeded", "Maximum verification attempts exceeded"},
	{models.ErrInvalidCode, http.StatusUnauthorized, "invalid_code", "Invalid verification code"},
	{models.ErrCodeExpired, http.StatusGone, "code_expired", "Verification code expired"},
	{models.ErrBackupCodesExhausted, http.StatusForbidden, "backup_codes_exhausted", "No backup codes remaining"},
	{models.ErrChallengeAlreadyVerified, http.StatusConflict, "already_verified", "Challenge already verified"},
	{models.ErrConflict, http.StatusConflict, "conflict", "Resource already exists"},
	{models.ErrMethodNotFound, http.StatusNotFound, "method_not_found", "MFA method not found"},
	{models.ErrNotFound, http.StatusNotFound, "not_found", "Resource not found"},
	{models.ErrInvalidPhoneNumber, http.StatusBadRequest, "invalid_phone_number", "Invalid phone number"},
	{models.ErrUnsupportedCountry, http.StatusBadRequest, "unsupported_country", "Phone number country not supported"},
	{models.ErrInvalidSecurityLevel, http.StatusBadRequest, "invalid_security_level", "Invalid security level"},
	{models.ErrBadRequest, http.StatusBadRequest, "bad_request", "Bad request"},
	{models.ErrProviderUnavailable, http.StatusServiceUnavailable, "provider_unavailable", "SMS delivery unavailable"},
}

// WriteServiceError maps a core error to its HTTP status and writes it.
// Rate limit and lockout errors also set Retry-After in whole seconds.
func WriteServiceError(w http.ResponseWriter, err error) {
	if m, ok := lookup(err); ok {
		resp := ErrorResponse{Error: m.code, Message: m.message}
		var codeErr *models.CodeError
		if errors.As(err, &codeErr) {
			resp.Details = strconv.Itoa(codeErr.Remaining) + " attempts remaining"
		}
		if retry, ok := models.RetryAfter(err); ok {
			secs := int(math.Ceil(retry.Seconds()))
			if secs < 1 {
				secs = 1
			}
			resp.RetryAfter = secs
			w.Header().Set("Retry-After", strconv.Itoa(secs))
		}
		writeJSONError(w, m.status, resp)
		return
	}
	WriteInternalError(w, "Internal server error")
}

// ErrorCode returns the machine-readable code WriteServiceError would use for err
func ErrorCode(err error) string {
	if m, ok := lookup(err); ok {
		return m.code
	}
	return "internal_error"
}

func lookup(err error) (errorMapping, bool) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			return m, true
		}
	}
	return errorMapping{}, false
}
