package logger

import (
	"log/slog"
	"strings"
)

// MaskPhone masks an E.164 number for logging, keeping the leading "+" with the
// first digit and the last two digits (e.g. "+1********67")
func MaskPhone(phone string) string {
	digits := strings.TrimPrefix(phone, "+")
	if len(digits) < 4 {
		return "[invalid-phone]"
	}
	return "+" + digits[:1] + strings.Repeat("*", len(digits)-3) + digits[len(digits)-2:]
}

// PhoneAttr returns a masked phone attribute
func PhoneAttr(key, phone string) slog.Attr {
	return slog.String(key, MaskPhone(phone))
}

// RedactedAttr returns a redacted slog attribute for sensitive values
// In production, returns "[REDACTED]"; in development, returns the actual value
func RedactedAttr(key, value, env string) slog.Attr {
	if env == "production" {
		return slog.String(key, "[REDACTED]")
	}
	return slog.String(key, value)
}

// TokenFingerprint returns a non-reversible short form of a bearer token for correlation
func TokenFingerprint(token string) string {
	if len(token) <= 12 {
		return "[REDACTED]"
	}
	return token[len(token)-8:]
}

// SanitizeQueryString checks if query string contains sensitive parameters
// and returns true if the entire query string should be redacted
func SanitizeQueryString(rawQuery string) bool {
	sensitiveParams := []string{
		"password",
		"token",
		"secret",
		"code",
		"phone",
		"api_key",
		"apikey",
		"auth",
	}

	query := strings.ToLower(rawQuery)
	for _, param := range sensitiveParams {
		if strings.Contains(query, param) {
			return true
		}
	}
	return false
}
