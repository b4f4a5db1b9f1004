package middleware

import (
	"crypto/tls"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSecurityHeaders(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "development"})(okHandler())

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest("GET", "/health", nil))

	tests := []struct {
		header   string
		expected string
	}{
		{"X-Content-Type-Options", "nosniff"},
		{"X-Frame-Options", "DENY"},
		{"Referrer-Policy", "no-referrer"},
		{"Cache-Control", "no-store"},
		{"Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.expected, w.Header().Get(tt.header), tt.header)
	}
	assert.Empty(t, w.Header().Get("Strict-Transport-Security"))
}

func TestSecurityHeaders_HSTSOnlyInProductionOverHTTPS(t *testing.T) {
	handler := SecurityHeaders(SecurityHeadersConfig{Env: "production"})(okHandler())

	plain := httptest.NewRecorder()
	handler.ServeHTTP(plain, httptest.NewRequest("GET", "/", nil))
	assert.Empty(t, plain.Header().Get("Strict-Transport-Security"))

	forwarded := httptest.NewRequest("GET", "/", nil)
	forwarded.Header.Set("X-Forwarded-Proto", "https")
	w := httptest.NewRecorder()
	handler.ServeHTTP(w, forwarded)
	assert.Contains(t, w.Header().Get("Strict-Transport-Security"), "max-age=31536000")

	direct := httptest.NewRequest("GET", "/", nil)
	direct.TLS = &tls.ConnectionState{}
	w = httptest.NewRecorder()
	handler.ServeHTTP(w, direct)
	assert.NotEmpty(t, w.Header().Get("Strict-Transport-Security"))
}
