package http_test

import (
	"net/http/httptest"
	"testing"

	pkghttp "github.com/BradenHooton/authcore/pkg/http"
	"github.com/stretchr/testify/assert"
)

var proxyConfig = &pkghttp.IPConfig{TrustedProxies: []string{"10.0.0.0/8", "127.0.0.1/32"}}

// ============================================================================
// ExtractClientIP Tests
// ============================================================================

func TestExtractClientIP(t *testing.T) {
	tests := []struct {
		name       string
		remoteAddr string
		xff        string
		xri        string
		config     *pkghttp.IPConfig
		want       string
	}{
		{name: "direct client ignores spoofed headers", remoteAddr: "203.0.113.10:54321", xff: "1.2.3.4", xri: "192.168.1.1", config: proxyConfig, want: "203.0.113.10"},
		{name: "trusted proxy uses forwarded for", remoteAddr: "10.0.0.5:54321", xff: "198.51.100.7, 10.0.0.5", config: proxyConfig, want: "198.51.100.7"},
		{name: "invalid forwarded entries skipped", remoteAddr: "10.0.0.5:1", xff: "garbage, 198.51.100.8", config: proxyConfig, want: "198.51.100.8"},
		{name: "trusted proxy falls back to real ip", remoteAddr: "127.0.0.1:1", xri: "2001:db8::1", config: proxyConfig, want: "2001:db8::1"},
		{name: "trusted proxy without headers", remoteAddr: "10.1.2.3:8080", config: proxyConfig, want: "10.1.2.3"},
		{name: "nil config", remoteAddr: "10.0.0.5:1", xff: "1.2.3.4", want: "10.0.0.5"},
		{name: "remote addr without port", remoteAddr: "203.0.113.10", config: proxyConfig, want: "203.0.113.10"},
		{name: "empty remote addr", remoteAddr: "", want: "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/", nil)
			req.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				req.Header.Set("X-Forwarded-For", tt.xff)
			}
			if tt.xri != "" {
				req.Header.Set("X-Real-IP", tt.xri)
			}
			assert.Equal(t, tt.want, pkghttp.ExtractClientIP(req, tt.config))
		})
	}
}

// ============================================================================
// RequestContextFrom / BearerToken Tests
// ============================================================================

func TestRequestContextFrom(t *testing.T) {
	req := httptest.NewRequest("POST", "/v1/tokens/introspect", nil)
	req.RemoteAddr = "203.0.113.10:443"
	req.Header.Set(pkghttp.HeaderDeviceFingerprint, " fp-1 ")
	req.Header.Set(pkghttp.HeaderGeo, "US-CA")
	req.Header.Set("User-Agent", "Mozilla/5.0")

	rc := pkghttp.RequestContextFrom(req, nil)
	assert.Equal(t, "fp-1", rc.DeviceFingerprint)
	assert.Equal(t, "203.0.113.10", rc.Origin)
	assert.Equal(t, "US-CA", rc.Geo)
	assert.Equal(t, "Mozilla/5.0", rc.UserAgent)
}

func TestBearerToken(t *testing.T) {
	tests := []struct {
		header string
		want   string
	}{
		{"Bearer abc.def.ghi", "abc.def.ghi"},
		{"bearer abc", "abc"},
		{"Basic dXNlcjpwYXNz", ""},
		{"Bearer", ""},
		{"", ""},
	}
	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			req.Header.Set("Authorization", tt.header)
		}
		assert.Equal(t, tt.want, pkghttp.BearerToken(req), "header %q", tt.header)
	}
}
