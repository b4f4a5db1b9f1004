package http

import (
	"net"
	"net/http"
	"strings"

	"github.com/BradenHooton/authcore/internal/models"
)

// Request headers carrying client signals
const (
	HeaderDeviceFingerprint = "X-Device-Fingerprint"
	HeaderGeo               = "X-Client-Geo"
)

// IPConfig holds configuration for IP extraction and validation
type IPConfig struct {
	TrustedProxies []string // CIDR ranges of trusted proxies
}

// ExtractClientIP returns the client address. X-Forwarded-For and X-Real-IP are
// honored only when the direct peer is a trusted proxy.
func ExtractClientIP(r *http.Request, config *IPConfig) string {
	remoteIP := remoteAddr(r)
	if config == nil || !isTrustedProxy(remoteIP, config.TrustedProxies) {
		return remoteIP
	}

	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		for _, ip := range strings.Split(xff, ",") {
			ip = strings.TrimSpace(ip)
			if net.ParseIP(ip) != nil {
				return ip
			}
		}
	}
	if xri := strings.TrimSpace(r.Header.Get("X-Real-IP")); net.ParseIP(xri) != nil {
		return xri
	}
	return remoteIP
}

// RequestContextFrom collects the caller signals the session and MFA managers score
func RequestContextFrom(r *http.Request, config *IPConfig) models.RequestContext {
	return models.RequestContext{
		DeviceFingerprint: strings.TrimSpace(r.Header.Get(HeaderDeviceFingerprint)),
		Origin:            ExtractClientIP(r, config),
		Geo:               strings.TrimSpace(r.Header.Get(HeaderGeo)),
		UserAgent:         r.UserAgent(),
	}
}

// BearerToken returns the token of an "Authorization: Bearer" header, or "" if absent
func BearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	scheme, token, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}

func remoteAddr(r *http.Request) string {
	if r.RemoteAddr == "" {
		return "unknown"
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return ip
	}
	return r.RemoteAddr
}

func isTrustedProxy(ip string, trustedProxies []string) bool {
	clientIP := net.ParseIP(ip)
	if clientIP == nil {
		return false
	}
	for _, cidr := range trustedProxies {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			continue
		}
		if ipNet.Contains(clientIP) {
			return true
		}
	}
	return false
}
