package middleware

import (
	"net/http"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
	pkghttp "github.com/BradenHooton/authcore/pkg/http"
	"github.com/go-chi/httprate"
)

// RateLimitConfig holds rate limiting configuration
type RateLimitConfig struct {
	RequestsPerMinute int
}

// DefaultIntrospectRateLimit is sized for resource servers calling introspection on every request
func DefaultIntrospectRateLimit() RateLimitConfig {
	return RateLimitConfig{RequestsPerMinute: 600}
}

// RateLimitByIP limits requests per client IP with a sliding window counter
func RateLimitByIP(config RateLimitConfig) func(next http.Handler) http.Handler {
	return httprate.Limit(
		config.RequestsPerMinute,
		time.Minute,
		httprate.WithKeyByRealIP(),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			pkghttp.WriteServiceError(w, &models.RateLimitError{Scope: "ip", RetryAfter: time.Minute})
		}),
	)
}
