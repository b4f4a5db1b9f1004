package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/BradenHooton/authcore/internal/models"
	pkghttp "github.com/BradenHooton/authcore/pkg/http"
)

type contextKey string

const sessionContextKey contextKey = "session"

// SessionValidator is the part of the session manager the middleware needs
type SessionValidator interface {
	ValidateToken(ctx context.Context, token string, requireMFA bool, req models.RequestContext) (*models.ValidationResult, error)
}

// RequireSessionOptions tunes what a route demands of the presented session
type RequireSessionOptions struct {
	RequireMFA     bool
	Scope          string // empty means any scope
	RejectOnReauth bool
	IPConfig       *pkghttp.IPConfig
	Logger         *slog.Logger
}

// RequireSession validates the bearer access token and stores the result in the request context
func RequireSession(validator SessionValidator, opts RequireSessionOptions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token := pkghttp.BearerToken(r)
			if token == "" {
				pkghttp.WriteUnauthorized(w, "Missing bearer token")
				return
			}

			rc := pkghttp.RequestContextFrom(r, opts.IPConfig)
			result, err := validator.ValidateToken(r.Context(), token, opts.RequireMFA, rc)
			if err != nil {
				if opts.Logger != nil && !errors.Is(err, models.ErrInvalidSignature) {
					opts.Logger.Warn("session rejected",
						slog.String("origin", rc.Origin),
						slog.String("reason", err.Error()))
				}
				pkghttp.WriteServiceError(w, err)
				return
			}

			noteSession(r.Context(), result.SessionID)

			if opts.RejectOnReauth && result.RequiresReauth {
				pkghttp.WriteError(w, http.StatusUnauthorized, "reauth_required", "Re-authentication required")
				return
			}
			if opts.Scope != "" && !models.HasScope(result.Scopes, opts.Scope) {
				pkghttp.WriteServiceError(w, models.ErrForbidden)
				return
			}

			ctx := context.WithValue(r.Context(), sessionContextKey, result)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionFromContext returns the validation result stored by RequireSession
func SessionFromContext(ctx context.Context) (*models.ValidationResult, bool) {
	result, ok := ctx.Value(sessionContextKey).(*models.ValidationResult)
	return result, ok && result != nil
}
