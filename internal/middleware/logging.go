package middleware

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	pkglogger "github.com/BradenHooton/authcore/pkg/logger"
	"github.com/go-chi/chi/v5/middleware"
)

// SecureLogger logs one line per request. Sensitive query strings are redacted
// and the session id is attached when RequireSession ran further down the chain.
func SecureLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			holder := &sessionHolder{}
			next.ServeHTTP(wrapped, r.WithContext(context.WithValue(r.Context(), holderContextKey, holder)))

			path := r.URL.Path
			if pkglogger.SanitizeQueryString(r.URL.RawQuery) {
				path += "?[REDACTED]"
			} else if r.URL.RawQuery != "" {
				path += "?" + r.URL.RawQuery
			}

			attrs := []slog.Attr{
				slog.String("method", r.Method),
				slog.String("path", path),
				slog.Int("status", wrapped.Status()),
				slog.Int("bytes", wrapped.BytesWritten()),
				slog.String("duration", time.Since(start).String()),
				slog.String("request_id", middleware.GetReqID(r.Context())),
				slog.String("remote_addr", r.RemoteAddr),
			}
			if holder.sessionID != "" {
				attrs = append(attrs, slog.String("session_id", holder.sessionID))
			}

			level := slog.LevelInfo
			if wrapped.Status() >= http.StatusInternalServerError {
				level = slog.LevelError
			}
			logger.LogAttrs(context.Background(), level, "http_request", attrs...)
		})
	}
}

const holderContextKey contextKey = "log_session_holder"

// sessionHolder lets an inner handler hand the validated session id back to the logger
type sessionHolder struct {
	sessionID string
}

func noteSession(ctx context.Context, sessionID string) {
	if h, ok := ctx.Value(holderContextKey).(*sessionHolder); ok {
		h.sessionID = sessionID
	}
}
