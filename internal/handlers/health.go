package handlers

import (
	"context"
	"net/http"
)

// Pinger reports whether a backing store is reachable
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// HealthHandler serves GET /health. db is nil when running memory-only.
type HealthHandler struct {
	db Pinger
}

func NewHealthHandler(db Pinger) *HealthHandler {
	return &HealthHandler{db: db}
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	storage := "memory"
	if h.db != nil {
		if err := h.db.HealthCheck(r.Context()); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "database": "unreachable"})
			return
		}
		storage = "postgres"
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy", "storage": storage})
}
