package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
	pkghttp "github.com/BradenHooton/authcore/pkg/http"
)

// TokenValidator is the session manager's validation operation
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string, requireMFA bool, req models.RequestContext) (*models.ValidationResult, error)
}

// IntrospectRequest is posted by resource servers. The client fields describe the
// end user's request; when absent the caller's own request is used.
type IntrospectRequest struct {
	Token             string `json:"token" validate:"required,jwt,max=8192"`
	RequireMFA        bool   `json:"require_mfa"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"max=256"`
	ClientIP          string `json:"client_ip" validate:"omitempty,ip"`
	UserAgent         string `json:"user_agent" validate:"max=512"`
	Geo               string `json:"geo" validate:"max=64"`
}

// IntrospectResponse follows the active/inactive shape of token introspection.
// Inactive responses carry only the reason code.
type IntrospectResponse struct {
	Active         bool       `json:"active"`
	Reason         string     `json:"reason,omitempty"`
	SubjectID      string     `json:"sub,omitempty"`
	SessionID      string     `json:"sid,omitempty"`
	SecurityLevel  string     `json:"security_level,omitempty"`
	Scopes         []string   `json:"scope,omitempty"`
	MFAVerified    bool       `json:"mfa_verified,omitempty"`
	RiskScore      int        `json:"risk_score,omitempty"`
	DeviceMismatch bool       `json:"device_mismatch,omitempty"`
	RequiresReauth bool       `json:"requires_reauth,omitempty"`
	ExpiresAt      *time.Time `json:"exp,omitempty"`
}

// IntrospectHandler serves POST /v1/tokens/introspect
type IntrospectHandler struct {
	validator TokenValidator
	ipConfig  *pkghttp.IPConfig
	logger    *slog.Logger
}

func NewIntrospectHandler(validator TokenValidator, ipConfig *pkghttp.IPConfig, logger *slog.Logger) *IntrospectHandler {
	return &IntrospectHandler{validator: validator, ipConfig: ipConfig, logger: logger}
}

func (h *IntrospectHandler) Introspect(w http.ResponseWriter, r *http.Request) {
	var req IntrospectRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 16<<10)).Decode(&req); err != nil {
		pkghttp.WriteBadRequest(w, "Invalid request body")
		return
	}
	if err := ValidateRequest(req); err != nil {
		pkghttp.WriteBadRequest(w, err.Error())
		return
	}

	rc := pkghttp.RequestContextFrom(r, h.ipConfig)
	if req.ClientIP != "" {
		rc = models.RequestContext{
			DeviceFingerprint: req.DeviceFingerprint,
			Origin:            req.ClientIP,
			Geo:               req.Geo,
			UserAgent:         req.UserAgent,
		}
	}

	result, err := h.validator.ValidateToken(r.Context(), req.Token, req.RequireMFA, rc)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, activeResponse(result))
	case errors.Is(err, models.ErrRateLimited):
		pkghttp.WriteServiceError(w, err)
	case isTokenRejection(err):
		writeJSON(w, http.StatusOK, IntrospectResponse{Active: false, Reason: pkghttp.ErrorCode(err)})
	default:
		h.logger.Error("token introspection failed", slog.Any("error", err))
		pkghttp.WriteInternalError(w, "Failed to introspect token")
	}
}

func isTokenRejection(err error) bool {
	for _, target := range []error{
		models.ErrInvalidSignature,
		models.ErrTokenRevoked,
		models.ErrSessionNotFound,
		models.ErrSessionExpired,
		models.ErrMFARequired,
		models.ErrDeviceMismatch,
	} {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func activeResponse(v *models.ValidationResult) IntrospectResponse {
	exp := v.ExpiresAt
	return IntrospectResponse{
		Active:         true,
		SubjectID:      v.SubjectID,
		SessionID:      v.SessionID,
		SecurityLevel:  v.SecurityLevel,
		Scopes:         v.Scopes,
		MFAVerified:    v.MFAVerified,
		RiskScore:      v.RiskScore,
		DeviceMismatch: v.DeviceMismatch,
		RequiresReauth: v.RequiresReauth,
		ExpiresAt:      &exp,
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
