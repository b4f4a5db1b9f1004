package models

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token types carried in the typ claim
const (
	TokenTypeAccess  = "access"
	TokenTypeRefresh = "refresh"
)

// AccessClaims is the payload of a short-lived access token
type AccessClaims struct {
	Type              string   `json:"typ"`
	SessionID         string   `json:"sid"`
	Scope             []string `json:"scope"`
	DeviceFingerprint string   `json:"deviceFingerprint"`
	MFAVerified       bool     `json:"mfaVerified"`
	RiskScore         int      `json:"riskScore"`
	SecurityLevel     string   `json:"securityLevel"`
	jwt.RegisteredClaims
}

// RefreshClaims is the payload of a refresh token; ID is the token id within Family
type RefreshClaims struct {
	Type   string `json:"typ"`
	Family string `json:"family"`
	jwt.RegisteredClaims
}

// TokenPair is what session creation, rotation and elevation hand back
type TokenPair struct {
	AccessToken      string    `json:"access_token"`
	RefreshToken     string    `json:"refresh_token"`
	TokenType        string    `json:"token_type"`
	AccessExpiresAt  time.Time `json:"access_expires_at"`
	RefreshExpiresAt time.Time `json:"refresh_expires_at"`
}

// ValidationResult describes an access token that passed validation
type ValidationResult struct {
	Session        *Session      `json:"-"`
	Claims         *AccessClaims `json:"-"`
	SubjectID      string        `json:"subject_id"`
	SessionID      string        `json:"session_id"`
	SecurityLevel  string        `json:"security_level"`
	Scopes         []string      `json:"scopes"`
	MFAVerified    bool          `json:"mfa_verified"`
	RiskScore      int           `json:"risk_score"`
	DeviceMismatch bool          `json:"device_mismatch"`
	RequiresReauth bool          `json:"requires_reauth"`
	ExpiresAt      time.Time     `json:"expires_at"`
}
