package models

import "time"

// Severity is the importance of a security event for monitoring
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Event types for the security event log
const (
	EventSessionCreated      = "session_created"
	EventSessionEvicted      = "session_evicted"
	EventSessionTerminated   = "session_terminated"
	EventSessionsRevoked     = "sessions_revoked"
	EventSessionExpired      = "session_expired"
	EventSessionElevated     = "session_elevated"
	EventElevationDenied     = "elevation_denied"
	EventTokenRejected       = "token_rejected"
	EventTokenRotated        = "token_rotated"
	EventRefreshTokenReuse   = "refresh_token_reuse"
	EventDeviceMismatch      = "device_mismatch"
	EventReauthRequired      = "reauth_required"
	EventMFAEnrollStarted    = "mfa_enroll_started"
	EventMFAEnrolled         = "mfa_enrolled"
	EventMFARemoved          = "mfa_removed"
	EventMFAVerified         = "mfa_verified"
	EventMFAFailed           = "mfa_failed"
	EventBackupCodeUsed      = "backup_code_used"
	EventBackupCodesRenewed  = "backup_codes_renewed"
	EventAccountLocked       = "account_locked"
	EventRateLimited         = "rate_limited"
	EventSMSSent             = "sms_sent"
	EventSMSRejected         = "sms_rejected"
	EventSMSProviderFallback = "sms_provider_fallback"
	EventSMSProviderFailed   = "sms_provider_failed"
	EventSMSVerified         = "sms_verified"
	EventSMSFailed           = "sms_failed"
)

// SecurityEvent is one append-only record of an authentication decision
type SecurityEvent struct {
	ID        string            `json:"id"`
	SubjectID string            `json:"subject_id,omitempty"`
	SessionID string            `json:"session_id,omitempty"`
	Type      string            `json:"event_type"`
	Severity  Severity          `json:"severity"`
	Context   map[string]string `json:"context,omitempty"`
	RiskScore int               `json:"risk_score"`
	Timestamp time.Time         `json:"timestamp"`
}
