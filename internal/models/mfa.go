package models

import (
	"time"
)

// MFAMethodType identifies a second factor
type MFAMethodType string

const (
	MFAMethodTOTP        MFAMethodType = "totp"
	MFAMethodSMS         MFAMethodType = "sms"
	MFAMethodBackupCodes MFAMethodType = "backup_codes"
)

// MFAMethod is an enrolled (or enrolling) second factor for a subject.
// Methods start disabled and are enabled once possession is proven.
type MFAMethod struct {
	ID               string
	SubjectID        string
	Type             MFAMethodType
	Label            string
	Enabled          bool
	Primary          bool
	SecretCiphertext []byte // AES-256-GCM encrypted TOTP secret
	SecretNonce      []byte // GCM nonce (12 bytes)
	Phone            string // E.164 destination for SMS methods
	BackupCodes      []BackupCodeEntry
	LastUsedStep     int64 // last accepted TOTP time step, for replay prevention
	LastUsedAt       *time.Time
	CreatedAt        time.Time
	EnabledAt        *time.Time
}

// BackupCodeEntry represents a single backup code
type BackupCodeEntry struct {
	CodeHash  string     `json:"code_hash"` // Bcrypt hash of backup code
	UsedAt    *time.Time `json:"used_at"`   // When used (nil = unused)
	CreatedAt time.Time  `json:"created_at"`
}

// RemainingBackupCodes counts unused codes
func (m *MFAMethod) RemainingBackupCodes() int {
	n := 0
	for _, entry := range m.BackupCodes {
		if entry.UsedAt == nil {
			n++
		}
	}
	return n
}

// Clone returns a deep copy of the method
func (m *MFAMethod) Clone() *MFAMethod {
	c := *m
	c.SecretCiphertext = append([]byte(nil), m.SecretCiphertext...)
	c.SecretNonce = append([]byte(nil), m.SecretNonce...)
	if m.BackupCodes != nil {
		c.BackupCodes = make([]BackupCodeEntry, len(m.BackupCodes))
		copy(c.BackupCodes, m.BackupCodes)
	}
	return &c
}

// TOTPEnrollment contains setup information handed to the subject once
type TOTPEnrollment struct {
	MethodID    string   `json:"method_id"`
	Secret      string   `json:"secret"`       // base32 secret for manual entry
	URI         string   `json:"uri"`          // otpauth:// provisioning URI
	QRCode      string   `json:"qr_code"`      // Data URL for QR code
	BackupCodes []string `json:"backup_codes"` // single-use recovery codes
}

// VerificationResult is returned from second-factor verification
type VerificationResult struct {
	Success              bool          `json:"success"`
	Method               MFAMethodType `json:"method"`
	MethodID             string        `json:"method_id"`
	RiskScore            int           `json:"risk_score"`
	BackupCodesRemaining int           `json:"backup_codes_remaining,omitempty"`
	VerifiedAt           time.Time     `json:"verified_at"`
}

// MFAProof is presented to session elevation as evidence of a second factor
type MFAProof struct {
	Method      MFAMethodType
	Code        string
	ChallengeID string // SMS challenge id
	Request     RequestContext
}

// ChallengePurpose says what a verified SMS challenge unlocks
type ChallengePurpose string

const (
	PurposeLogin      ChallengePurpose = "login"
	PurposeEnrollment ChallengePurpose = "enrollment"
)

// VerificationChallenge is an outstanding SMS code.
// Once verified or expired it is inert and purged after a grace window.
type VerificationChallenge struct {
	ID          string
	SubjectID   string
	Purpose     ChallengePurpose
	MethodID    string
	Destination string // E.164 phone number, never logged unmasked
	CodeHash    string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attempts    int
	MaxAttempts int
	Verified    bool
	VerifiedAt  *time.Time
}

// IsExpired reports whether the code can no longer be used at now
func (c *VerificationChallenge) IsExpired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

// ChallengeReceipt is what the caller learns about a dispatched SMS code
type ChallengeReceipt struct {
	ChallengeID       string    `json:"challenge_id"`
	MaskedDestination string    `json:"masked_destination"`
	ExpiresAt         time.Time `json:"expires_at"`
	Provider          string    `json:"provider"`
	ProviderMessageID string    `json:"provider_message_id"`
}

// SMSSendResult is returned by SMS providers
type SMSSendResult struct {
	Success           bool
	ProviderMessageID string
}
