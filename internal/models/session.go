package models

import (
	"fmt"
	"strings"
	"time"
)

// SecurityLevel is the ordered privilege tier attached to a session.
type SecurityLevel int

const (
	LevelBasic SecurityLevel = iota
	LevelElevated
	LevelHighPrivilege
	LevelTrading
	LevelAdmin
)

var securityLevelNames = map[SecurityLevel]string{
	LevelBasic:         "basic",
	LevelElevated:      "elevated",
	LevelHighPrivilege: "high_privilege",
	LevelTrading:       "trading",
	LevelAdmin:         "admin",
}

// AllSecurityLevels lists levels from lowest to highest
var AllSecurityLevels = []SecurityLevel{
	LevelBasic,
	LevelElevated,
	LevelHighPrivilege,
	LevelTrading,
	LevelAdmin,
}

func (l SecurityLevel) String() string {
	if name, ok := securityLevelNames[l]; ok {
		return name
	}
	return fmt.Sprintf("level(%d)", int(l))
}

// Valid reports whether l is one of the defined levels
func (l SecurityLevel) Valid() bool {
	_, ok := securityLevelNames[l]
	return ok
}

// ParseSecurityLevel converts a level name (case-insensitive) to a SecurityLevel
func ParseSecurityLevel(s string) (SecurityLevel, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for level, name := range securityLevelNames {
		if name == s {
			return level, nil
		}
	}
	return LevelBasic, fmt.Errorf("%w: %q", ErrInvalidSecurityLevel, s)
}

// Termination reasons recorded on sessions and security events
const (
	ReasonLogout        = "logout"
	ReasonExpired       = "expired"
	ReasonEvicted       = "concurrent_session_evicted"
	ReasonTokenReuse    = "refresh_token_reuse"
	ReasonAdminRevoke   = "admin_revoke"
	ReasonAccountDelete = "account_deleted"
)

// Session is a bounded-lifetime, risk-scored authenticated session.
// Once Active is false the session is dead and never comes back.
type Session struct {
	ID                 string
	SubjectID          string
	DeviceFingerprint  string
	Origin             string
	Geo                string
	UserAgent          string
	SecurityLevel      SecurityLevel
	MFAVerified        bool
	RiskScore          int
	Scopes             []string
	CreatedAt          time.Time
	LastActivityAt     time.Time
	ExpiresAt          time.Time
	Active             bool
	TerminatedAt       *time.Time
	TerminationReason  string
	FamilyID           string // refresh token family owned by this session
	LiveRefreshTokenID string // the only refresh token id in FamilyID that may be rotated
}

// IsActive reports whether the session has not been terminated
func (s *Session) IsActive() bool {
	return s.Active
}

// IsExpired reports whether the absolute expiry has passed at now
func (s *Session) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// Clone returns a copy that callers may hold without sharing the manager's state
func (s *Session) Clone() *Session {
	c := *s
	if s.Scopes != nil {
		c.Scopes = append([]string(nil), s.Scopes...)
	}
	if s.TerminatedAt != nil {
		t := *s.TerminatedAt
		c.TerminatedAt = &t
	}
	return &c
}

// RequestContext carries the contextual signals of the caller for a request
type RequestContext struct {
	DeviceFingerprint string
	Origin            string // network origin, usually the client IP
	Geo               string // approximate location, e.g. "US-CA"
	UserAgent         string
}
