package models

// Scope constants define all valid scopes granted to sessions
const (
	ScopeAccountRead  = "account.read"
	ScopeSessionsRead = "sessions.read"

	ScopeAccountWrite = "account.write"
	ScopeMFAManage    = "mfa.manage"

	ScopeCredentialsManage = "credentials.manage"
	ScopeSessionsRevoke    = "sessions.revoke"

	ScopeTradingExecute = "trading.execute"

	// Wildcard scope - grants all permissions (admin level only)
	ScopeAll = "*"
)

// AllValidScopes is the whitelist of all allowed scopes
var AllValidScopes = map[string]bool{
	ScopeAccountRead:       true,
	ScopeSessionsRead:      true,
	ScopeAccountWrite:      true,
	ScopeMFAManage:         true,
	ScopeCredentialsManage: true,
	ScopeSessionsRevoke:    true,
	ScopeTradingExecute:    true,
	ScopeAll:               true,
}

// levelScopes lists the scopes first unlocked at each level; higher levels inherit lower ones
var levelScopes = map[SecurityLevel][]string{
	LevelBasic:         {ScopeAccountRead, ScopeSessionsRead},
	LevelElevated:      {ScopeAccountWrite, ScopeMFAManage},
	LevelHighPrivilege: {ScopeCredentialsManage, ScopeSessionsRevoke},
	LevelTrading:       {ScopeTradingExecute},
	LevelAdmin:         {ScopeAll},
}

// IsValidScope checks if a scope exists in the whitelist
func IsValidScope(scope string) bool {
	return AllValidScopes[scope]
}

// ScopesForLevel returns every scope a session at level may hold
func ScopesForLevel(level SecurityLevel) []string {
	var scopes []string
	for _, l := range AllSecurityLevels {
		if l > level {
			break
		}
		scopes = append(scopes, levelScopes[l]...)
	}
	return scopes
}

// GrantScopes intersects the requested scopes with what level allows.
// An empty request grants everything the level allows.
func GrantScopes(level SecurityLevel, requested []string) []string {
	allowed := ScopesForLevel(level)
	if len(requested) == 0 {
		return allowed
	}

	granted := make([]string, 0, len(requested))
	seen := make(map[string]bool, len(requested))
	for _, scope := range requested {
		if seen[scope] || !IsValidScope(scope) {
			continue
		}
		if HasScope(allowed, scope) {
			granted = append(granted, scope)
			seen[scope] = true
		}
	}
	return granted
}

// HasScope checks if a scopes array contains a required scope
// Handles wildcard "*" for admin access
func HasScope(scopes []string, required string) bool {
	for _, scope := range scopes {
		if scope == ScopeAll {
			return true
		}
		if scope == required {
			return true
		}
	}
	return false
}
