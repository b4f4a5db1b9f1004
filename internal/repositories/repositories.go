package repositories

import (
	"context"
	"time"

	"github.com/BradenHooton/authcore/internal/models"
)

// SessionRepository persists sessions. Save is an upsert.
type SessionRepository interface {
	Save(ctx context.Context, session *models.Session) error
	GetByID(ctx context.Context, id string) (*models.Session, error)
	GetByFamilyID(ctx context.Context, familyID string) (*models.Session, error)
	ListBySubject(ctx context.Context, subjectID string) ([]*models.Session, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// RevokedToken is an access token id that must be rejected until it expires
type RevokedToken struct {
	JTI       string
	SessionID string
	ExpiresAt time.Time
	Reason    string
}

// RevokedTokenRepository persists the access token revocation list
type RevokedTokenRepository interface {
	Revoke(ctx context.Context, token RevokedToken) error
	ListActive(ctx context.Context, now time.Time) ([]RevokedToken, error)
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// MFAMethodRepository persists enrolled second factors. Save is an upsert;
// SaveAll upserts several methods atomically.
type MFAMethodRepository interface {
	Save(ctx context.Context, method *models.MFAMethod) error
	SaveAll(ctx context.Context, methods ...*models.MFAMethod) error
	GetByID(ctx context.Context, id string) (*models.MFAMethod, error)
	ListBySubject(ctx context.Context, subjectID string) ([]*models.MFAMethod, error)
	Delete(ctx context.Context, id string) error
	DeleteBySubject(ctx context.Context, subjectID string) error
}

// ChallengeRepository persists outstanding SMS challenges. Save is an upsert.
type ChallengeRepository interface {
	Save(ctx context.Context, challenge *models.VerificationChallenge) error
	GetByID(ctx context.Context, id string) (*models.VerificationChallenge, error)
	Delete(ctx context.Context, id string) error
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// SecurityEventRepository is the append-only security event store
type SecurityEventRepository interface {
	Append(ctx context.Context, event *models.SecurityEvent) error
	ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.SecurityEvent, error)
}

// Store groups the repositories one backend provides
type Store struct {
	Sessions      SessionRepository
	RevokedTokens RevokedTokenRepository
	MFAMethods    MFAMethodRepository
	Challenges    ChallengeRepository
	Events        SecurityEventRepository
}

// Expirer is implemented by repositories holding rows that outlive their usefulness
type Expirer interface {
	DeleteExpired(ctx context.Context, before time.Time) (int64, error)
}

// Expirers returns every repository in the store that can purge expired rows
func (s *Store) Expirers() []Expirer {
	var out []Expirer
	for _, r := range []interface{}{s.Sessions, s.RevokedTokens, s.Challenges} {
		if e, ok := r.(Expirer); ok {
			out = append(out, e)
		}
	}
	return out
}
