package repositories

import (
	"github.com/BradenHooton/authcore/internal/database"
)

// rowScanner covers pgx.Row and pgx.Rows
type rowScanner interface {
	Scan(dest ...any) error
}

// NewPostgresStore returns repositories backed by the migrated postgres schema
func NewPostgresStore(db *database.DB) *Store {
	return &Store{
		Sessions:      NewSessionRepository(db),
		RevokedTokens: NewRevokedTokenRepository(db),
		MFAMethods:    NewMFAMethodRepository(db),
		Challenges:    NewChallengeRepository(db),
		Events:        NewSecurityEventRepository(db),
	}
}

var (
	_ SessionRepository       = (*PostgresSessionRepository)(nil)
	_ RevokedTokenRepository  = (*PostgresRevokedTokenRepository)(nil)
	_ MFAMethodRepository     = (*PostgresMFAMethodRepository)(nil)
	_ ChallengeRepository     = (*PostgresChallengeRepository)(nil)
	_ SecurityEventRepository = (*PostgresSecurityEventRepository)(nil)
)
