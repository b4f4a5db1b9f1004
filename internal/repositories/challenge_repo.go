package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/authcore/internal/database"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresChallengeRepository struct {
	pool *pgxpool.Pool
}

func NewChallengeRepository(db *database.DB) *PostgresChallengeRepository {
	return &PostgresChallengeRepository{pool: db.Pool}
}

// Save upserts the challenge; attempts never decrease
func (r *PostgresChallengeRepository) Save(ctx context.Context, c *models.VerificationChallenge) error {
	query := `
		INSERT INTO verification_challenges
			(id, subject_id, purpose, method_id, destination, code_hash, created_at, expires_at,
			 attempts, max_attempts, verified, verified_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO UPDATE SET
			attempts = GREATEST(verification_challenges.attempts, EXCLUDED.attempts),
			verified = verification_challenges.verified OR EXCLUDED.verified,
			verified_at = COALESCE(verification_challenges.verified_at, EXCLUDED.verified_at)
	`

	_, err := r.pool.Exec(ctx, query,
		c.ID, c.SubjectID, string(c.Purpose), c.MethodID, c.Destination, c.CodeHash, c.CreatedAt, c.ExpiresAt,
		c.Attempts, c.MaxAttempts, c.Verified, c.VerifiedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save challenge: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *PostgresChallengeRepository) GetByID(ctx context.Context, id string) (*models.VerificationChallenge, error) {
	query := `
		SELECT id, subject_id, purpose, method_id, destination, code_hash, created_at, expires_at,
		       attempts, max_attempts, verified, verified_at
		FROM verification_challenges
		WHERE id = $1
	`

	var c models.VerificationChallenge
	var purpose string
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&c.ID, &c.SubjectID, &purpose, &c.MethodID, &c.Destination, &c.CodeHash, &c.CreatedAt, &c.ExpiresAt,
		&c.Attempts, &c.MaxAttempts, &c.Verified, &c.VerifiedAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	c.Purpose = models.ChallengePurpose(purpose)
	return &c, nil
}

func (r *PostgresChallengeRepository) Delete(ctx context.Context, id string) error {
	_, err := r.pool.Exec(ctx, `DELETE FROM verification_challenges WHERE id = $1`, id)
	return database.MapPostgresError(err)
}

func (r *PostgresChallengeRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM verification_challenges WHERE expires_at < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
