package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/BradenHooton/authcore/internal/database"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresSessionRepository struct {
	pool *pgxpool.Pool
}

func NewSessionRepository(db *database.DB) *PostgresSessionRepository {
	return &PostgresSessionRepository{pool: db.Pool}
}

const sessionColumns = `id, subject_id, device_fingerprint, origin, geo, user_agent, security_level,
	mfa_verified, risk_score, scopes, created_at, last_activity_at, expires_at, active,
	terminated_at, termination_reason, family_id, live_refresh_token_id`

func scanSessionRow(row rowScanner) (*models.Session, error) {
	var s models.Session
	var level int

	err := row.Scan(
		&s.ID, &s.SubjectID, &s.DeviceFingerprint, &s.Origin, &s.Geo, &s.UserAgent, &level,
		&s.MFAVerified, &s.RiskScore, &s.Scopes, &s.CreatedAt, &s.LastActivityAt, &s.ExpiresAt, &s.Active,
		&s.TerminatedAt, &s.TerminationReason, &s.FamilyID, &s.LiveRefreshTokenID,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	s.SecurityLevel = models.SecurityLevel(level)
	return &s, nil
}

func scanSessionRows(rows pgx.Rows) ([]*models.Session, error) {
	defer rows.Close()

	sessions := make([]*models.Session, 0)
	for rows.Next() {
		s, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan session: %w", err)
		}
		sessions = append(sessions, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating session rows: %w", err)
	}
	return sessions, nil
}

// Save upserts the session
func (r *PostgresSessionRepository) Save(ctx context.Context, s *models.Session) error {
	query := `
		INSERT INTO sessions (` + sessionColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		ON CONFLICT (id) DO UPDATE SET
			security_level = EXCLUDED.security_level,
			mfa_verified = EXCLUDED.mfa_verified,
			risk_score = EXCLUDED.risk_score,
			scopes = EXCLUDED.scopes,
			last_activity_at = EXCLUDED.last_activity_at,
			expires_at = EXCLUDED.expires_at,
			active = EXCLUDED.active AND sessions.active,
			terminated_at = COALESCE(sessions.terminated_at, EXCLUDED.terminated_at),
			termination_reason = CASE WHEN sessions.active THEN EXCLUDED.termination_reason ELSE sessions.termination_reason END,
			family_id = EXCLUDED.family_id,
			live_refresh_token_id = EXCLUDED.live_refresh_token_id
	`

	scopes := s.Scopes
	if scopes == nil {
		scopes = []string{}
	}

	_, err := r.pool.Exec(ctx, query,
		s.ID, s.SubjectID, s.DeviceFingerprint, s.Origin, s.Geo, s.UserAgent, int(s.SecurityLevel),
		s.MFAVerified, s.RiskScore, scopes, s.CreatedAt, s.LastActivityAt, s.ExpiresAt, s.Active,
		s.TerminatedAt, s.TerminationReason, s.FamilyID, s.LiveRefreshTokenID,
	)
	if err != nil {
		return fmt.Errorf("failed to save session: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *PostgresSessionRepository) GetByID(ctx context.Context, id string) (*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE id = $1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, id))
}

func (r *PostgresSessionRepository) GetByFamilyID(ctx context.Context, familyID string) (*models.Session, error) {
	if familyID == "" {
		return nil, models.ErrNotFound
	}
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE family_id = $1 LIMIT 1`
	return scanSessionRow(r.pool.QueryRow(ctx, query, familyID))
}

func (r *PostgresSessionRepository) ListBySubject(ctx context.Context, subjectID string) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions WHERE subject_id = $1 ORDER BY created_at ASC`

	rows, err := r.pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to list sessions: %w", database.MapPostgresError(err))
	}
	return scanSessionRows(rows)
}

// DeleteExpired removes sessions whose absolute expiry is before the cutoff
func (r *PostgresSessionRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at < $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}

type PostgresRevokedTokenRepository struct {
	pool *pgxpool.Pool
}

func NewRevokedTokenRepository(db *database.DB) *PostgresRevokedTokenRepository {
	return &PostgresRevokedTokenRepository{pool: db.Pool}
}

// Revoke adds an access token id to the revocation list
func (r *PostgresRevokedTokenRepository) Revoke(ctx context.Context, t RevokedToken) error {
	query := `
		INSERT INTO revoked_tokens (jti, session_id, expires_at, reason)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (jti) DO NOTHING
	`
	if _, err := r.pool.Exec(ctx, query, t.JTI, t.SessionID, t.ExpiresAt, t.Reason); err != nil {
		return database.MapPostgresError(err)
	}
	return nil
}

func (r *PostgresRevokedTokenRepository) ListActive(ctx context.Context, now time.Time) ([]RevokedToken, error) {
	rows, err := r.pool.Query(ctx, `SELECT jti, session_id, expires_at, reason FROM revoked_tokens WHERE expires_at > $1`, now)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	defer rows.Close()

	tokens := make([]RevokedToken, 0)
	for rows.Next() {
		var t RevokedToken
		if err := rows.Scan(&t.JTI, &t.SessionID, &t.ExpiresAt, &t.Reason); err != nil {
			return nil, fmt.Errorf("failed to scan revoked token: %w", err)
		}
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating revoked token rows: %w", err)
	}
	return tokens, nil
}

func (r *PostgresRevokedTokenRepository) DeleteExpired(ctx context.Context, before time.Time) (int64, error) {
	result, err := r.pool.Exec(ctx, `DELETE FROM revoked_tokens WHERE expires_at <= $1`, before)
	if err != nil {
		return 0, database.MapPostgresError(err)
	}
	return result.RowsAffected(), nil
}
