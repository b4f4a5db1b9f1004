package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BradenHooton/authcore/internal/database"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// execer is satisfied by both the pool and a transaction
type execer interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

type PostgresMFAMethodRepository struct {
	db *database.DB
}

func NewMFAMethodRepository(db *database.DB) *PostgresMFAMethodRepository {
	return &PostgresMFAMethodRepository{db: db}
}

const mfaMethodColumns = `id, subject_id, method_type, label, enabled, is_primary, secret_ciphertext,
	secret_nonce, phone, backup_codes, last_used_step, last_used_at, created_at, enabled_at`

func scanMFAMethodRow(row rowScanner) (*models.MFAMethod, error) {
	var m models.MFAMethod
	var methodType string
	var backupCodesJSON []byte

	err := row.Scan(
		&m.ID, &m.SubjectID, &methodType, &m.Label, &m.Enabled, &m.Primary, &m.SecretCiphertext,
		&m.SecretNonce, &m.Phone, &backupCodesJSON, &m.LastUsedStep, &m.LastUsedAt, &m.CreatedAt, &m.EnabledAt,
	)
	if err != nil {
		return nil, database.MapPostgresError(err)
	}
	m.Type = models.MFAMethodType(methodType)

	if err := json.Unmarshal(backupCodesJSON, &m.BackupCodes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal backup codes: %w", err)
	}
	return &m, nil
}

// Save upserts the method
func (r *PostgresMFAMethodRepository) Save(ctx context.Context, m *models.MFAMethod) error {
	return saveMFAMethod(ctx, r.db.Pool, m)
}

// SaveAll upserts every method in one transaction
func (r *PostgresMFAMethodRepository) SaveAll(ctx context.Context, methods ...*models.MFAMethod) error {
	return r.db.WithTransaction(ctx, func(tx pgx.Tx) error {
		for _, m := range methods {
			if err := saveMFAMethod(ctx, tx, m); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveMFAMethod(ctx context.Context, db execer, m *models.MFAMethod) error {
	codes := m.BackupCodes
	if codes == nil {
		codes = []models.BackupCodeEntry{}
	}
	backupCodesJSON, err := json.Marshal(codes)
	if err != nil {
		return fmt.Errorf("failed to marshal backup codes: %w", err)
	}

	query := `
		INSERT INTO mfa_methods (` + mfaMethodColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			label = EXCLUDED.label,
			enabled = EXCLUDED.enabled,
			is_primary = EXCLUDED.is_primary,
			backup_codes = EXCLUDED.backup_codes,
			last_used_step = GREATEST(mfa_methods.last_used_step, EXCLUDED.last_used_step),
			last_used_at = EXCLUDED.last_used_at,
			enabled_at = EXCLUDED.enabled_at
	`

	_, err = db.Exec(ctx, query,
		m.ID, m.SubjectID, string(m.Type), m.Label, m.Enabled, m.Primary, m.SecretCiphertext,
		m.SecretNonce, m.Phone, backupCodesJSON, m.LastUsedStep, m.LastUsedAt, m.CreatedAt, m.EnabledAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save MFA method: %w", database.MapPostgresError(err))
	}
	return nil
}

func (r *PostgresMFAMethodRepository) GetByID(ctx context.Context, id string) (*models.MFAMethod, error) {
	query := `SELECT ` + mfaMethodColumns + ` FROM mfa_methods WHERE id = $1`
	return scanMFAMethodRow(r.db.Pool.QueryRow(ctx, query, id))
}

func (r *PostgresMFAMethodRepository) ListBySubject(ctx context.Context, subjectID string) ([]*models.MFAMethod, error) {
	query := `SELECT ` + mfaMethodColumns + ` FROM mfa_methods WHERE subject_id = $1 ORDER BY created_at ASC`

	rows, err := r.db.Pool.Query(ctx, query, subjectID)
	if err != nil {
		return nil, fmt.Errorf("failed to query MFA methods: %w", database.MapPostgresError(err))
	}
	defer rows.Close()

	methods := make([]*models.MFAMethod, 0)
	for rows.Next() {
		m, err := scanMFAMethodRow(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan MFA method: %w", err)
		}
		methods = append(methods, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating MFA method rows: %w", err)
	}
	return methods, nil
}

func (r *PostgresMFAMethodRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM mfa_methods WHERE id = $1`, id)
	if err != nil {
		return database.MapPostgresError(err)
	}
	if result.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (r *PostgresMFAMethodRepository) DeleteBySubject(ctx context.Context, subjectID string) error {
	_, err := r.db.Pool.Exec(ctx, `DELETE FROM mfa_methods WHERE subject_id = $1`, subjectID)
	return database.MapPostgresError(err)
}
