package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/BradenHooton/authcore/internal/database"
	"github.com/BradenHooton/authcore/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PostgresSecurityEventRepository struct {
	pool *pgxpool.Pool
}

func NewSecurityEventRepository(db *database.DB) *PostgresSecurityEventRepository {
	return &PostgresSecurityEventRepository{pool: db.Pool}
}

func (r *PostgresSecurityEventRepository) Append(ctx context.Context, e *models.SecurityEvent) error {
	contextJSON, err := json.Marshal(e.Context)
	if err != nil {
		return fmt.Errorf("failed to marshal event context: %w", err)
	}
	if e.Context == nil {
		contextJSON = []byte("{}")
	}

	query := `
		INSERT INTO security_events (id, subject_id, session_id, event_type, severity, context, risk_score, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		e.ID, e.SubjectID, e.SessionID, e.Type, string(e.Severity), contextJSON, e.RiskScore, e.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("failed to append security event: %w", database.MapPostgresError(err))
	}
	return nil
}

// ListBySubject returns the newest events first
func (r *PostgresSecurityEventRepository) ListBySubject(ctx context.Context, subjectID string, limit int) ([]*models.SecurityEvent, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := `
		SELECT id, subject_id, session_id, event_type, severity, context, risk_score, created_at
		FROM security_events
		WHERE subject_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, subjectID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query security events: %w", database.MapPostgresError(err))
	}
	defer rows.Close()

	events := make([]*models.SecurityEvent, 0)
	for rows.Next() {
		var e models.SecurityEvent
		var severity string
		var contextJSON []byte
		if err := rows.Scan(&e.ID, &e.SubjectID, &e.SessionID, &e.Type, &severity, &contextJSON, &e.RiskScore, &e.Timestamp); err != nil {
			return nil, fmt.Errorf("failed to scan security event: %w", err)
		}
		e.Severity = models.Severity(severity)
		if err := json.Unmarshal(contextJSON, &e.Context); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event context: %w", err)
		}
		events = append(events, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating security event rows: %w", err)
	}
	return events, nil
}
