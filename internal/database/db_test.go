package database

import (
	"errors"
	"fmt"
	"testing"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
)

func TestMapPostgresError(t *testing.T) {
	other := errors.New("connection reset")

	tests := []struct {
		name string
		err  error
		want error
	}{
		{"nil", nil, nil},
		{"no rows", pgx.ErrNoRows, models.ErrNotFound},
		{"wrapped no rows", fmt.Errorf("get session: %w", pgx.ErrNoRows), models.ErrNotFound},
		{"unique", &pgconn.PgError{Code: "23505"}, models.ErrConflict},
		{"not null", &pgconn.PgError{Code: "23502"}, models.ErrBadRequest},
		{"attempts check", &pgconn.PgError{Code: "23514", ConstraintName: "challenge_attempts_within_max"}, models.ErrMaxAttemptsExceeded},
		{"method type check", &pgconn.PgError{Code: "23514", ConstraintName: "mfa_methods_method_type_check"}, models.ErrBadRequest},
		{"other check", &pgconn.PgError{Code: "23514"}, models.ErrBadRequest},
		{"unmapped", other, other},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MapPostgresError(tt.err)
			if tt.want == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.want)
		})
	}
}
