package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/authcore/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Named constraints from the embedded migrations
const (
	constraintChallengeAttempts = "challenge_attempts_within_max"
	constraintMFAMethodType     = "mfa_methods_method_type_check"
)

// MapPostgresError translates driver errors into the core's sentinels.
// Unrecognized errors are returned unchanged.
func MapPostgresError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.ErrNotFound
	}

	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch pgErr.Code {
	case "23505": // unique_violation
		return models.ErrConflict
	case "23502", "23503": // not_null_violation, foreign_key_violation
		return models.ErrBadRequest
	case "23514": // check_violation
		switch pgErr.ConstraintName {
		case constraintChallengeAttempts:
			return models.ErrMaxAttemptsExceeded
		case constraintMFAMethodType:
			return fmt.Errorf("%w: unknown mfa method type", models.ErrBadRequest)
		}
		return models.ErrBadRequest
	}
	return err
}

// WithTransaction runs fn in a transaction, committing when fn returns nil and
// rolling back otherwise. A panic in fn rolls back and is re-raised.
func (db *DB) WithTransaction(ctx context.Context, fn func(pgx.Tx) error) (err error) {
	tx, err := db.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}

	defer func() {
		if p := recover(); p != nil {
			db.rollback(ctx, tx)
			panic(p)
		}
		if err != nil {
			db.rollback(ctx, tx)
			return
		}
		if cerr := tx.Commit(ctx); cerr != nil {
			err = fmt.Errorf("failed to commit transaction: %w", MapPostgresError(cerr))
		}
	}()

	return fn(tx)
}

func (db *DB) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) && db.logger != nil {
		db.logger.WarnContext(ctx, "transaction rollback failed", slog.Any("error", err))
	}
}
