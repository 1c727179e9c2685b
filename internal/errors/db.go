package errors

import (
	"context"
	"errors"

	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// MapDBError maps database errors to AppError instances:
//   - pgx.ErrNoRows → NotFound
//   - unique constraint violations → Conflict
//   - foreign key violations → NotFound (missing scope/job parent)
//   - serialization failures, deadlocks, lock timeouts → Transient
//   - anything else PostgreSQL-specific → Internal
//
// Errors that are not recognized database errors are returned unmodified.
func MapDBError(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}

	if errors.Is(err, pgx.ErrNoRows) {
		return &AppError{Code: ErrCodeNotFound, Message: "resource not found", Cause: err}
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return mapPgError(pgErr)
	}

	return err
}

// IsTransientPgCode reports whether a PostgreSQL error code names a condition
// that a bounded retry loop may safely re-attempt.
func IsTransientPgCode(code string) bool {
	switch code {
	case pgerrcode.SerializationFailure,
		pgerrcode.DeadlockDetected,
		pgerrcode.LockNotAvailable:
		return true
	default:
		return false
	}
}

func mapPgError(pgErr *pgconn.PgError) error {
	switch {
	case pgErr.Code == pgerrcode.UniqueViolation:
		return &AppError{
			Code:    ErrCodeConflict,
			Message: "a record with this key already exists",
			Field:   pgErr.ConstraintName,
			Cause:   pgErr,
		}
	case pgErr.Code == pgerrcode.ForeignKeyViolation:
		return &AppError{
			Code:    ErrCodeNotFound,
			Message: "referenced resource does not exist",
			Cause:   pgErr,
		}
	case IsTransientPgCode(pgErr.Code):
		return &AppError{
			Code:    ErrCodeTransient,
			Message: "storage contention, retry",
			Cause:   pgErr,
		}
	default:
		return &AppError{
			Code:    ErrCodeInternal,
			Message: "database error",
			Cause:   pgErr,
		}
	}
}
