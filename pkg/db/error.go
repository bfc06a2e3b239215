package db

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"
)

const (
	pgUniqueViolation      = "23505"
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
	pgLockNotAvailable     = "55P03"
	pgQueryCanceled        = "57014"
)

func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	if PGCode(err) == pgUniqueViolation {
		return true
	}

	msg := err.Error()
	if strings.Contains(msg, "duplicate key value violates unique constraint") {
		return true
	}
	// SQLite (error code 2067)
	return strings.Contains(msg, "UNIQUE constraint failed")
}

// IsTransientErr reports storage failures worth retrying: serialization
// failures, deadlocks, lock timeouts and statement timeouts.
func IsTransientErr(err error) bool {
	switch PGCode(err) {
	case pgSerializationFailure, pgDeadlockDetected, pgLockNotAvailable, pgQueryCanceled:
		return true
	}
	if err == nil {
		return false
	}
	// SQLite reports writer contention as SQLITE_BUSY.
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// PGCode returns the SQLSTATE of a postgres error, or "".
func PGCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
