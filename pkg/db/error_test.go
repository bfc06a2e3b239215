package db

import (
	"errors"
	"fmt"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"gorm.io/gorm"
)

func TestIsDuplicateKeyErr(t *testing.T) {
	assert.False(t, IsDuplicateKeyErr(nil))
	assert.True(t, IsDuplicateKeyErr(gorm.ErrDuplicatedKey))
	assert.True(t, IsDuplicateKeyErr(fmt.Errorf("insert: %w", &pgconn.PgError{Code: "23505"})))
	assert.True(t, IsDuplicateKeyErr(errors.New("constraint failed: UNIQUE constraint failed: point_history.message_id (2067)")))
	assert.False(t, IsDuplicateKeyErr(&pgconn.PgError{Code: "40001"}))
}

func TestIsTransientErr(t *testing.T) {
	for _, code := range []string{"40001", "40P01", "55P03", "57014"} {
		assert.True(t, IsTransientErr(fmt.Errorf("wrapped: %w", &pgconn.PgError{Code: code})), code)
	}
	assert.False(t, IsTransientErr(&pgconn.PgError{Code: "23505"}))
	assert.False(t, IsTransientErr(errors.New("boom")))
	assert.False(t, IsTransientErr(nil))
}
