package db

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func TestDialectRejectsUnknownType(t *testing.T) {
	_, err := Dialect(Config{Type: "mysql"})
	assert.Error(t, err)
}

func TestPostgresDSN(t *testing.T) {
	dsn := PostgresDSN(Config{Host: "db", User: "u", Password: "p", Name: "chat", Port: "5432", SSLMode: "disable"})
	assert.Equal(t, "host=db user=u password=p dbname=chat port=5432 sslmode=disable TimeZone=UTC", dsn)
}

func TestIsPostgres(t *testing.T) {
	conn, err := gorm.Open(sqlite.Open("file:dialect_test?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	assert.False(t, IsPostgres(conn))
	assert.False(t, IsPostgres(nil))
}
