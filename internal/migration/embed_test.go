package migration

import (
	"io/fs"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmbeddedMigrationsArePaired(t *testing.T) {
	entries, err := fs.ReadDir(embeddedMigrations, migrationsDir)
	require.NoError(t, err)

	ups := map[string]bool{}
	downs := map[string]bool{}
	for _, entry := range entries {
		name := entry.Name()
		switch {
		case strings.HasSuffix(name, ".up.sql"):
			ups[strings.TrimSuffix(name, ".up.sql")] = true
		case strings.HasSuffix(name, ".down.sql"):
			downs[strings.TrimSuffix(name, ".down.sql")] = true
		}
	}
	require.NotEmpty(t, ups)
	assert.Equal(t, ups, downs)
}

func TestInitMigrationDeclaresUniqueMessageIDs(t *testing.T) {
	body, err := fs.ReadFile(embeddedMigrations, migrationsDir+"/000001_init.up.sql")
	require.NoError(t, err)
	sql := string(body)

	for _, index := range []string{
		"ux_point_history_message_id",
		"ux_chat_jobs_message_id",
		"ux_chat_messages_message_id",
		"ux_offline_chat_messages_message_id",
		"ux_stream_sessions_active",
	} {
		assert.Contains(t, sql, index)
	}
}
