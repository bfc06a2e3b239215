package testutil

import (
	"regexp"
	"strings"
	"testing"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

var dsnUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// schema mirrors migrations/000001_init.up.sql in sqlite types.
var schema = []string{
	`CREATE TABLE users (
		id INTEGER PRIMARY KEY,
		username TEXT NOT NULL,
		profile_picture_url TEXT NOT NULL DEFAULT '',
		color_tag TEXT NOT NULL DEFAULT '',
		is_verified BOOLEAN NOT NULL DEFAULT 0,
		disconnected_at DATETIME NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE stream_sessions (
		id INTEGER PRIMARY KEY,
		broadcaster_id INTEGER NOT NULL,
		channel_slug TEXT NOT NULL DEFAULT '',
		session_title TEXT NOT NULL DEFAULT '',
		started_at DATETIME NOT NULL,
		ended_at DATETIME NULL,
		peak_viewer_count INTEGER NOT NULL DEFAULT 0,
		total_messages INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_stream_sessions_active ON stream_sessions (broadcaster_id) WHERE ended_at IS NULL`,
	`CREATE TABLE user_points (
		user_id INTEGER PRIMARY KEY,
		total_points INTEGER NOT NULL DEFAULT 0,
		total_emotes INTEGER NOT NULL DEFAULT 0,
		last_point_earned_at DATETIME NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE point_history (
		id INTEGER PRIMARY KEY,
		user_id INTEGER NOT NULL,
		stream_session_id INTEGER NOT NULL,
		points_earned INTEGER NOT NULL,
		message_id TEXT NOT NULL,
		earned_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_point_history_message_id ON point_history (message_id)`,
	`CREATE TABLE chat_jobs (
		id INTEGER PRIMARY KEY,
		message_id TEXT NOT NULL,
		payload TEXT NOT NULL,
		sender_user_id INTEGER NOT NULL,
		broadcaster_user_id INTEGER NOT NULL,
		stream_session_id INTEGER NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		attempts INTEGER NOT NULL DEFAULT 0,
		available_at DATETIME NOT NULL,
		locked_at DATETIME NULL,
		processed_at DATETIME NULL,
		last_error TEXT NULL,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_chat_jobs_message_id ON chat_jobs (message_id)`,
	`CREATE TABLE chat_messages (
		id INTEGER PRIMARY KEY,
		message_id TEXT NOT NULL,
		stream_session_id INTEGER NOT NULL,
		sender_user_id INTEGER NOT NULL,
		broadcaster_user_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		badges TEXT NOT NULL DEFAULT '[]',
		emotes TEXT NOT NULL DEFAULT '[]',
		sent_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_chat_messages_message_id ON chat_messages (message_id)`,
	`CREATE TABLE offline_chat_messages (
		id INTEGER PRIMARY KEY,
		message_id TEXT NOT NULL,
		sender_user_id INTEGER NOT NULL,
		broadcaster_user_id INTEGER NOT NULL,
		content TEXT NOT NULL,
		badges TEXT NOT NULL DEFAULT '[]',
		emotes TEXT NOT NULL DEFAULT '[]',
		sent_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE UNIQUE INDEX ux_offline_chat_messages_message_id ON offline_chat_messages (message_id)`,
}

// NewDB opens a private in-memory sqlite database with the full schema.
// A single connection serialises access the way row locks would on postgres.
func NewDB(t testing.TB) *gorm.DB {
	t.Helper()

	name := dsnUnsafe.ReplaceAllString(t.Name(), "_")
	conn, err := gorm.Open(sqlite.Open("file:"+name+"?mode=memory&cache=shared"), &gorm.Config{
		Logger:         gormlogger.Default.LogMode(gormlogger.Silent),
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	stripRowLocks(conn)

	sqlDB, err := conn.DB()
	if err != nil {
		t.Fatalf("failed to get sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	for _, stmt := range schema {
		if err := conn.Exec(stmt).Error; err != nil {
			t.Fatalf("create schema: %v", err)
		}
	}
	return conn
}

// stripRowLocks removes FOR UPDATE [SKIP LOCKED], which sqlite does not parse.
func stripRowLocks(conn *gorm.DB) {
	strip := func(d *gorm.DB) {
		delete(d.Statement.Clauses, "FOR")
		sql := d.Statement.SQL.String()
		if strings.Contains(sql, "FOR UPDATE") {
			newSQL := strings.ReplaceAll(sql, "FOR UPDATE SKIP LOCKED", "")
			newSQL = strings.ReplaceAll(newSQL, "FOR UPDATE", "")
			d.Statement.SQL.Reset()
			d.Statement.SQL.WriteString(newSQL)
		}
	}
	_ = conn.Callback().Query().Before("gorm:query").Register("sqlite_skip_locked", strip)
	_ = conn.Callback().Row().Before("gorm:row").Register("sqlite_skip_locked_row", strip)
	_ = conn.Callback().Raw().Before("gorm:raw").Register("sqlite_skip_locked_raw", strip)
}
