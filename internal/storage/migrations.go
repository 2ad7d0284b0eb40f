package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/Masterminds/semver/v3"
)

const (
	// CurrentSchemaVersion tracks the database schema version
	CurrentSchemaVersion = "1.0.0"
)

// Migration represents a database schema migration
type Migration struct {
	Version string
	Up      string
	Down    string
}

// AllMigrations contains all database migrations in order
var AllMigrations = []Migration{
	{
		Version: "1.0.0",
		Up:      migrationV1Up,
		Down:    migrationV1Down,
	},
}

const migrationV1Up = `
-- Schema version tracking
CREATE TABLE IF NOT EXISTS schema_version (
    version TEXT PRIMARY KEY,
    applied_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

-- Conversation history: one row per chat message, append-only.
-- message_id is a snowflake, so id order equals time order.
CREATE TABLE IF NOT EXISTS conversation_history (
    message_id INTEGER PRIMARY KEY,
    guild_id INTEGER NOT NULL DEFAULT 0,
    channel_id INTEGER NOT NULL,
    user_id INTEGER NOT NULL DEFAULT 0,
    user_name TEXT,
    content TEXT NOT NULL,
    is_bot BOOLEAN NOT NULL DEFAULT 0,
    created_at TIMESTAMP NOT NULL,
    embedding BLOB
);

CREATE INDEX IF NOT EXISTS idx_history_channel_time ON conversation_history(channel_id, created_at);
CREATE INDEX IF NOT EXISTS idx_history_channel_id ON conversation_history(channel_id, message_id);
CREATE INDEX IF NOT EXISTS idx_history_missing_embedding
    ON conversation_history(message_id) WHERE embedding IS NULL;

-- Full-text index over message content. External-content table keyed by
-- message_id; the triggers below keep it in sync so writers never touch it.
CREATE VIRTUAL TABLE IF NOT EXISTS conversation_fts USING fts5(
    content,
    content='conversation_history',
    content_rowid='message_id',
    tokenize='unicode61 remove_diacritics 2'
);

CREATE TRIGGER IF NOT EXISTS conversation_ai AFTER INSERT ON conversation_history BEGIN
    INSERT INTO conversation_fts(rowid, content)
    VALUES (new.message_id, new.content);
END;

CREATE TRIGGER IF NOT EXISTS conversation_ad AFTER DELETE ON conversation_history BEGIN
    INSERT INTO conversation_fts(conversation_fts, rowid, content)
    VALUES ('delete', old.message_id, old.content);
END;

CREATE TRIGGER IF NOT EXISTS conversation_au AFTER UPDATE OF content ON conversation_history BEGIN
    INSERT INTO conversation_fts(conversation_fts, rowid, content)
    VALUES ('delete', old.message_id, old.content);
    INSERT INTO conversation_fts(rowid, content)
    VALUES (new.message_id, new.content);
END;
`

const migrationV1Down = `
DROP TRIGGER IF EXISTS conversation_au;
DROP TRIGGER IF EXISTS conversation_ad;
DROP TRIGGER IF EXISTS conversation_ai;

DROP TABLE IF EXISTS conversation_fts;
DROP TABLE IF EXISTS conversation_history;
DROP TABLE IF EXISTS schema_version;
`

// ApplyMigrations runs all pending migrations
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	// Check if schema_version table exists
	var tableName string
	err := db.QueryRowContext(ctx, "SELECT name FROM sqlite_master WHERE type='table' AND name='schema_version'").Scan(&tableName)

	// Parse current version (default to 0.0.0 if no migrations applied or table doesn't exist)
	var currentVersion *semver.Version
	if err == sql.ErrNoRows {
		currentVersion = semver.MustParse("0.0.0")
	} else if err != nil {
		return fmt.Errorf("failed to check schema_version table: %w", err)
	} else {
		var currentVersionStr string
		err = db.QueryRowContext(ctx, "SELECT version FROM schema_version ORDER BY applied_at DESC LIMIT 1").Scan(&currentVersionStr)
		if err == sql.ErrNoRows || currentVersionStr == "" {
			currentVersion = semver.MustParse("0.0.0")
		} else if err != nil {
			return fmt.Errorf("failed to read schema_version: %w", err)
		} else {
			currentVersion, err = semver.NewVersion(currentVersionStr)
			if err != nil {
				return fmt.Errorf("invalid current schema version %s: %w", currentVersionStr, err)
			}
		}
	}

	// Run migrations in order
	for _, migration := range AllMigrations {
		migrationVersion, err := semver.NewVersion(migration.Version)
		if err != nil {
			return fmt.Errorf("invalid migration version %s: %w", migration.Version, err)
		}

		if !currentVersion.LessThan(migrationVersion) {
			continue // Already applied
		}

		if _, err := db.ExecContext(ctx, migration.Up); err != nil {
			return fmt.Errorf("failed to apply migration %s: %w", migration.Version, err)
		}

		if _, err := db.ExecContext(ctx,
			"INSERT OR REPLACE INTO schema_version (version) VALUES (?)", migration.Version); err != nil {
			return fmt.Errorf("failed to record migration %s: %w", migration.Version, err)
		}

		currentVersion = migrationVersion
	}

	return nil
}
