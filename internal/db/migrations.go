package db

import (
	"context"
	"database/sql"
	"fmt"
)

type Migration struct {
	Version int
	UpSQL   string
	DownSQL string
}

var migrations = []Migration{
	{
		Version: 1,
		UpSQL: `
PRAGMA foreign_keys = ON;

CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS targets (
	target_id TEXT PRIMARY KEY,
	target_name TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL CHECK(kind IN ('local','ssh')),
	connection_ref TEXT NOT NULL,
	pane_ref TEXT NOT NULL,
	updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS mitigation_actions (
	action_id TEXT PRIMARY KEY,
	request_id TEXT NOT NULL,
	target_id TEXT NOT NULL,
	strategy TEXT NOT NULL CHECK(strategy IN ('nudge','escalate_message','reset_session','emergency_override','peer_assist')),
	severity TEXT NOT NULL CHECK(severity IN ('none','warning','moderate','severe','critical')),
	attempts INTEGER NOT NULL DEFAULT 0,
	requested_at TEXT NOT NULL,
	completed_at TEXT,
	result_code TEXT NOT NULL,
	error_code TEXT,
	FOREIGN KEY(target_id) REFERENCES targets(target_id) ON DELETE CASCADE
);

CREATE INDEX IF NOT EXISTS mitigation_actions_target_requested
ON mitigation_actions(target_id, requested_at DESC);

CREATE TABLE IF NOT EXISTS alert_events (
	event_id TEXT PRIMARY KEY,
	event_type TEXT NOT NULL,
	target_id TEXT NOT NULL DEFAULT '',
	code TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	emitted_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS alert_events_emitted
ON alert_events(emitted_at DESC);
`,
		DownSQL: `
DROP INDEX IF EXISTS alert_events_emitted;
DROP TABLE IF EXISTS alert_events;
DROP INDEX IF EXISTS mitigation_actions_target_requested;
DROP TABLE IF EXISTS mitigation_actions;
DROP TABLE IF EXISTS targets;
DROP TABLE IF EXISTS schema_migrations;
`,
	},
}

// ApplyMigrations brings the schema up to the latest version.
func ApplyMigrations(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
	version INTEGER PRIMARY KEY,
	applied_at TEXT NOT NULL
)`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	for _, m := range migrations {
		var count int
		if err := db.QueryRowContext(ctx, `SELECT COUNT(1) FROM schema_migrations WHERE version = ?`, m.Version).Scan(&count); err != nil {
			return fmt.Errorf("check migration %d: %w", m.Version, err)
		}
		if count > 0 {
			continue
		}
		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, m.UpSQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("apply migration %d: %w", m.Version, err)
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations(version, applied_at) VALUES (?, datetime('now'))`, m.Version); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("record migration %d: %w", m.Version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %d: %w", m.Version, err)
		}
	}
	return nil
}
