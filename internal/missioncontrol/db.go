// Package missioncontrol persists tasks derived from incidents in a SQLite
// database shared with the mission-control surface.
package missioncontrol

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/surpriselab/surprisebot/internal/config"
	"github.com/surpriselab/surprisebot/internal/ledger"
)

// DB wraps the mission-control SQLite database.
type DB struct {
	sql *sql.DB
	cfg *config.Config
	led *ledger.Store
	now func() time.Time
}

// Open opens (creating if needed) the task database and applies the schema.
// The connection uses WAL so the gateway and the mission-control UI can read
// concurrently. led is the JSONL ledger the maintenance pass prunes alongside
// the task rows.
func Open(ctx context.Context, cfg *config.Config, led *ledger.Store) (*DB, error) {
	path := cfg.MissionControl.DBPath
	if path == "" {
		path = filepath.Join(config.StateDir(), "memory", "mission-control.db")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open mission db: %w", err)
	}
	// Single writer; SQLite serializes anyway and this avoids SQLITE_BUSY
	// churn under modernc's connection pool.
	conn.SetMaxOpenConns(1)

	db := &DB{sql: conn, cfg: cfg, led: led, now: time.Now}
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := conn.ExecContext(ctx, pragma); err != nil {
			conn.Close()
			return nil, fmt.Errorf("pragma %q: %w", pragma, err)
		}
	}
	if err := db.ensureSchema(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// Close closes the underlying connection.
func (d *DB) Close() error { return d.sql.Close() }

// schema is idempotent; every statement is IF NOT EXISTS so upgrades only add.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS tasks (
		id             TEXT PRIMARY KEY,
		fingerprint    TEXT NOT NULL UNIQUE,
		source         TEXT NOT NULL,
		severity       TEXT NOT NULL,
		title          TEXT NOT NULL,
		description    TEXT,
		url            TEXT,
		path           TEXT,
		status         TEXT NOT NULL DEFAULT 'inbox',
		priority       TEXT NOT NULL DEFAULT 'medium',
		assignee       TEXT,
		labels         TEXT,
		parent_task_id TEXT REFERENCES tasks(id),
		trust_tier     TEXT,
		qa_required    INTEGER NOT NULL DEFAULT 0,
		meta           TEXT,
		created_at     TEXT NOT NULL,
		updated_at     TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_source ON tasks(source)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_updated ON tasks(updated_at)`,
	`CREATE INDEX IF NOT EXISTS idx_tasks_priority ON tasks(priority)`,
	`CREATE TABLE IF NOT EXISTS messages (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		author     TEXT NOT NULL,
		body       TEXT NOT NULL,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_messages_task ON messages(task_id)`,
	`CREATE TABLE IF NOT EXISTS activities (
		id         TEXT PRIMARY KEY,
		task_id    TEXT REFERENCES tasks(id) ON DELETE CASCADE,
		kind       TEXT NOT NULL,
		detail     TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_task ON activities(task_id)`,
	`CREATE INDEX IF NOT EXISTS idx_activities_kind ON activities(kind)`,
	`CREATE TABLE IF NOT EXISTS subscriptions (
		id         TEXT PRIMARY KEY,
		task_id    TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id   TEXT NOT NULL,
		created_at TEXT NOT NULL,
		UNIQUE(task_id, agent_id)
	)`,
	`CREATE TABLE IF NOT EXISTS documents (
		id         TEXT PRIMARY KEY,
		task_id    TEXT REFERENCES tasks(id) ON DELETE CASCADE,
		title      TEXT NOT NULL,
		url        TEXT,
		path       TEXT,
		created_at TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		id         TEXT PRIMARY KEY,
		task_id    TEXT REFERENCES tasks(id) ON DELETE CASCADE,
		agent_id   TEXT NOT NULL,
		kind       TEXT NOT NULL,
		body       TEXT,
		read       INTEGER NOT NULL DEFAULT 0,
		created_at TEXT NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_notifications_agent ON notifications(agent_id, read)`,
}

func (d *DB) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := d.sql.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema: %w", err)
		}
	}
	return nil
}

func (d *DB) timestamp() string {
	return d.now().UTC().Format(time.RFC3339Nano)
}
