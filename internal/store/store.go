// Package store is the durable log of chats, messages, registered chats,
// delivery cursors, sessions, and scheduled tasks (spec §3, §6). It is a
// thin layer over SQLite: every exported method is one or a handful of
// statements, transactions are used only where an operation touches more
// than one table atomically.
package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

type Store struct {
	db *sql.DB
}

func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	// WAL mode lets the IPC dispatcher, the scheduler sweep, and folder
	// workers all read/write concurrently; the busy timeout makes writers
	// retry instead of immediately failing with SQLITE_BUSY.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return nil, fmt.Errorf("exec %s: %w", p, err)
		}
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

const schemaVersion = 1

func (s *Store) migrate() error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS schema_version (version INTEGER NOT NULL)`,

		`CREATE TABLE IF NOT EXISTS chats (
			chat_id      TEXT PRIMARY KEY,
			display_name TEXT NOT NULL DEFAULT '',
			transport    TEXT NOT NULL DEFAULT '',
			is_group     INTEGER NOT NULL DEFAULT 0,
			last_seen_at DATETIME,
			created_at   DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS messages (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			chat_id     TEXT NOT NULL REFERENCES chats(chat_id),
			message_id  TEXT NOT NULL,
			sender_id   TEXT NOT NULL DEFAULT '',
			sender_name TEXT NOT NULL DEFAULT '',
			content     TEXT NOT NULL,
			timestamp   DATETIME NOT NULL,
			direction   TEXT NOT NULL,
			created_at  DATETIME DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(chat_id, message_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_chat_ts ON messages(chat_id, timestamp)`,

		`CREATE TABLE IF NOT EXISTS registered_chats (
			chat_id           TEXT PRIMARY KEY REFERENCES chats(chat_id),
			display_name      TEXT NOT NULL DEFAULT '',
			folder            TEXT NOT NULL UNIQUE,
			trigger_phrase    TEXT NOT NULL DEFAULT '',
			requires_trigger  INTEGER NOT NULL DEFAULT 1,
			added_at          DATETIME DEFAULT CURRENT_TIMESTAMP,
			container_config  TEXT NOT NULL DEFAULT '{}'
		)`,

		`CREATE TABLE IF NOT EXISTS router_state (
			folder    TEXT PRIMARY KEY REFERENCES registered_chats(folder),
			cursor_ts DATETIME NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS sessions (
			folder     TEXT PRIMARY KEY REFERENCES registered_chats(folder),
			session_id TEXT NOT NULL DEFAULT '',
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,

		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id            TEXT PRIMARY KEY,
			folder        TEXT NOT NULL REFERENCES registered_chats(folder),
			chat_id       TEXT NOT NULL,
			prompt        TEXT NOT NULL,
			schedule_type TEXT NOT NULL,
			schedule_value TEXT NOT NULL,
			next_run_at   DATETIME,
			last_run_at   DATETIME,
			last_result   TEXT NOT NULL DEFAULT '',
			status        TEXT NOT NULL DEFAULT 'active',
			context_mode  TEXT NOT NULL DEFAULT 'group',
			created_at    DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_due ON scheduled_tasks(status, next_run_at)`,

		`CREATE TABLE IF NOT EXISTS task_run_logs (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id     TEXT NOT NULL REFERENCES scheduled_tasks(id),
			started_at  DATETIME NOT NULL,
			duration_ms INTEGER NOT NULL,
			status      TEXT NOT NULL,
			output      TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS idx_task_run_logs_task ON task_run_logs(task_id)`,

		`CREATE TABLE IF NOT EXISTS secrets (
			name       TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			nonce      BLOB NOT NULL,
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
	}

	for _, m := range migrations {
		if _, err := s.db.Exec(m); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM schema_version`).Scan(&count); err != nil {
		return fmt.Errorf("check schema_version: %w", err)
	}
	if count == 0 {
		if _, err := s.db.Exec(`INSERT INTO schema_version (version) VALUES (?)`, schemaVersion); err != nil {
			return fmt.Errorf("seed schema_version: %w", err)
		}
	}

	return nil
}
