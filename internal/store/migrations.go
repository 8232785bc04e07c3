package store

import (
	"fmt"
)

func (s *Store) migrate() error {
	if err := s.migrateV1(); err != nil {
		return err
	}
	if err := s.migrateV2(); err != nil {
		return err
	}
	return s.migrateV3()
}

func (s *Store) migrateV1() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		email      TEXT NOT NULL DEFAULT '',
		created_at INTEGER NOT NULL,
		last_seen  INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS projects (
		id         TEXT PRIMARY KEY,
		name       TEXT NOT NULL UNIQUE,
		file_tree  TEXT NOT NULL DEFAULT '{}',
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS project_users (
		project_id TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		user_id    TEXT NOT NULL,
		added_at   INTEGER NOT NULL,
		PRIMARY KEY (project_id, user_id)
	);

	CREATE INDEX IF NOT EXISTS idx_project_users_user ON project_users(user_id);

	CREATE TABLE IF NOT EXISTS meta (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL
	);

	INSERT OR IGNORE INTO meta(key, value) VALUES ('schema_version', '1');
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v1: %w", err)
	}

	return nil
}

func (s *Store) migrateV2() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "2" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		project_id   TEXT NOT NULL REFERENCES projects(id) ON DELETE CASCADE,
		sender_id    TEXT NOT NULL,
		sender_email TEXT NOT NULL DEFAULT '',
		body         TEXT NOT NULL,
		created_at   INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_messages_project ON messages(project_id, id);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v2: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '2')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}

func (s *Store) migrateV3() error {
	var version string
	err := s.db.QueryRow(`SELECT value FROM meta WHERE key = 'schema_version'`).Scan(&version)
	if err != nil || version >= "3" {
		return nil
	}

	schema := `
	CREATE TABLE IF NOT EXISTS revoked_tokens (
		key        TEXT PRIMARY KEY,
		reason     TEXT NOT NULL DEFAULT '',
		expires_at INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_revoked_expires ON revoked_tokens(expires_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to execute migration v3: %w", err)
	}

	if _, err := s.db.Exec(`INSERT OR REPLACE INTO meta(key, value) VALUES ('schema_version', '3')`); err != nil {
		return fmt.Errorf("failed to update schema version: %w", err)
	}

	return nil
}
