package datastore

import (
	"context"
	"fmt"
)

type migration struct {
	version      int
	statements   map[Dialect][]string
	ignoreErrors bool
}

var migrations = []migration{
	{
		version: 1,
		statements: map[Dialect][]string{
			DialectSQLite: {
				`CREATE TABLE IF NOT EXISTS accounts (
					id            INTEGER PRIMARY KEY AUTOINCREMENT,
					username      TEXT    NOT NULL CHECK(length(username) > 0 AND length(username) <= 32),
					is_admin      INTEGER NOT NULL DEFAULT 0 CHECK(is_admin IN (0, 1)),
					balance       INTEGER NOT NULL DEFAULT 0 CHECK(balance >= 0),
					password_hash TEXT    NOT NULL DEFAULT '',
					created_at    TEXT    NOT NULL
				)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username ON accounts (lower(username))`,
				`CREATE TABLE IF NOT EXISTS bans (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					account_id INTEGER NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					reason     TEXT    NOT NULL DEFAULT '',
					banned_by  INTEGER NOT NULL DEFAULT 0,
					expires_at TEXT,
					created_at TEXT    NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_bans_account ON bans (account_id)`,
				`CREATE TABLE IF NOT EXISTS messages (
					id         INTEGER PRIMARY KEY AUTOINCREMENT,
					sender_id  INTEGER NOT NULL DEFAULT 0,
					username   TEXT    NOT NULL,
					is_admin   INTEGER NOT NULL DEFAULT 0,
					body       TEXT    NOT NULL,
					created_at TEXT    NOT NULL
				)`,
			},
			DialectPostgres: {
				`CREATE TABLE IF NOT EXISTS accounts (
					id            BIGSERIAL PRIMARY KEY,
					username      TEXT    NOT NULL CHECK(length(username) > 0 AND length(username) <= 32),
					is_admin      INTEGER NOT NULL DEFAULT 0 CHECK(is_admin IN (0, 1)),
					balance       BIGINT  NOT NULL DEFAULT 0 CHECK(balance >= 0),
					password_hash TEXT    NOT NULL DEFAULT '',
					created_at    TEXT    NOT NULL
				)`,
				`CREATE UNIQUE INDEX IF NOT EXISTS idx_accounts_username ON accounts (lower(username))`,
				`CREATE TABLE IF NOT EXISTS bans (
					id         BIGSERIAL PRIMARY KEY,
					account_id BIGINT NOT NULL REFERENCES accounts(id) ON DELETE CASCADE,
					reason     TEXT   NOT NULL DEFAULT '',
					banned_by  BIGINT NOT NULL DEFAULT 0,
					expires_at TEXT,
					created_at TEXT   NOT NULL
				)`,
				`CREATE INDEX IF NOT EXISTS idx_bans_account ON bans (account_id)`,
				`CREATE TABLE IF NOT EXISTS messages (
					id         BIGSERIAL PRIMARY KEY,
					sender_id  BIGINT  NOT NULL DEFAULT 0,
					username   TEXT    NOT NULL,
					is_admin   INTEGER NOT NULL DEFAULT 0,
					body       TEXT    NOT NULL,
					created_at TEXT    NOT NULL
				)`,
			},
		},
	},
	{
		version: 2,
		statements: map[Dialect][]string{
			DialectSQLite:   {`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender_id)`},
			DialectPostgres: {`CREATE INDEX IF NOT EXISTS idx_messages_sender ON messages (sender_id)`},
		},
		ignoreErrors: true,
	},
}

// Migrate brings the schema up to the latest version.
func (sf *ProviderFactory) Migrate(ctx context.Context) error {
	if err := sf.ensureSchemaMigrations(ctx); err != nil {
		return err
	}
	currentVersion, err := sf.getSchemaVersion(ctx)
	if err != nil {
		return err
	}

	for _, m := range migrations {
		if m.version <= currentVersion {
			continue
		}
		for _, stmt := range m.statements[sf.Dialect] {
			if err := sf.execMigration(ctx, stmt, m.ignoreErrors); err != nil {
				return err
			}
		}
		if err := sf.setSchemaVersion(ctx, m.version); err != nil {
			return err
		}
	}
	return nil
}

// SchemaVersion reports the applied migration version.
func (sf *ProviderFactory) SchemaVersion(ctx context.Context) (int, error) {
	return sf.getSchemaVersion(ctx)
}

func (sf *ProviderFactory) ensureSchemaMigrations(ctx context.Context) error {
	if _, err := sf.DB.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER NOT NULL)"); err != nil {
		return fmt.Errorf("datastore: create schema_migrations: %w", err)
	}
	var count int
	if err := sf.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations").Scan(&count); err != nil {
		return fmt.Errorf("datastore: check schema_migrations: %w", err)
	}
	if count == 0 {
		if _, err := sf.DB.ExecContext(ctx, "INSERT INTO schema_migrations (version) VALUES (0)"); err != nil {
			return fmt.Errorf("datastore: init schema_migrations: %w", err)
		}
	}
	return nil
}

func (sf *ProviderFactory) getSchemaVersion(ctx context.Context) (int, error) {
	var version int
	if err := sf.DB.QueryRowContext(ctx, "SELECT version FROM schema_migrations LIMIT 1").Scan(&version); err != nil {
		return 0, fmt.Errorf("datastore: read schema version: %w", err)
	}
	return version, nil
}

func (sf *ProviderFactory) setSchemaVersion(ctx context.Context, version int) error {
	if _, err := sf.DB.ExecContext(ctx, sf.Dialect.Rebind("UPDATE schema_migrations SET version = ?"), version); err != nil {
		return fmt.Errorf("datastore: update schema version: %w", err)
	}
	return nil
}

func (sf *ProviderFactory) execMigration(ctx context.Context, stmt string, ignoreErrors bool) error {
	if _, err := sf.DB.ExecContext(ctx, stmt); err != nil {
		if ignoreErrors {
			return nil
		}
		return fmt.Errorf("datastore: migrate: %w", err)
	}
	return nil
}
