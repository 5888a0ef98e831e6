package sqlite

import (
	"context"
	"database/sql"
	"fmt"
)

type migration struct {
	version int
	name    string
	up      func(context.Context, *sql.Tx) error
}

func (d *DB) migrate(ctx context.Context) error {
	if err := d.createMigrationsTable(ctx); err != nil {
		return err
	}

	migrations := []migration{
		{version: 1, name: "jobs_and_domain_locks", up: migrateV1},
	}

	for _, m := range migrations {
		if err := d.runMigration(ctx, m); err != nil {
			return fmt.Errorf("migration %d (%s) failed: %w", m.version, m.name, err)
		}
	}
	return nil
}

func (d *DB) createMigrationsTable(ctx context.Context) error {
	_, err := d.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			name TEXT NOT NULL,
			applied_at INTEGER NOT NULL
		)`)
	return err
}

func (d *DB) runMigration(ctx context.Context, m migration) error {
	var count int
	err := d.db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM schema_migrations WHERE version = ?", m.version).Scan(&count)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := m.up(ctx, tx); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx,
		"INSERT INTO schema_migrations (version, name, applied_at) VALUES (?, ?, strftime('%s','now'))",
		m.version, m.name); err != nil {
		return err
	}

	return tx.Commit()
}

func migrateV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS jobs (
			id TEXT PRIMARY KEY,
			url TEXT NOT NULL,
			normalized_url TEXT NOT NULL,
			creation_date TEXT NOT NULL,
			domain_key TEXT NOT NULL,
			render_mode TEXT NOT NULL,
			status TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			max_retries INTEGER NOT NULL,
			navigation_timeout_s INTEGER NOT NULL,
			job_timeout_s INTEGER NOT NULL,
			max_domain_wait_s INTEGER NOT NULL,
			metadata TEXT,
			error_code TEXT,
			error_message TEXT,
			created_at INTEGER NOT NULL,
			started_at INTEGER,
			finished_at INTEGER,
			artifact_path TEXT
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_jobs_dedup ON jobs(normalized_url, creation_date)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_status_domain ON jobs(status, domain_key)`,
		`CREATE INDEX IF NOT EXISTS idx_jobs_created_at ON jobs(created_at, id)`,
		`CREATE TABLE IF NOT EXISTS domain_locks (
			domain_key TEXT PRIMARY KEY,
			held_by_job_id TEXT,
			acquired_at INTEGER
		)`,
	}
	for _, s := range stmts {
		if _, err := tx.ExecContext(ctx, s); err != nil {
			return err
		}
	}
	return nil
}
