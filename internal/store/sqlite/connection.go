// Package sqlite implements internal/store.Store on top of a single-writer
// SQLite database: modernc.org/sqlite (pure-Go driver, no cgo), WAL mode, a
// busy_timeout pragma, and a capped connection pool to avoid SQLITE_BUSY.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"

	"github.com/ternarybob/arbor"
)

// DB wraps the underlying *sql.DB with pragmas and migrations applied.
type DB struct {
	db     *sql.DB
	logger arbor.ILogger
}

// Config configures the SQLite connection.
type Config struct {
	Path           string
	BusyTimeoutMS  int
	CacheSizeMB    int
	WALMode        bool
}

// DefaultConfig returns sane defaults for the given database path.
func DefaultConfig(path string) Config {
	return Config{
		Path:          path,
		BusyTimeoutMS: 5000,
		CacheSizeMB:   16,
		WALMode:       true,
	}
}

// Open opens (creating if necessary) the SQLite database at cfg.Path and
// applies pragmas and migrations.
func Open(logger arbor.ILogger, cfg Config) (*DB, error) {
	dir := filepath.Dir(cfg.Path)
	if dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	sqlDB, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// modernc.org/sqlite does not support concurrent writers; a single
	// connection avoids SQLITE_BUSY between the Worker and the API Facade,
	// which share this process and this pool.
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)

	d := &DB{db: sqlDB, logger: logger}

	if err := d.configure(cfg); err != nil {
		sqlDB.Close()
		return nil, err
	}

	if err := d.migrate(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info().Str("path", cfg.Path).Msg("SQLite job store initialized")
	return d, nil
}

func (d *DB) configure(cfg Config) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeoutMS),
		fmt.Sprintf("PRAGMA cache_size = -%d", cfg.CacheSizeMB*1024),
		"PRAGMA foreign_keys = ON",
		"PRAGMA synchronous = NORMAL",
	}
	if cfg.WALMode {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL")
	}
	for _, p := range pragmas {
		if _, err := d.db.Exec(p); err != nil {
			return fmt.Errorf("failed to execute %q: %w", p, err)
		}
	}
	return nil
}

// Close closes the underlying connection.
func (d *DB) Close() error {
	return d.db.Close()
}
