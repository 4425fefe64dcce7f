// Package database is the durable local store: the tracking point log,
// the pending submission queue and the app_state key/value table.
//
// Every exported operation is a single statement or a single transaction on
// a one-connection pool, so calls are atomic with respect to each other.
// When the schema is missing (first run of a background context, or a file
// reopened before migration) an operation initializes it once and retries.
package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
)

// ErrSchemaMissing is returned when an operation still fails on a missing
// table after the schema was re-initialized.
var ErrSchemaMissing = errors.New("storage schema missing")

type DB struct {
	*sql.DB
	path   string
	logger *zerolog.Logger
	initMu sync.Mutex
}

func NewDB(path string, logger *zerolog.Logger) (*DB, error) {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}

	dsn := path
	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		dsn = fmt.Sprintf("file:%s?_busy_timeout=5000&_journal_mode=WAL", path)
	}

	sqlDB, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// single writer; also keeps :memory: on one connection
	sqlDB.SetMaxOpenConns(1)

	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db := &DB{DB: sqlDB, path: path, logger: logger}
	if err := db.createTables(context.Background()); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}

	logger.Info().Str("db_path", path).Msg("local store initialized")
	return db, nil
}

// Path returns the file the store was opened on.
func (db *DB) Path() string {
	return db.path
}

func (db *DB) createTables(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS tracking_points (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            latitude REAL NOT NULL,
            longitude REAL NOT NULL,
            accuracy REAL,
            battery_level REAL NOT NULL DEFAULT 0,
            timestamp INTEGER NOT NULL,
            speed REAL NOT NULL DEFAULT 0,
            heading REAL NOT NULL DEFAULT 0,
            task_id TEXT,
            synced INTEGER NOT NULL DEFAULT 0
        )`,
		`CREATE TABLE IF NOT EXISTS pending_submissions (
            id INTEGER PRIMARY KEY AUTOINCREMENT,
            task_id TEXT NOT NULL,
            payload TEXT NOT NULL,
            timestamp INTEGER NOT NULL
        )`,
		`CREATE TABLE IF NOT EXISTS app_state (
            key TEXT PRIMARY KEY,
            value TEXT
        )`,

		`CREATE INDEX IF NOT EXISTS idx_points_synced_ts ON tracking_points(synced, timestamp)`,
		`CREATE INDEX IF NOT EXISTS idx_submissions_ts ON pending_submissions(timestamp)`,
	}

	db.initMu.Lock()
	defer db.initMu.Unlock()

	for _, query := range queries {
		if _, err := db.ExecContext(ctx, query); err != nil {
			return fmt.Errorf("error executing query %s: %w", query, err)
		}
	}
	return nil
}

// withSchema runs op and, if it failed because a table does not exist,
// re-creates the schema and runs op exactly once more.
func (db *DB) withSchema(ctx context.Context, name string, op func(ctx context.Context) error) error {
	err := op(ctx)
	if err == nil || !isMissingSchema(err) {
		return err
	}

	db.logger.Warn().Err(err).Str("op", name).Msg("schema missing, re-initializing")
	if initErr := db.createTables(ctx); initErr != nil {
		return fmt.Errorf("%s: %w: %v", name, ErrSchemaMissing, initErr)
	}

	if err := op(ctx); err != nil {
		if isMissingSchema(err) {
			return fmt.Errorf("%s: %w: %v", name, ErrSchemaMissing, err)
		}
		return fmt.Errorf("%s after schema init: %w", name, err)
	}
	return nil
}

func isMissingSchema(err error) bool {
	var sqliteErr sqlite3.Error
	if !errors.As(err, &sqliteErr) {
		return false
	}
	return strings.Contains(sqliteErr.Error(), "no such table")
}

// inTx runs fn in a transaction, committing on success.
func (db *DB) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func (db *DB) Close() error {
	return db.DB.Close()
}
