// Package persistence stores runtime feature flags in SQLite or MySQL so
// commands disabled at runtime stay disabled across restarts.
package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-sql-driver/mysql"
	_ "github.com/mattn/go-sqlite3"
)

// Dialects understood by Open.
const (
	DialectSQLite = "sqlite"
	DialectMySQL  = "mysql"
)

// Flag kinds.
const (
	FlagDisabled = "disabled"
	FlagBeta     = "beta"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "herald-v1-feature-flags"
)

var ErrUnknownDialect = errors.New("persistence: unknown dialect")

type Store struct {
	db      *sql.DB
	dialect string
}

// Open connects to the flag store and applies the schema.
func Open(ctx context.Context, dialect, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		db, err = openSQLite(dsn)
	case DialectMySQL:
		db, err = openMySQL(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownDialect, dialect)
	}
	if err != nil {
		return nil, err
	}

	store := &Store{db: db, dialect: dialect}
	if err := store.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func openSQLite(path string) (*sql.DB, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", fmt.Sprintf("%s?_busy_timeout=5000", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("set pragma journal_mode: %w", err)
	}
	return db, nil
}

func openMySQL(dsn string) (*sql.DB, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("mysql connector: %w", err)
	}
	db := sql.OpenDB(connector)
	db.SetMaxOpenConns(4)
	db.SetConnMaxLifetime(5 * time.Minute)
	return db, nil
}

func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Dialect() string { return s.dialect }

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmts := []string{
		`CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum VARCHAR(64) NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS feature_flags (
			kind VARCHAR(16) NOT NULL,
			name VARCHAR(64) NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (kind, name)
		)`,
	}
	for _, q := range stmts {
		if _, err := tx.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}

	var checksum string
	err = tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?`, schemaVersionV1).Scan(&checksum)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_migrations (version, checksum) VALUES (?, ?)`, schemaVersionV1, schemaChecksumV1); err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read migration ledger: %w", err)
	case checksum != schemaChecksumV1:
		return fmt.Errorf("schema checksum mismatch for v%d: got %q", schemaVersionV1, checksum)
	}
	return tx.Commit()
}

// LoadFlags returns the stored disabled and beta name lists, sorted.
func (s *Store) LoadFlags(ctx context.Context) (disabled, beta []string, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT kind, name FROM feature_flags ORDER BY kind, name`)
	if err != nil {
		return nil, nil, fmt.Errorf("load flags: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var kind, name string
		if err := rows.Scan(&kind, &name); err != nil {
			return nil, nil, fmt.Errorf("scan flag: %w", err)
		}
		switch kind {
		case FlagDisabled:
			disabled = append(disabled, name)
		case FlagBeta:
			beta = append(beta, name)
		}
	}
	return disabled, beta, rows.Err()
}

// AddFlag records name under kind. Adding an existing flag is a no-op.
func (s *Store) AddFlag(ctx context.Context, kind, name string) error {
	q := `INSERT INTO feature_flags (kind, name) VALUES (?, ?)
		ON CONFLICT(kind, name) DO UPDATE SET updated_at = CURRENT_TIMESTAMP`
	if s.dialect == DialectMySQL {
		q = `INSERT INTO feature_flags (kind, name) VALUES (?, ?)
			ON DUPLICATE KEY UPDATE updated_at = CURRENT_TIMESTAMP`
	}
	return s.retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, q, kind, name); err != nil {
			return fmt.Errorf("add flag: %w", err)
		}
		return nil
	})
}

func (s *Store) RemoveFlag(ctx context.Context, kind, name string) error {
	return s.retryOnBusy(ctx, 5, func() error {
		if _, err := s.db.ExecContext(ctx, `DELETE FROM feature_flags WHERE kind = ? AND name = ?`, kind, name); err != nil {
			return fmt.Errorf("remove flag: %w", err)
		}
		return nil
	})
}

// retryOnBusy retries f while SQLite reports BUSY or LOCKED, with capped
// exponential backoff and jitter.
func (s *Store) retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || s.dialect != DialectSQLite || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		delay = delay - delay/4 + time.Duration(rand.Intn(int(delay/2)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked")
}
