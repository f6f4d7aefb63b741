// Package sqlite is the single persisted store shared by the credential
// store, access rules, break-glass tokens and the rotation overlay.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// FileMode is applied to the database file; SQLite copies it to the WAL
// and shared-memory files.
const FileMode os.FileMode = 0o600

// DB provides dual reader/writer connections with WAL mode enabled.
// The writer is limited to one connection and every writer transaction
// starts IMMEDIATE, so read-modify-write sequences are serialized both
// inside this process and against other processes using the same file.
type DB struct {
	Writer *sql.DB
	Reader *sql.DB
	path   string
}

// Open creates (if needed) and opens the database at path, then applies
// pending migrations.
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, FileMode)
	if err != nil {
		return nil, fmt.Errorf("create database file: %w", err)
	}
	f.Close()
	if err := os.Chmod(path, FileMode); err != nil {
		return nil, fmt.Errorf("restrict database file: %w", err)
	}

	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(10000)&_pragma=synchronous(FULL)&_pragma=foreign_keys(ON)&_txlock=immediate",
		path,
	)
	db, err := openDSN(dsn, path)
	if err != nil {
		return nil, err
	}
	if err := RunMigrations(db.Writer); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func openDSN(dsn, path string) (*DB, error) {
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}
	writer.SetMaxOpenConns(1)

	if err := writer.Ping(); err != nil {
		writer.Close()
		return nil, fmt.Errorf("ping writer: %w", err)
	}

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		writer.Close()
		return nil, fmt.Errorf("open reader: %w", err)
	}
	reader.SetMaxOpenConns(4)

	if err := reader.Ping(); err != nil {
		reader.Close()
		writer.Close()
		return nil, fmt.Errorf("ping reader: %w", err)
	}

	return &DB{
		Writer: writer,
		Reader: reader,
		path:   path,
	}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// WithTx runs fn inside a writer transaction. fn's error rolls back; a nil
// return commits.
func (db *DB) WithTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := db.Writer.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback: %w", rbErr))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Ping checks both pools. Used by the serve command's readiness check.
func (db *DB) Ping(ctx context.Context) error {
	if err := db.Writer.PingContext(ctx); err != nil {
		return fmt.Errorf("ping writer: %w", err)
	}
	if err := db.Reader.PingContext(ctx); err != nil {
		return fmt.Errorf("ping reader: %w", err)
	}
	return nil
}

// Close closes both reader and writer connections. Returns the first error encountered.
func (db *DB) Close() error {
	var firstErr error

	if err := db.Reader.Close(); err != nil {
		firstErr = fmt.Errorf("close reader: %w", err)
	}

	if err := db.Writer.Close(); err != nil && firstErr == nil {
		firstErr = fmt.Errorf("close writer: %w", err)
	}

	return firstErr
}

// Timestamps are stored as INTEGER unix nanoseconds so range predicates
// compare numerically.

// Time converts t for storage.
func Time(t time.Time) int64 {
	return t.UTC().UnixNano()
}

// NullTime converts an optional time for storage.
func NullTime(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: Time(*t), Valid: true}
}

// ParseTime converts a stored timestamp.
func ParseTime(n int64) time.Time {
	return time.Unix(0, n).UTC()
}

// ParseNullTime converts an optional stored timestamp.
func ParseNullTime(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := ParseTime(n.Int64)
	return &t
}
