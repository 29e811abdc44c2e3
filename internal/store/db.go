package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

const dsnParams = "?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on&_txlock=immediate&_secure_delete=on"

// DB wraps the account database. Query methods come from the embedded
// Queries bound to the pool; InTx hands out Queries bound to a transaction.
type DB struct {
	*sqlx.DB
	Queries
}

// Queries runs statements against either the pool or one transaction.
type Queries struct {
	x sqlx.ExtContext
}

// Open creates a new SQLite connection with WAL mode and recommended pragmas.
func Open(path string) (*DB, error) {
	db, err := sqlx.Open("sqlite3", path+dsnParams)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, Queries: Queries{x: db}}, nil
}

// InTx runs fn inside one immediate transaction. A busy database is retried
// a few times before giving up; fn must therefore be safe to re-run.
func (db *DB) InTx(ctx context.Context, fn func(q *Queries) error) error {
	return withRetry(ctx, func() error {
		tx, err := db.BeginTxx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		if err := fn(&Queries{x: tx}); err != nil {
			_ = tx.Rollback()
			return err
		}
		return tx.Commit()
	})
}

const (
	retryAttempts = 4
	retryBackoff  = 50 * time.Millisecond
)

func withRetry(ctx context.Context, fn func() error) error {
	backoff := retryBackoff
	var err error
	for attempt := 0; attempt < retryAttempts; attempt++ {
		if err = fn(); err == nil || !isBusy(err) {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	return fmt.Errorf("database busy after %d attempts: %w", retryAttempts, err)
}

func isBusy(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY")
}

// SnapshotTo writes a consistent copy of the database to path.
func (db *DB) SnapshotTo(ctx context.Context, path string) error {
	if _, err := db.ExecContext(ctx, `VACUUM INTO ?`, path); err != nil {
		return fmt.Errorf("snapshot to %s: %w", path, err)
	}
	return nil
}

// Checkpoint truncates the write-ahead log.
func (db *DB) Checkpoint(ctx context.Context) error {
	_, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`)
	return err
}

func nowMillis() int64 { return time.Now().UnixMilli() }
