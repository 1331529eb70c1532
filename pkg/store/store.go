// Package store is the relational source of truth for the project queue,
// scheduled check-in tasks, health records and the operational event log.
//
// It wraps a single SQLite database opened in WAL mode. Every multi-step
// mutation runs in an explicit IMMEDIATE transaction and transient
// SQLITE_BUSY/LOCKED errors are retried with jittered exponential backoff.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"strings"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite"
)

const defaultBusyRetries = 5

// Store is the PersistentStore. Safe for concurrent use.
type Store struct {
	db        *sql.DB
	nowFunc   func() time.Time
	busyRetry int
}

// Open opens (creating if needed) the database at path, verifies its
// integrity, applies the schema and runs migrations. A failed integrity
// check returns an error wrapping protocol.ErrSchemaCorrupt.
func Open(ctx context.Context, path string) (*Store, error) {
	dsn := "file:" + path +
		"?_pragma=busy_timeout(5000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)" +
		"&_txlock=immediate"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite %s: %w", path, err)
	}
	s := New(db)
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init %s: %w", path, err)
	}
	return s, nil
}

// New wraps an already opened database. The caller must have applied the
// schema, or call Open instead.
func New(db *sql.DB) *Store {
	return &Store{db: db, nowFunc: time.Now, busyRetry: defaultBusyRetries}
}

// SetClock overrides the time source. Intended for tests.
func (s *Store) SetClock(now func() time.Time) { s.nowFunc = now }

// DB exposes the underlying handle for read-only reporting queries.
func (s *Store) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) now() time.Time { return s.nowFunc().UTC() }

func (s *Store) init(ctx context.Context) error {
	var result string
	if err := s.db.QueryRowContext(ctx, "PRAGMA quick_check").Scan(&result); err != nil {
		if isCorrupt(err) {
			return fmt.Errorf("%w: %v", protocol.ErrSchemaCorrupt, err)
		}
		return fmt.Errorf("integrity check: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("%w: quick_check: %s", protocol.ErrSchemaCorrupt, result)
	}
	if _, err := s.db.ExecContext(ctx, protocol.SchemaDDL); err != nil {
		if isCorrupt(err) {
			return fmt.Errorf("%w: %v", protocol.ErrSchemaCorrupt, err)
		}
		return fmt.Errorf("apply schema: %w", err)
	}
	s.migrate(ctx)
	return nil
}

// migrate applies additive migrations. ALTER TABLE errors when the column
// already exists; those errors are ignored.
func (s *Store) migrate(ctx context.Context) {
	_, _ = s.db.ExecContext(ctx, protocol.MigrateEstimatedHours)
	_, _ = s.db.ExecContext(ctx, protocol.MigrateParentID)
	s.migrateActiveIndex(ctx)
}

// migrateActiveIndex widens an old active-project index to cover
// credit_paused rows. A failed rebuild leaves the old index in place.
func (s *Store) migrateActiveIndex(ctx context.Context) {
	var ddl string
	err := s.db.QueryRowContext(ctx,
		`SELECT sql FROM sqlite_master WHERE type = 'index' AND name = 'idx_project_queue_active'`).Scan(&ddl)
	if err != nil || strings.Contains(ddl, "credit_paused") {
		return
	}
	_ = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, protocol.MigrateActiveIndex)
		return err
	})
}

// withTx runs f inside a transaction, retrying the whole transaction on
// SQLITE_BUSY. Any error from f rolls back.
func (s *Store) withTx(ctx context.Context, f func(tx *sql.Tx) error) error {
	return retryOnBusy(ctx, s.busyRetry, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer tx.Rollback() //nolint:errcheck // rollback after commit is a no-op
		if err := f(tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit: %w", err)
		}
		return nil
	})
}

// exec runs a single statement with busy retry.
func (s *Store) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	var res sql.Result
	err := retryOnBusy(ctx, s.busyRetry, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, query, args...)
		return err
	})
	return res, err
}

// retryOnBusy retries f with exponential backoff while it fails with a
// SQLite BUSY or LOCKED error.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil || !isSQLiteBusy(err) || attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter
		delay = delay - delay/4 + time.Duration(rand.IntN(int(delay/2)))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func isCorrupt(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "malformed") ||
		strings.Contains(msg, "not a database") ||
		strings.Contains(msg, "(11)") || // SQLITE_CORRUPT
		strings.Contains(msg, "(26)") // SQLITE_NOTADB
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func formatTime(t time.Time) string {
	return t.UTC().Format(protocol.TimeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(protocol.TimeLayout, s)
	if err == nil {
		return t, nil
	}
	// events.created_at defaults to SQLite's millisecond strftime form.
	if t2, err2 := time.Parse(time.RFC3339Nano, s); err2 == nil {
		return t2.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil //nolint:nilnil // absent timestamp
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }
