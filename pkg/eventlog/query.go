// Package eventlog holds foreman's append-only logs: the in-memory ring and
// JSON-lines file of scheduling events consumed by cycle detection, the
// historical failure log, and read-only access to the SQLite operational
// event table for the dashboard and CLI.
package eventlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"time"

	"foreman/pkg/protocol"

	_ "modernc.org/sqlite" // SQLite driver
)

// Event represents a single row of the operational event table.
type Event struct {
	ID        int64
	Type      string
	Source    string
	Session   string
	Role      string
	Payload   string
	CreatedAt time.Time
}

// QueryOpts specifies filter criteria for querying events.
type QueryOpts struct {
	// Session filters events to one project session.
	Session string

	// Role filters events to one agent role.
	Role string

	// EventType filters to a specific event type (e.g. "nudge", "recovery").
	EventType string

	// After filters events created after this time (inclusive)
	After *time.Time

	// Before filters events created before this time (inclusive)
	Before *time.Time

	// Limit restricts the number of results (0 = no limit)
	Limit int
}

// Reader provides read-only access to the event table.
type Reader struct {
	db *sql.DB
}

// NewReader opens the state database read-only so it never blocks the daemon.
// Returns an error if the database doesn't exist or cannot be opened.
func NewReader(dbPath string) (*Reader, error) {
	if _, err := os.Stat(dbPath); err != nil {
		return nil, fmt.Errorf("database not found: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return &Reader{db: db}, nil
}

// NewReaderFromDB wraps an open handle.
func NewReaderFromDB(db *sql.DB) *Reader {
	return &Reader{db: db}
}

// Close releases the database connection.
// Safe to call multiple times.
func (r *Reader) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// Query retrieves events matching opts, newest first.
// Returns an empty slice if no events match.
func (r *Reader) Query(ctx context.Context, opts QueryOpts) ([]Event, error) {
	query, args := buildQuery(opts)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var e Event
		var createdAtStr string
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.Session, &e.Role, &e.Payload, &createdAtStr); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if createdAtStr != "" {
			parsed, err := time.Parse(protocol.TimeLayout, createdAtStr)
			if err != nil {
				// Rows inserted without an explicit timestamp use SQLite's default.
				parsed, err = time.Parse(time.RFC3339Nano, createdAtStr)
				if err != nil {
					return nil, fmt.Errorf("parse created_at: %w", err)
				}
			}
			e.CreatedAt = parsed
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// buildQuery constructs the SQL query and arguments from QueryOpts.
func buildQuery(opts QueryOpts) (string, []any) {
	var conditions []string
	var args []any

	query := "SELECT id, type, source, session_name, agent_role, payload, created_at FROM events WHERE 1=1"

	if opts.Session != "" {
		conditions = append(conditions, "session_name = ?")
		args = append(args, opts.Session)
	}
	if opts.Role != "" {
		conditions = append(conditions, "agent_role = ?")
		args = append(args, opts.Role)
	}
	if opts.EventType != "" {
		conditions = append(conditions, "type = ?")
		args = append(args, opts.EventType)
	}
	if opts.After != nil {
		conditions = append(conditions, "created_at >= ?")
		args = append(args, opts.After.UTC().Format(protocol.TimeLayout))
	}
	if opts.Before != nil {
		conditions = append(conditions, "created_at <= ?")
		args = append(args, opts.Before.UTC().Format(protocol.TimeLayout))
	}

	if len(conditions) > 0 {
		query += " AND " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY id DESC"
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", opts.Limit)
	}
	return query, args
}
