package store

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// LogEvent appends a row to the operational event log. The payload is free
// text, usually a short key=value summary or JSON.
func (s *Store) LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error {
	_, err := s.exec(ctx, `
		INSERT INTO events (type, source, session_name, agent_role, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		evType, source, session, agentRole, payload, formatTime(s.now()))
	if err != nil {
		return fmt.Errorf("log event %s: %w", evType, err)
	}
	return nil
}

// CountEvents counts events of evType for session created at or after since.
// An empty session matches all sessions.
func (s *Store) CountEvents(ctx context.Context, evType, session string, since time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM events WHERE type = ? AND created_at >= ?`
	args := []any{evType, formatTime(since)}
	if session != "" {
		query += ` AND session_name = ?`
		args = append(args, session)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count %s events: %w", evType, err)
	}
	return n, nil
}

// RecentEvents returns up to limit events, newest first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]protocol.Event, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, source, session_name, agent_role, payload, created_at
		FROM events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("recent events: %w", err)
	}
	defer rows.Close()
	var out []protocol.Event
	for rows.Next() {
		var e protocol.Event
		if err := rows.Scan(&e.ID, &e.Type, &e.Source, &e.SessionName, &e.AgentRole, &e.Payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
