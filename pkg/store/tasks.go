package store

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

const taskColumns = `id, session_name, agent_role, window_index, next_run, interval_minutes, note, retry_count, created_at`

// InsertTask persists a scheduled check-in and returns its id.
func (s *Store) InsertTask(ctx context.Context, t protocol.ScheduledTask) (int64, error) {
	if t.IntervalMinutes < 1 {
		return 0, fmt.Errorf("insert task: interval must be positive, got %d", t.IntervalMinutes)
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = s.now()
	}
	res, err := s.exec(ctx, `
		INSERT INTO tasks (session_name, agent_role, window_index, next_run, interval_minutes, note, retry_count, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SessionName, t.AgentRole, t.WindowIndex, formatTime(t.NextRun), t.IntervalMinutes,
		t.Note, t.RetryCount, formatTime(created))
	if err != nil {
		return 0, fmt.Errorf("insert task: %w", err)
	}
	return res.LastInsertId()
}

// GetTask returns a task by id; found is false when it no longer exists.
func (s *Store) GetTask(ctx context.Context, id int64) (t protocol.ScheduledTask, found bool, err error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err = scanTask(row)
	if isNoRows(err) {
		return t, false, nil
	}
	if err != nil {
		return t, false, fmt.Errorf("get task %d: %w", id, err)
	}
	return t, true, nil
}

// DueTasks returns tasks whose next_run is at or before now, oldest first.
func (s *Store) DueTasks(ctx context.Context, now time.Time) ([]protocol.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE next_run <= ? ORDER BY next_run, id`,
		formatTime(now))
}

// PendingTasks returns tasks for a session, optionally narrowed to one role,
// ordered by next_run.
func (s *Store) PendingTasks(ctx context.Context, session, agentRole string) ([]protocol.ScheduledTask, error) {
	if agentRole == "" {
		return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_name = ? ORDER BY next_run, id`,
			session)
	}
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE session_name = ? AND agent_role = ? ORDER BY next_run, id`,
		session, agentRole)
}

// AllTasks returns every task ordered by next_run.
func (s *Store) AllTasks(ctx context.Context) ([]protocol.ScheduledTask, error) {
	return s.queryTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY next_run, id`)
}

func (s *Store) queryTasks(ctx context.Context, query string, args ...any) ([]protocol.ScheduledTask, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var out []protocol.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTask(row rowScanner) (protocol.ScheduledTask, error) {
	var (
		t                protocol.ScheduledTask
		nextRun, created string
	)
	if err := row.Scan(&t.ID, &t.SessionName, &t.AgentRole, &t.WindowIndex, &nextRun,
		&t.IntervalMinutes, &t.Note, &t.RetryCount, &created); err != nil {
		return t, err
	}
	var err error
	if t.NextRun, err = parseTime(nextRun); err != nil {
		return t, err
	}
	if t.CreatedAt, err = parseTime(created); err != nil {
		return t, err
	}
	return t, nil
}

// UpdateTask writes a task's schedule fields (next_run, interval, note,
// retry_count). found is false if the task was deleted concurrently.
func (s *Store) UpdateTask(ctx context.Context, t protocol.ScheduledTask) (found bool, err error) {
	res, err := s.exec(ctx, `
		UPDATE tasks SET next_run = ?, interval_minutes = ?, note = ?, retry_count = ?
		WHERE id = ?`,
		formatTime(t.NextRun), t.IntervalMinutes, t.Note, t.RetryCount, t.ID)
	if err != nil {
		return false, fmt.Errorf("update task %d: %w", t.ID, err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DeleteTask removes one task. Deleting a missing task is not an error.
func (s *Store) DeleteTask(ctx context.Context, id int64) error {
	if _, err := s.exec(ctx, `DELETE FROM tasks WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete task %d: %w", id, err)
	}
	return nil
}

// DeleteTasksForSession removes every task targeting session and returns the
// number removed.
func (s *Store) DeleteTasksForSession(ctx context.Context, session string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE session_name = ?`, session)
	if err != nil {
		return 0, fmt.Errorf("delete tasks for %s: %w", session, err)
	}
	return res.RowsAffected()
}

// DeleteTasksForAgent removes every task for one agent of a session.
func (s *Store) DeleteTasksForAgent(ctx context.Context, session, agentRole string) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM tasks WHERE session_name = ? AND agent_role = ?`, session, agentRole)
	if err != nil {
		return 0, fmt.Errorf("delete tasks for %s/%s: %w", session, agentRole, err)
	}
	return res.RowsAffected()
}
