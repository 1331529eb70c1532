package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"foreman/pkg/protocol"
)

const projectColumns = `id, spec_path, workspace_path, status, priority, enqueued_at,
	started_at, completed_at, batch_id, retry_count, error_message, session_name, estimated_hours, parent_id`

// EnqueueRequest describes a project submission.
type EnqueueRequest struct {
	SpecPath       string
	WorkspacePath  string
	Priority       int
	BatchID        string
	RetryCount     int
	EstimatedHours float64
	ParentID       int64
}

// EnqueueProject inserts a queued project and returns its id. When an active
// (queued, processing or credit_paused) row already exists for the same spec
// and workspace its id is returned and created is false.
func (s *Store) EnqueueProject(ctx context.Context, req EnqueueRequest) (id int64, created bool, err error) {
	if strings.TrimSpace(req.SpecPath) == "" {
		return 0, false, fmt.Errorf("enqueue: spec path is required")
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		created = false
		existing, err := activeProjectID(ctx, tx, req.SpecPath, req.WorkspacePath)
		if err != nil {
			return err
		}
		if existing != 0 {
			id = existing
			return nil
		}
		res, err := tx.ExecContext(ctx, `
			INSERT INTO project_queue
				(spec_path, workspace_path, status, priority, enqueued_at, batch_id, retry_count, estimated_hours, parent_id)
			VALUES (?, ?, 'queued', ?, ?, ?, ?, ?, ?)`,
			req.SpecPath, req.WorkspacePath, req.Priority, formatTime(s.now()),
			req.BatchID, req.RetryCount, req.EstimatedHours, req.ParentID)
		if err != nil {
			return fmt.Errorf("insert project: %w", err)
		}
		id, err = res.LastInsertId()
		created = err == nil
		return err
	})
	if isUniqueViolation(err) {
		// Lost a race with another writer; the active row now exists.
		id, err = activeProjectID(ctx, s.db, req.SpecPath, req.WorkspacePath)
		return id, false, err
	}
	return id, created, err
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func activeProjectID(ctx context.Context, q queryRower, spec, workspace string) (int64, error) {
	var id int64
	err := q.QueryRowContext(ctx, `
		SELECT id FROM project_queue
		WHERE spec_path = ? AND workspace_path = ? AND status IN ('queued', 'processing', 'credit_paused')
		LIMIT 1`, spec, workspace).Scan(&id)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup active project: %w", err)
	}
	return id, nil
}

// DequeueNextProject atomically moves the highest-priority, oldest queued
// project to processing. It returns nil without mutating anything when the
// number of processing projects has reached limit or the queue is empty.
// credit_paused projects do not count toward the limit.
func (s *Store) DequeueNextProject(ctx context.Context, limit int) (*protocol.Project, error) {
	if limit < 1 {
		limit = 1
	}
	var out *protocol.Project
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		out = nil
		var processing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM project_queue WHERE status = 'processing'`).Scan(&processing); err != nil {
			return fmt.Errorf("count processing: %w", err)
		}
		if processing >= limit {
			return nil
		}
		var id int64
		err := tx.QueryRowContext(ctx, `
			SELECT id FROM project_queue
			WHERE status = 'queued'
			ORDER BY priority DESC, enqueued_at ASC, id ASC
			LIMIT 1`).Scan(&id)
		if isNoRows(err) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("select next project: %w", err)
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE project_queue SET status = 'processing', started_at = ?
			WHERE id = ? AND status = 'queued'`, formatTime(s.now()), id)
		if err != nil {
			return fmt.Errorf("claim project %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n != 1 {
			return nil
		}
		p, err := getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		out = p
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetProject returns a project by id or a *protocol.ProjectNotFoundError.
func (s *Store) GetProject(ctx context.Context, id int64) (*protocol.Project, error) {
	return getProject(ctx, s.db, id)
}

func getProject(ctx context.Context, q queryRower, id int64) (*protocol.Project, error) {
	row := q.QueryRowContext(ctx, `SELECT `+projectColumns+` FROM project_queue WHERE id = ?`, id)
	p, err := scanProject(row)
	if isNoRows(err) {
		return nil, &protocol.ProjectNotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("get project %d: %w", id, err)
	}
	return p, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*protocol.Project, error) {
	var (
		p                  protocol.Project
		status, enqueued   string
		started, completed sql.NullString
	)
	if err := row.Scan(&p.ID, &p.SpecPath, &p.WorkspacePath, &status, &p.Priority, &enqueued,
		&started, &completed, &p.BatchID, &p.RetryCount, &p.ErrorMessage, &p.SessionName,
		&p.EstimatedHours, &p.ParentID); err != nil {
		return nil, err
	}
	p.Status = protocol.ProjectStatus(status)
	var err error
	if p.EnqueuedAt, err = parseTime(enqueued); err != nil {
		return nil, err
	}
	if p.StartedAt, err = parseNullTime(started); err != nil {
		return nil, err
	}
	if p.CompletedAt, err = parseNullTime(completed); err != nil {
		return nil, err
	}
	return &p, nil
}

// ListFilter narrows ListProjects. Zero values match everything.
type ListFilter struct {
	Statuses []protocol.ProjectStatus
	BatchID  string
}

// ListProjects returns projects ordered by id.
func (s *Store) ListProjects(ctx context.Context, f ListFilter) ([]protocol.Project, error) {
	query := `SELECT ` + projectColumns + ` FROM project_queue`
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		ph := make([]string, len(f.Statuses))
		for i, st := range f.Statuses {
			ph[i] = "?"
			args = append(args, string(st))
		}
		where = append(where, "status IN ("+strings.Join(ph, ", ")+")")
	}
	if f.BatchID != "" {
		where = append(where, "batch_id = ?")
		args = append(args, f.BatchID)
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []protocol.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// UpdateStatus sets a project's status and error message. Settled statuses
// stamp completed_at; queued clears the run timestamps.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status protocol.ProjectStatus, errMsg string) error {
	if !status.Valid() {
		return fmt.Errorf("update project %d: unknown status %q", id, status)
	}
	now := formatTime(s.now())
	var query string
	var args []any
	switch {
	case status.IsSettled():
		query = `UPDATE project_queue SET status = ?, error_message = ?, completed_at = ? WHERE id = ?`
		args = []any{string(status), errMsg, now, id}
	case status == protocol.StatusProcessing:
		query = `UPDATE project_queue SET status = ?, error_message = ?, started_at = COALESCE(started_at, ?) WHERE id = ?`
		args = []any{string(status), errMsg, now, id}
	default:
		query = `UPDATE project_queue SET status = ?, error_message = ? WHERE id = ?`
		args = []any{string(status), errMsg, id}
	}
	res, err := s.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update project %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.ProjectNotFoundError{ID: id}
	}
	return nil
}

// MarkComplete settles a running project as completed (success) or failed.
// It reports whether a transition happened: a project that is already
// settled is left untouched and changed is false.
func (s *Store) MarkComplete(ctx context.Context, id int64, success bool, errMsg string) (changed bool, err error) {
	status := protocol.StatusFailed
	if success {
		status = protocol.StatusCompleted
		errMsg = ""
	}
	res, err := s.exec(ctx, `
		UPDATE project_queue SET status = ?, error_message = ?, completed_at = ?
		WHERE id = ? AND status IN ('queued', 'processing', 'credit_paused')`,
		string(status), errMsg, formatTime(s.now()), id)
	if err != nil {
		return false, fmt.Errorf("mark project %d complete: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, nil
	}
	if _, err := s.GetProject(ctx, id); err != nil {
		return false, err
	}
	return false, nil
}

// TransitionStatus moves a project from one status to another only if it is
// still in from. It returns *protocol.InvalidTransitionError otherwise.
func (s *Store) TransitionStatus(ctx context.Context, id int64, from, to protocol.ProjectStatus, errMsg string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		if p.Status != from {
			return &protocol.InvalidTransitionError{ID: id, From: p.Status, To: to}
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE project_queue SET status = ?, error_message = ? WHERE id = ? AND status = ?`,
			string(to), errMsg, id, string(from))
		if err != nil {
			return fmt.Errorf("transition project %d: %w", id, err)
		}
		return nil
	})
}

// ResumeCreditPaused moves a credit_paused project back to processing if the
// concurrency limit allows. It reports whether the project was resumed.
func (s *Store) ResumeCreditPaused(ctx context.Context, id int64, limit int) (bool, error) {
	var resumed bool
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		resumed = false
		var processing int
		if err := tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM project_queue WHERE status = 'processing'`).Scan(&processing); err != nil {
			return fmt.Errorf("count processing: %w", err)
		}
		if processing >= limit {
			return nil
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE project_queue SET status = 'processing' WHERE id = ? AND status = 'credit_paused'`, id)
		if err != nil {
			return fmt.Errorf("resume project %d: %w", id, err)
		}
		n, _ := res.RowsAffected()
		resumed = n == 1
		return nil
	})
	return resumed, err
}

// SetSessionName binds a project to its terminal session.
func (s *Store) SetSessionName(ctx context.Context, id int64, session string) error {
	res, err := s.exec(ctx, `UPDATE project_queue SET session_name = ? WHERE id = ?`, session, id)
	if err != nil {
		return fmt.Errorf("set session for project %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.ProjectNotFoundError{ID: id}
	}
	return nil
}

// SetBatchID assigns a project to a batch.
func (s *Store) SetBatchID(ctx context.Context, id int64, batchID string) error {
	res, err := s.exec(ctx, `UPDATE project_queue SET batch_id = ? WHERE id = ?`, batchID, id)
	if err != nil {
		return fmt.Errorf("set batch for project %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.ProjectNotFoundError{ID: id}
	}
	return nil
}

// ResetProject returns a project to queued, clearing its run timestamps,
// session binding and error. It fails if another active row already exists
// for the same spec and workspace.
func (s *Store) ResetProject(ctx context.Context, id int64) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		p, err := getProject(ctx, tx, id)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			UPDATE project_queue
			SET status = 'queued', started_at = NULL, completed_at = NULL,
				error_message = '', session_name = '', enqueued_at = ?
			WHERE id = ?`, formatTime(s.now()), id)
		if isUniqueViolation(err) {
			return fmt.Errorf("reset project %d: another active project exists for %s", id, p.SpecPath)
		}
		if err != nil {
			return fmt.Errorf("reset project %d: %w", id, err)
		}
		return nil
	})
}

// RemoveProject deletes a project row.
func (s *Store) RemoveProject(ctx context.Context, id int64) error {
	res, err := s.exec(ctx, `DELETE FROM project_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove project %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &protocol.ProjectNotFoundError{ID: id}
	}
	return nil
}

// CountByStatus returns the number of projects in each status.
func (s *Store) CountByStatus(ctx context.Context) (map[protocol.ProjectStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM project_queue GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count projects: %w", err)
	}
	defer rows.Close()
	out := make(map[protocol.ProjectStatus]int)
	for rows.Next() {
		var st string
		var n int
		if err := rows.Scan(&st, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		out[protocol.ProjectStatus(st)] = n
	}
	return out, rows.Err()
}

// ProjectBySession returns the most recent project bound to session.
func (s *Store) ProjectBySession(ctx context.Context, session string) (*protocol.Project, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+projectColumns+` FROM project_queue WHERE session_name = ? ORDER BY id DESC LIMIT 1`, session)
	p, err := scanProject(row)
	if isNoRows(err) {
		return nil, fmt.Errorf("no project bound to session %s: %w", session, protocol.ErrSessionAbsent)
	}
	if err != nil {
		return nil, fmt.Errorf("project by session %s: %w", session, err)
	}
	return p, nil
}
