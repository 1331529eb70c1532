package store

import (
	"context"
	"fmt"
	"time"

	"foreman/pkg/protocol"
)

// InsertHealthRecord appends a health snapshot.
func (s *Store) InsertHealthRecord(ctx context.Context, r protocol.HealthRecord) (int64, error) {
	checked := r.CheckedAt
	if checked.IsZero() {
		checked = s.now()
	}
	res, err := s.exec(ctx, `
		INSERT INTO health_records
			(session_name, agent_role, pane_command, worker_present, last_activity,
			 stuck, stuck_seconds, needs_recovery, recovery_attempts, checked_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.SessionName, r.AgentRole, r.PaneCommand, boolInt(r.WorkerPresent), formatTime(r.LastActivity),
		boolInt(r.Stuck), int64(r.StuckDuration/time.Second), boolInt(r.NeedsRecovery),
		r.RecoveryAttempts, formatTime(checked))
	if err != nil {
		return 0, fmt.Errorf("insert health record: %w", err)
	}
	return res.LastInsertId()
}

// LatestHealth returns the most recent record per agent role of session,
// ordered by role.
func (s *Store) LatestHealth(ctx context.Context, session string) ([]protocol.HealthRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT h.id, h.session_name, h.agent_role, h.pane_command, h.worker_present, h.last_activity,
			h.stuck, h.stuck_seconds, h.needs_recovery, h.recovery_attempts, h.checked_at
		FROM health_records h
		JOIN (
			SELECT agent_role, MAX(id) AS max_id FROM health_records
			WHERE session_name = ? GROUP BY agent_role
		) latest ON latest.max_id = h.id
		ORDER BY h.agent_role`, session)
	if err != nil {
		return nil, fmt.Errorf("latest health for %s: %w", session, err)
	}
	defer rows.Close()

	var out []protocol.HealthRecord
	for rows.Next() {
		var (
			r                        protocol.HealthRecord
			present, stuck, recovery int
			stuckSec                 int64
			lastAct, checked         string
		)
		if err := rows.Scan(&r.ID, &r.SessionName, &r.AgentRole, &r.PaneCommand, &present, &lastAct,
			&stuck, &stuckSec, &recovery, &r.RecoveryAttempts, &checked); err != nil {
			return nil, fmt.Errorf("scan health record: %w", err)
		}
		r.WorkerPresent = present != 0
		r.Stuck = stuck != 0
		r.NeedsRecovery = recovery != 0
		r.StuckDuration = time.Duration(stuckSec) * time.Second
		if r.LastActivity, err = parseTime(lastAct); err != nil {
			return nil, err
		}
		if r.CheckedAt, err = parseTime(checked); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecoveryAttempts returns the recorded recovery attempt count for an agent,
// taken from its latest health record.
func (s *Store) RecoveryAttempts(ctx context.Context, session, agentRole string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT recovery_attempts FROM health_records
		WHERE session_name = ? AND agent_role = ?
		ORDER BY id DESC LIMIT 1`, session, agentRole).Scan(&n)
	if isNoRows(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("recovery attempts for %s/%s: %w", session, agentRole, err)
	}
	return n, nil
}

// PruneHealthRecords deletes records checked before cutoff.
func (s *Store) PruneHealthRecords(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.exec(ctx, `DELETE FROM health_records WHERE checked_at < ?`, formatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune health records: %w", err)
	}
	return res.RowsAffected()
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
