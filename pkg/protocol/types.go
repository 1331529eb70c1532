package protocol

import (
	"fmt"
	"time"
)

// ProjectStatus is the lifecycle state of a row in project_queue.
type ProjectStatus string

// Project status constants.
const (
	StatusQueued            ProjectStatus = "queued"
	StatusProcessing        ProjectStatus = "processing"
	StatusCompleted         ProjectStatus = "completed"
	StatusFailed            ProjectStatus = "failed"
	StatusRetried           ProjectStatus = "retried"
	StatusPermanentlyFailed ProjectStatus = "permanently_failed"
	StatusCreditPaused      ProjectStatus = "credit_paused"
)

// IsTerminal reports whether no further completion transition may happen.
// failed and retried are settled for batch purposes but not terminal: the
// batch retry logic may still move them to permanently_failed.
func (s ProjectStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusPermanentlyFailed
}

// IsSettled reports whether a row has stopped running, successfully or not.
func (s ProjectStatus) IsSettled() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusRetried, StatusPermanentlyFailed:
		return true
	}
	return false
}

// IsActive reports whether a row blocks a duplicate submission.
func (s ProjectStatus) IsActive() bool {
	return s == StatusQueued || s == StatusProcessing
}

// Valid reports whether s is a known status.
func (s ProjectStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusProcessing, StatusCompleted, StatusFailed,
		StatusRetried, StatusPermanentlyFailed, StatusCreditPaused:
		return true
	}
	return false
}

// Project is a row in the project_queue table.
type Project struct {
	ID             int64         `json:"id"`
	SpecPath       string        `json:"spec_path"`
	WorkspacePath  string        `json:"workspace_path,omitempty"`
	Status         ProjectStatus `json:"status"`
	Priority       int           `json:"priority"`
	EnqueuedAt     time.Time     `json:"enqueued_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	BatchID        string        `json:"batch_id,omitempty"`
	RetryCount     int           `json:"retry_count"`
	ErrorMessage   string        `json:"error_message,omitempty"`
	SessionName    string        `json:"session_name,omitempty"`
	EstimatedHours float64       `json:"estimated_hours,omitempty"`
	ParentID       int64         `json:"parent_id,omitempty"`
}

// DefaultSessionName derives the tmux session name bound to a project.
func (p Project) DefaultSessionName() string {
	return fmt.Sprintf("%s%d", SessionPrefix, p.ID)
}

// ScheduledTask is a row in the tasks table: one recurring check-in.
type ScheduledTask struct {
	ID              int64     `json:"id"`
	SessionName     string    `json:"session_name"`
	AgentRole       string    `json:"agent_role"`
	WindowIndex     int       `json:"window_index"`
	NextRun         time.Time `json:"next_run"`
	IntervalMinutes int       `json:"interval_minutes"`
	Note            string    `json:"note"`
	RetryCount      int       `json:"retry_count"`
	CreatedAt       time.Time `json:"created_at"`
}

// Target returns the tmux target (session:window) for the task.
func (t ScheduledTask) Target() string {
	return fmt.Sprintf("%s:%d", t.SessionName, t.WindowIndex)
}

// HealthRecord is a per (session, agent) health snapshot.
type HealthRecord struct {
	ID               int64         `json:"id"`
	SessionName      string        `json:"session_name"`
	AgentRole        string        `json:"agent_role"`
	PaneCommand      string        `json:"pane_command"`
	WorkerPresent    bool          `json:"worker_present"`
	LastActivity     time.Time     `json:"last_activity"`
	Stuck            bool          `json:"stuck"`
	StuckDuration    time.Duration `json:"stuck_duration"`
	NeedsRecovery    bool          `json:"needs_recovery"`
	RecoveryAttempts int           `json:"recovery_attempts"`
	CheckedAt        time.Time     `json:"checked_at"`
}

// Event is a row in the events table: the daemon's operational log.
type Event struct {
	ID          int64  `json:"id"`
	Type        string `json:"type"`
	Source      string `json:"source"`
	SessionName string `json:"session_name"`
	AgentRole   string `json:"agent_role"`
	Payload     string `json:"payload"`
	CreatedAt   string `json:"created_at"`
}
