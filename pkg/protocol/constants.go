package protocol

import "time"

// Directory and file name constants used throughout foreman.
const (
	// HomeDir is the user-level state directory (e.g., ~/.foreman).
	HomeDir = ".foreman"

	// StateDir holds one SessionState document per project.
	StateDir = "state"

	// LogsDir holds the daemon log, the scheduling event log and failure history.
	LogsDir = "logs"

	// ReportsDir is the fallback location for failure reports when the
	// project workspace is unreachable.
	ReportsDir = "reports"

	// MarkersDir holds completion markers keyed by session name.
	MarkersDir = "markers"

	// QuarantineDir receives corrupt documents moved aside at load time.
	QuarantineDir = "quarantine"

	// SchedulingLogFile is the append-only JSON-lines scheduling event log.
	SchedulingLogFile = "scheduling_events.jsonl"

	// FailureHistoryFile is the append-only JSON-lines failure history.
	FailureHistoryFile = "failure_history.jsonl"

	// WorkspaceMarkerFile is the completion marker mirrored into project workspaces.
	WorkspaceMarkerFile = "COMPLETED"

	// SessionPrefix prefixes every orchestrated tmux session name.
	SessionPrefix = "foreman-"

	// LaunchSessionPrefix prefixes the short-lived launcher session.
	LaunchSessionPrefix = "foreman-launch-"
)

// Default policy values. All of them are overridable through config.
const (
	DefaultMaxConcurrent      = 1
	DefaultMaxRetries         = 3
	DefaultRetryDelay         = 5 * time.Minute
	DefaultStuckThreshold     = 30 * time.Minute
	DefaultIdleThreshold      = 3 * time.Minute
	DefaultNudgeCooldown      = 6 * time.Minute
	DefaultCycleWindow        = 2 * time.Hour
	DefaultLockStaleAfter     = time.Hour
	DefaultLockHeartbeat      = 30 * time.Second
	DefaultMaxIntervalMinutes = 240
)
