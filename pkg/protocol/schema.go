package protocol

// TimeLayout is the fixed-width UTC layout used for every timestamp column so
// that lexical comparison in SQL matches chronological order.
const TimeLayout = "2006-01-02T15:04:05.000000Z"

// SchemaDDL defines the SQLite schema for the foreman state database.
// Tables: project_queue, tasks, health_records, events.
// Execute against a SQLite database with: db.Exec(SchemaDDL)
const SchemaDDL = `
-- Projects to orchestrate. At most one active (queued, processing or
-- credit_paused) row per (spec_path, workspace_path).
CREATE TABLE IF NOT EXISTS project_queue (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    spec_path TEXT NOT NULL,
    workspace_path TEXT NOT NULL DEFAULT '',
    status TEXT NOT NULL DEFAULT 'queued',
    priority INTEGER NOT NULL DEFAULT 0,
    enqueued_at TEXT NOT NULL,
    started_at TEXT,
    completed_at TEXT,
    batch_id TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    error_message TEXT NOT NULL DEFAULT '',
    session_name TEXT NOT NULL DEFAULT '',
    estimated_hours REAL NOT NULL DEFAULT 0,
    parent_id INTEGER NOT NULL DEFAULT 0
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_project_queue_active
    ON project_queue(spec_path, workspace_path)
    WHERE status IN ('queued', 'processing', 'credit_paused');

CREATE INDEX IF NOT EXISTS idx_project_queue_status
    ON project_queue(status, priority DESC, enqueued_at);

CREATE INDEX IF NOT EXISTS idx_project_queue_batch
    ON project_queue(batch_id);

-- Recurring per-agent check-ins
CREATE TABLE IF NOT EXISTS tasks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_name TEXT NOT NULL,
    agent_role TEXT NOT NULL,
    window_index INTEGER NOT NULL DEFAULT 0,
    next_run TEXT NOT NULL,
    interval_minutes INTEGER NOT NULL,
    note TEXT NOT NULL DEFAULT '',
    retry_count INTEGER NOT NULL DEFAULT 0,
    created_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_tasks_next_run ON tasks(next_run);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_name, agent_role);

-- Health snapshots produced by the health monitor
CREATE TABLE IF NOT EXISTS health_records (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    session_name TEXT NOT NULL,
    agent_role TEXT NOT NULL,
    pane_command TEXT NOT NULL DEFAULT '',
    worker_present INTEGER NOT NULL DEFAULT 0,
    last_activity TEXT NOT NULL,
    stuck INTEGER NOT NULL DEFAULT 0,
    stuck_seconds INTEGER NOT NULL DEFAULT 0,
    needs_recovery INTEGER NOT NULL DEFAULT 0,
    recovery_attempts INTEGER NOT NULL DEFAULT 0,
    checked_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_health_records_agent
    ON health_records(session_name, agent_role, id DESC);

-- Operational event log
CREATE TABLE IF NOT EXISTS events (
    id INTEGER PRIMARY KEY,
    type TEXT NOT NULL,
    source TEXT NOT NULL,
    session_name TEXT NOT NULL DEFAULT '',
    agent_role TEXT NOT NULL DEFAULT '',
    payload TEXT NOT NULL DEFAULT '',
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
`

// MigrateEstimatedHours adds estimated_hours to project_queue tables created
// before timeouts were derived from estimates.
const MigrateEstimatedHours = `ALTER TABLE project_queue ADD COLUMN estimated_hours REAL NOT NULL DEFAULT 0;`

// MigrateParentID adds parent_id, the row a retry was resubmitted from.
const MigrateParentID = `ALTER TABLE project_queue ADD COLUMN parent_id INTEGER NOT NULL DEFAULT 0;`

// MigrateActiveIndex rebuilds idx_project_queue_active on databases created
// before credit_paused rows counted as active.
const MigrateActiveIndex = `
DROP INDEX IF EXISTS idx_project_queue_active;
CREATE UNIQUE INDEX idx_project_queue_active
    ON project_queue(spec_path, workspace_path)
    WHERE status IN ('queued', 'processing', 'credit_paused');`
