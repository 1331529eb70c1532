// Package orchestrator is the OrchestrationManager: it starts queued projects
// as agent teams and drives the scheduler, health, completion and batch
// loops that share the store.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"path/filepath"
	"strings"
	"time"

	"foreman/pkg/completion"
	"foreman/pkg/config"
	"foreman/pkg/failure"
	"foreman/pkg/health"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/role"
	"foreman/pkg/scheduler"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
	"foreman/pkg/terminal"
)

// Store is the slice of the persistent store the manager needs.
type Store interface {
	ListProjects(ctx context.Context, f store.ListFilter) ([]protocol.Project, error)
	MarkComplete(ctx context.Context, id int64, success bool, errMsg string) (bool, error)
	DeleteTasksForSession(ctx context.Context, session string) (int64, error)
	SetSessionName(ctx context.Context, id int64, session string) error
	PruneHealthRecords(ctx context.Context, cutoff time.Time) (int64, error)
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// Queue is the ProjectQueue surface.
type Queue interface {
	Next(ctx context.Context) (*protocol.Project, error)
	OnProjectSettled(ctx context.Context, id int64) (queue.BatchResult, error)
	Sweep(ctx context.Context) (queue.SweepResult, error)
	Pause(ctx context.Context, id int64, reason string) error
}

// Scheduler is the TaskScheduler surface.
type Scheduler interface {
	CheckAndRunDueTasks(ctx context.Context) (scheduler.RunResult, error)
	EnqueueTask(ctx context.Context, session, agentRole string, window, intervalMinutes int, note string) (int64, error)
}

// HealthChecker runs one health pass over a session.
type HealthChecker interface {
	Check(ctx context.Context, session string) (health.Report, error)
}

// CompletionChecker judges one project.
type CompletionChecker interface {
	Check(ctx context.Context, p protocol.Project) (completion.Verdict, error)
}

// FailureHandler cleans up failed projects and tears down sessions.
type FailureHandler interface {
	Handle(ctx context.Context, req failure.Request) failure.Outcome
	Teardown(ctx context.Context, session string) (string, error)
}

// StateStore reads and mutates SessionState documents.
type StateStore interface {
	Get(ctx context.Context, session string) (*sessionstate.State, error)
	Update(ctx context.Context, session string, fn func(*sessionstate.State) error) error
}

// Mailer sends operator email.
type Mailer interface {
	SendEmail(ctx context.Context, subject, textBody, htmlBody string) error
}

// Deps groups the manager's collaborators. Mailer may be nil.
type Deps struct {
	Store      Store
	Queue      Queue
	Scheduler  Scheduler
	Health     HealthChecker
	Completion CompletionChecker
	Failure    FailureHandler
	Term       terminal.SessionTerminal
	States     StateStore
	Mailer     Mailer
}

// Config holds loop intervals and project policy.
type Config struct {
	PollInterval          time.Duration
	HealthInterval        time.Duration
	CompletionInterval    time.Duration
	BatchSweep            time.Duration
	TimeoutMultiplier     float64
	DefaultEstimatedHours float64
	WorkerStartCommand    string
	StartupGrace          time.Duration
	MarkersDir            string
	HealthRetention       time.Duration
	Roles                 []role.Role
}

// FromConfig extracts manager policy from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{
		PollInterval:          c.PollInterval,
		HealthInterval:        c.HealthInterval,
		CompletionInterval:    c.CompletionInterval,
		BatchSweep:            c.BatchSweep,
		TimeoutMultiplier:     c.TimeoutMultiplier,
		DefaultEstimatedHours: c.DefaultEstimatedHours,
		WorkerStartCommand:    c.WorkerStartCommand,
		StartupGrace:          c.RecoveryGrace,
		MarkersDir:            c.Paths.Markers,
	}
}

func (c Config) withDefaults() Config {
	if c.PollInterval <= 0 {
		c.PollInterval = 30 * time.Second
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = time.Minute
	}
	if c.CompletionInterval <= 0 {
		c.CompletionInterval = time.Minute
	}
	if c.BatchSweep <= 0 {
		c.BatchSweep = 3 * time.Minute
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = 2
	}
	if c.DefaultEstimatedHours <= 0 {
		c.DefaultEstimatedHours = 4
	}
	if c.HealthRetention <= 0 {
		c.HealthRetention = 7 * 24 * time.Hour
	}
	if len(c.Roles) == 0 {
		c.Roles = role.All()
	}
	return c
}

// Manager is the OrchestrationManager.
type Manager struct {
	d       Deps
	cfg     Config
	logger  *log.Logger
	nowFunc func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New returns a Manager.
func New(d Deps, cfg Config, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		d:       d,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		nowFunc: time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.nowFunc = now }

// SetSleeper overrides the startup grace wait. Intended for tests.
func (m *Manager) SetSleeper(sleep func(context.Context, time.Duration) error) { m.sleep = sleep }

func (m *Manager) now() time.Time { return m.nowFunc().UTC() }

func (m *Manager) logEvent(ctx context.Context, evType, session, payload string) {
	if err := m.d.Store.LogEvent(ctx, evType, "orchestrator", session, "", payload); err != nil {
		m.logger.Printf("level=warn msg=\"event not stored\" type=%s session=%s err=%q", evType, session, err)
	}
}

// ProjectName derives a display name from the spec path.
func ProjectName(p protocol.Project) string {
	base := filepath.Base(p.SpecPath)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// Timeout returns how long p may run before it is failed.
func (m *Manager) Timeout(p protocol.Project) time.Duration {
	hours := p.EstimatedHours
	if hours <= 0 {
		hours = m.cfg.DefaultEstimatedHours
	}
	return time.Duration(hours * m.cfg.TimeoutMultiplier * float64(time.Hour))
}

// StartNext claims the next queued project and starts its agent team. It
// returns nil when nothing was started.
func (m *Manager) StartNext(ctx context.Context) (*protocol.Project, error) {
	p, err := m.d.Queue.Next(ctx)
	if err != nil || p == nil {
		return nil, err
	}
	p.SessionName = p.DefaultSessionName()
	if err := m.start(ctx, *p); err != nil {
		m.logger.Printf("level=error msg=\"project start failed\" project=%d session=%s err=%q", p.ID, p.SessionName, err)
		out := m.d.Failure.Handle(ctx, failure.Request{Project: *p, Reason: failure.ReasonStartFailure, Detail: err.Error()})
		return p, errors.Join(fmt.Errorf("start project %d: %w", p.ID, err), out.Err())
	}
	return p, nil
}

// FillSlots starts queued projects until the queue is empty or the
// concurrency limit is reached.
func (m *Manager) FillSlots(ctx context.Context) []int64 {
	var started []int64
	for ctx.Err() == nil {
		p, err := m.StartNext(ctx)
		if p == nil {
			if err != nil {
				m.logger.Printf("level=warn msg=\"dequeue failed\" err=%q", err)
			}
			break
		}
		if err == nil {
			started = append(started, p.ID)
		}
	}
	return started
}

type member struct {
	role   role.Role
	window int
}

func (m *Manager) start(ctx context.Context, p protocol.Project) error {
	session := p.SessionName
	workdir := p.WorkspacePath
	if workdir == "" {
		workdir = filepath.Dir(p.SpecPath)
	}

	exists, err := m.d.Term.HasSession(ctx, session)
	if err != nil {
		return fmt.Errorf("query session: %w", err)
	}
	if exists {
		// Project ids are unique, so a live session by this name is a leftover.
		m.logger.Printf("level=warn msg=\"removing leftover session\" session=%s", session)
		if _, err := m.d.Failure.Teardown(ctx, session); err != nil {
			return fmt.Errorf("remove leftover session: %w", err)
		}
	}
	if err := m.d.Term.CreateSession(ctx, session, workdir); err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	if err := m.d.Store.SetSessionName(ctx, p.ID, session); err != nil {
		return err
	}

	team := make([]member, 0, len(m.cfg.Roles))
	for i, r := range m.cfg.Roles {
		idx := 0
		if i > 0 {
			idx, err = m.d.Term.CreateWindow(ctx, session, string(r), workdir)
			if err != nil {
				return fmt.Errorf("create %s window: %w", r, err)
			}
		}
		team = append(team, member{role: r, window: idx})
	}

	now := m.now()
	err = m.d.States.Update(ctx, session, func(st *sessionstate.State) error {
		st.ProjectID = p.ID
		st.ProjectName = ProjectName(p)
		st.SpecPath = p.SpecPath
		st.WorkspacePath = p.WorkspacePath
		st.CreatedAt = now
		st.CompletionStatus = sessionstate.CompletionPending
		st.CompletedAt = nil
		st.FailureReason = ""
		for _, t := range team {
			a := st.Agent(string(t.role))
			a.Window = t.window
			a.Alive = true
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("write session state: %w", err)
	}

	if cmd := strings.TrimSpace(m.cfg.WorkerStartCommand); cmd != "" {
		for _, t := range team {
			if err := m.d.Term.SendKeys(ctx, terminal.Target(session, t.window), cmd); err != nil {
				return fmt.Errorf("start %s worker: %w", t.role, err)
			}
		}
		if m.cfg.StartupGrace > 0 {
			if err := m.sleep(ctx, m.cfg.StartupGrace); err != nil {
				return err
			}
		}
	}

	for _, t := range team {
		rc := role.Context{
			ProjectName:   ProjectName(p),
			SpecPath:      p.SpecPath,
			WorkspacePath: p.WorkspacePath,
			SessionName:   session,
			WindowIndex:   t.window,
		}
		if err := m.d.Term.SendKeys(ctx, terminal.Target(session, t.window), t.role.Kickoff(rc)); err != nil {
			return fmt.Errorf("brief %s: %w", t.role, err)
		}
		b := t.role.Behavior()
		if _, err := m.d.Scheduler.EnqueueTask(ctx, session, string(t.role), t.window, b.CheckInMinutes, t.role.CheckInNote(rc)); err != nil {
			return fmt.Errorf("schedule %s check-in: %w", t.role, err)
		}
	}

	m.logEvent(ctx, "project_started", session, fmt.Sprintf(`{"project":%d,"agents":%d}`, p.ID, len(team)))
	m.logger.Printf("level=info msg=\"project started\" project=%d session=%s agents=%d", p.ID, session, len(team))
	return nil
}
