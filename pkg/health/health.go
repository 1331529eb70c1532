// Package health is the HealthMonitor. Each pass inspects every agent window
// of a session, classifies it as healthy, idle or stuck, persists a health
// record, restarts stuck workers within a bounded number of attempts and
// nudges a project whose whole team has gone quiet.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/cycle"
	"foreman/pkg/eventlog"
	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/telemetry"
	"foreman/pkg/terminal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Store is the slice of the persistent store the monitor needs.
type Store interface {
	InsertHealthRecord(ctx context.Context, r protocol.HealthRecord) (int64, error)
	RecoveryAttempts(ctx context.Context, session, agentRole string) (int, error)
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// StateStore reads and mutates SessionState documents.
type StateStore interface {
	Get(ctx context.Context, session string) (*sessionstate.State, error)
	Update(ctx context.Context, session string, fn func(*sessionstate.State) error) error
}

// WorkerDetector reports whether the worker process runs in a window.
type WorkerDetector interface {
	WorkerPresent(ctx context.Context, target string) (bool, error)
}

// Nudger pulls a session's soonest pending check-in forward.
type Nudger interface {
	Expedite(ctx context.Context, session, agentRole string, at time.Time, evType protocol.SchedulingEventType) (int64, error)
}

// Alerter raises internal alerts.
type Alerter interface {
	SendInternalAlert(ctx context.Context, session string, typ notify.AlertType, details string, agents []string) error
}

// Recorder receives scheduling events.
type Recorder interface {
	Record(ctx context.Context, ev eventlog.SchedulingEvent) []cycle.Outcome
}

// AuthChecker validates the worker's credentials before a restart.
type AuthChecker interface {
	Check(ctx context.Context) error
}

// Config holds monitor policy.
type Config struct {
	StuckThreshold      time.Duration
	IdleThreshold       time.Duration
	NudgeCooldown       time.Duration
	RecoveryGrace       time.Duration
	MaxRecoveryAttempts int
	WorkerStartCommand  string
	CaptureLines        int
	CreditRetryAfter    time.Duration
}

// FromConfig extracts monitor policy from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{
		StuckThreshold:      c.StuckThreshold,
		IdleThreshold:       c.IdleThreshold,
		NudgeCooldown:       c.NudgeCooldown,
		RecoveryGrace:       c.RecoveryGrace,
		MaxRecoveryAttempts: c.MaxRecoveryAttempts,
		WorkerStartCommand:  c.WorkerStartCommand,
	}
}

func (c Config) withDefaults() Config {
	if c.StuckThreshold <= 0 {
		c.StuckThreshold = protocol.DefaultStuckThreshold
	}
	if c.IdleThreshold <= 0 {
		c.IdleThreshold = protocol.DefaultIdleThreshold
	}
	if c.NudgeCooldown <= 0 {
		c.NudgeCooldown = protocol.DefaultNudgeCooldown
	}
	if c.MaxRecoveryAttempts <= 0 {
		c.MaxRecoveryAttempts = 3
	}
	if c.WorkerStartCommand == "" {
		c.WorkerStartCommand = "claude"
	}
	if c.CaptureLines <= 0 {
		c.CaptureLines = 40
	}
	if c.CreditRetryAfter <= 0 {
		c.CreditRetryAfter = time.Hour
	}
	return c
}

// ErrRecoveryExhausted is returned when an agent has used all its restarts.
var ErrRecoveryExhausted = errors.New("recovery attempts exhausted")

// Recovery actions reported per agent.
const (
	ActionNone      = ""
	ActionRecovered = "recovered"
	ActionFailed    = "recovery_failed"
	ActionExhausted = "recovery_exhausted"
	ActionAuth      = "auth_invalid"
)

// AgentHealth is one agent's classification for a pass.
type AgentHealth struct {
	Role             string
	Window           int
	PaneCommand      string
	WorkerPresent    bool
	LastActivity     time.Time
	Inactive         time.Duration
	Stuck            bool
	StuckDuration    time.Duration
	NeedsRecovery    bool
	Idle             bool
	CreditsExhausted bool
	RecoveryAttempts int
	Action           string
	Err              error
}

// Report is the outcome of one Check.
type Report struct {
	Session   string
	CheckedAt time.Time
	Agents    []AgentHealth
	Nudged    bool
	NudgeTask int64
}

// AllIdle reports whether every agent is idle but still has a worker.
func (r Report) AllIdle() bool {
	if len(r.Agents) == 0 {
		return false
	}
	for _, a := range r.Agents {
		if !a.Idle {
			return false
		}
	}
	return true
}

// Active returns the roles whose worker is running and recently active.
func (r Report) Active() []string {
	var out []string
	for _, a := range r.Agents {
		if a.WorkerPresent && !a.Idle {
			out = append(out, a.Role)
		}
	}
	return out
}

// Monitor is the HealthMonitor.
type Monitor struct {
	store    Store
	term     terminal.SessionTerminal
	workers  WorkerDetector
	states   StateStore
	nudger   Nudger
	alerter  Alerter
	recorder Recorder
	auth     AuthChecker
	cfg      Config
	logger   *log.Logger
	tracer   trace.Tracer
	nowFunc  func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// Deps groups the monitor's collaborators. Nudger, Alerter, Recorder and
// Auth may be nil.
type Deps struct {
	Store    Store
	Term     terminal.SessionTerminal
	Workers  WorkerDetector
	States   StateStore
	Nudger   Nudger
	Alerter  Alerter
	Recorder Recorder
	Auth     AuthChecker
}

// New returns a Monitor.
func New(d Deps, cfg Config, logger *log.Logger) *Monitor {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Monitor{
		store:    d.Store,
		term:     d.Term,
		workers:  d.Workers,
		states:   d.States,
		nudger:   d.Nudger,
		alerter:  d.Alerter,
		recorder: d.Recorder,
		auth:     d.Auth,
		cfg:      cfg.withDefaults(),
		logger:   logger,
		tracer:   telemetry.Tracer("foreman/health"),
		nowFunc:  time.Now,
		sleep:    sleepCtx,
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
func (m *Monitor) SetClock(now func() time.Time) { m.nowFunc = now }

// SetSleeper overrides the recovery grace wait. Intended for tests.
func (m *Monitor) SetSleeper(sleep func(context.Context, time.Duration) error) { m.sleep = sleep }

// SetTracer overrides the tracer. Intended for tests.
func (m *Monitor) SetTracer(t trace.Tracer) { m.tracer = t }

func (m *Monitor) now() time.Time { return m.nowFunc().UTC() }

// Classify derives the stuck and idle flags from raw observations. An agent
// is stuck when its pane has fallen back to a shell and no worker runs; it
// needs recovery once that has lasted longer than the stuck threshold. An
// agent with a live worker but no recent output is idle, never stuck.
func Classify(paneCmd string, workerPresent bool, lastActivity, now time.Time, cfg Config) AgentHealth {
	cfg = cfg.withDefaults()
	h := AgentHealth{PaneCommand: paneCmd, WorkerPresent: workerPresent, LastActivity: lastActivity}
	if !lastActivity.IsZero() && now.After(lastActivity) {
		h.Inactive = now.Sub(lastActivity)
	}
	h.Stuck = terminal.IsShell(paneCmd) && !workerPresent
	if h.Stuck {
		h.StuckDuration = h.Inactive
		h.NeedsRecovery = h.StuckDuration > cfg.StuckThreshold
	}
	h.Idle = workerPresent && h.Inactive > cfg.IdleThreshold
	return h
}

// Check runs one health pass over session.
func (m *Monitor) Check(ctx context.Context, session string) (rep Report, err error) {
	ctx, span := m.tracer.Start(ctx, "health.check", trace.WithAttributes(attribute.String("session", session)))
	defer func() {
		span.SetAttributes(attribute.Int("agents", len(rep.Agents)), attribute.Bool("nudged", rep.Nudged))
		telemetry.End(span, err)
	}()

	rep = Report{Session: session, CheckedAt: m.now()}
	st, err := m.states.Get(ctx, session)
	if err != nil {
		return rep, fmt.Errorf("health %s: %w", session, err)
	}

	for _, r := range st.Roles() {
		a := st.Agents[r]
		h := m.inspect(ctx, session, r, a.Window, rep.CheckedAt)
		h.RecoveryAttempts, _ = m.store.RecoveryAttempts(ctx, session, r)
		if h.NeedsRecovery {
			m.recover(ctx, st, &h)
		}
		m.persist(ctx, session, h, rep.CheckedAt)
		rep.Agents = append(rep.Agents, h)
	}

	if err := m.applyState(ctx, session, rep); err != nil {
		m.logger.Printf("level=warn msg=\"health state not saved\" session=%s err=%q", session, err)
	}
	if rep.AllIdle() {
		rep.NudgeTask, rep.Nudged = m.nudge(ctx, st, rep.CheckedAt)
	}
	return rep, nil
}

func (m *Monitor) inspect(ctx context.Context, session, r string, window int, now time.Time) AgentHealth {
	target := terminal.Target(session, window)
	cmd, err := m.term.PaneCommand(ctx, target)
	if err != nil {
		return AgentHealth{Role: r, Window: window, Err: err}
	}
	present := false
	if m.workers != nil {
		present, err = m.workers.WorkerPresent(ctx, target)
		if err != nil {
			m.logger.Printf("level=warn msg=\"worker probe failed\" target=%s err=%q", target, err)
		}
	}
	last, err := m.term.WindowActivity(ctx, target)
	if err != nil || last.IsZero() {
		last, _ = m.term.SessionActivity(ctx, session)
	}
	h := Classify(cmd, present, last, now, m.cfg)
	h.Role, h.Window = r, window

	if out, err := m.term.CapturePane(ctx, target, m.cfg.CaptureLines); err == nil {
		h.CreditsExhausted = CreditsExhausted(out)
	}
	return h
}

// recover restarts a stuck worker. It checks credentials first, bounds the
// total attempts per agent and re-briefs the agent after a successful start.
func (m *Monitor) recover(ctx context.Context, st *sessionstate.State, h *AgentHealth) {
	session := st.SessionName
	if h.RecoveryAttempts >= m.cfg.MaxRecoveryAttempts {
		h.Action, h.Err = ActionExhausted, ErrRecoveryExhausted
		return
	}
	if m.auth != nil {
		if err := m.auth.Check(ctx); err != nil {
			h.Action, h.Err = ActionAuth, err
			m.logger.Printf("level=error msg=\"worker credentials invalid, recovery skipped\" session=%s role=%s err=%q", session, h.Role, err)
			_ = m.store.LogEvent(ctx, "auth_invalid", "health", session, h.Role, err.Error())
			return
		}
	}

	h.RecoveryAttempts++
	target := terminal.Target(session, h.Window)
	m.record(ctx, session, h.Role, h.Window, fmt.Sprintf("restart attempt %d", h.RecoveryAttempts))
	if err := m.term.SendKeys(ctx, target, m.cfg.WorkerStartCommand); err != nil {
		m.recoveryFailed(ctx, session, h, fmt.Errorf("send start command: %w", err))
		return
	}
	if err := m.sleep(ctx, m.cfg.RecoveryGrace); err != nil {
		h.Err = err
		return
	}
	present := false
	if m.workers != nil {
		var err error
		if present, err = m.workers.WorkerPresent(ctx, target); err != nil {
			m.recoveryFailed(ctx, session, h, err)
			return
		}
	}
	if !present {
		m.recoveryFailed(ctx, session, h, errors.New("worker did not start within grace period"))
		return
	}

	if err := m.term.SendKeys(ctx, target, briefing(st, h.Role, h.Window)); err != nil {
		m.logger.Printf("level=warn msg=\"recovery briefing not sent\" target=%s err=%q", target, err)
	}
	h.Action = ActionRecovered
	h.WorkerPresent, h.Stuck, h.NeedsRecovery = true, false, false
	m.logger.Printf("level=info msg=\"agent recovered\" session=%s role=%s attempt=%d", session, h.Role, h.RecoveryAttempts)
	_ = m.store.LogEvent(ctx, "agent_recovered", "health", session, h.Role, fmt.Sprintf("attempt=%d", h.RecoveryAttempts))
}

func (m *Monitor) recoveryFailed(ctx context.Context, session string, h *AgentHealth, err error) {
	h.Action, h.Err = ActionFailed, err
	details := fmt.Sprintf("%s did not recover after attempt %d of %d: %v", h.Role, h.RecoveryAttempts, m.cfg.MaxRecoveryAttempts, err)
	m.logger.Printf("level=error msg=\"recovery failed\" session=%s role=%s attempt=%d err=%q", session, h.Role, h.RecoveryAttempts, err)
	_ = m.store.LogEvent(ctx, "recovery_failed", "health", session, h.Role, details)
	if m.alerter == nil {
		return
	}
	if aerr := m.alerter.SendInternalAlert(ctx, session, notify.AlertRecoveryFailed, details, []string{h.Role}); aerr != nil {
		m.logger.Printf("level=warn msg=\"recovery alert failed\" session=%s err=%q", session, aerr)
	}
}

func (m *Monitor) record(ctx context.Context, session, agentRole string, window int, note string) {
	if m.recorder == nil {
		return
	}
	m.recorder.Record(ctx, eventlog.SchedulingEvent{
		Session: session,
		Role:    agentRole,
		Window:  window,
		Type:    protocol.EventRecovery,
		Note:    note,
	})
}

func (m *Monitor) persist(ctx context.Context, session string, h AgentHealth, now time.Time) {
	rec := protocol.HealthRecord{
		SessionName:      session,
		AgentRole:        h.Role,
		PaneCommand:      h.PaneCommand,
		WorkerPresent:    h.WorkerPresent,
		LastActivity:     h.LastActivity,
		Stuck:            h.Stuck,
		StuckDuration:    h.StuckDuration,
		NeedsRecovery:    h.NeedsRecovery,
		RecoveryAttempts: h.RecoveryAttempts,
		CheckedAt:        now,
	}
	if _, err := m.store.InsertHealthRecord(ctx, rec); err != nil {
		m.logger.Printf("level=warn msg=\"health record not stored\" session=%s role=%s err=%q", session, h.Role, err)
	}
}

// applyState writes liveness, credit and recovery results back into the
// SessionState document.
func (m *Monitor) applyState(ctx context.Context, session string, rep Report) error {
	return m.states.Update(ctx, session, func(st *sessionstate.State) error {
		for _, h := range rep.Agents {
			if h.Err != nil && h.Action == ActionNone {
				continue
			}
			a := st.Agent(h.Role)
			a.Alive = h.WorkerPresent
			a.RecoveryAttempts = h.RecoveryAttempts
			switch {
			case h.CreditsExhausted && !a.CreditsExhausted:
				a.CreditsExhausted = true
				reset := rep.CheckedAt.Add(m.cfg.CreditRetryAfter)
				a.CreditResetAt = &reset
				m.logger.Printf("level=warn msg=\"agent out of credits\" session=%s role=%s", session, h.Role)
			case !h.CreditsExhausted && a.CreditsExhausted && a.CreditResetAt != nil && !rep.CheckedAt.Before(*a.CreditResetAt):
				a.CreditsExhausted = false
				a.CreditResetAt = nil
			}
		}
		return nil
	})
}

// nudge expedites the session's soonest check-in when the whole team is
// idle, at most once per cooldown.
func (m *Monitor) nudge(ctx context.Context, st *sessionstate.State, now time.Time) (int64, bool) {
	if m.nudger == nil {
		return 0, false
	}
	if st.LastNudge != nil && now.Sub(*st.LastNudge) < m.cfg.NudgeCooldown {
		return 0, false
	}
	id, err := m.nudger.Expedite(ctx, st.SessionName, "", now, protocol.EventEmergencyScheduled)
	if err != nil {
		m.logger.Printf("level=warn msg=\"nudge failed\" session=%s err=%q", st.SessionName, err)
		return 0, false
	}
	if id == 0 {
		return 0, false
	}
	err = m.states.Update(ctx, st.SessionName, func(s *sessionstate.State) error {
		s.LastNudge = &now
		return nil
	})
	if err != nil {
		m.logger.Printf("level=warn msg=\"nudge time not saved\" session=%s err=%q", st.SessionName, err)
	}
	m.logger.Printf("level=info msg=\"idle team nudged\" session=%s task=%d", st.SessionName, id)
	_ = m.store.LogEvent(ctx, "agents_nudged", "health", st.SessionName, "", fmt.Sprintf("task=%d", id))
	return id, true
}
