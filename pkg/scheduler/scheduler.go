// Package scheduler runs the recurring agent check-ins stored in the tasks
// table. A due task is delivered into the agent's terminal window and judged
// by whether the pane output changed afterwards: changed output reschedules
// the task a full interval ahead, unchanged output retries it shortly.
package scheduler

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
	"foreman/pkg/protocol"
	"foreman/pkg/role"
	"foreman/pkg/sessionstate"
	"foreman/pkg/terminal"

	"github.com/google/uuid"
)

// TaskStore is the persistent task storage the scheduler owns.
type TaskStore interface {
	InsertTask(ctx context.Context, t protocol.ScheduledTask) (int64, error)
	DueTasks(ctx context.Context, now time.Time) ([]protocol.ScheduledTask, error)
	PendingTasks(ctx context.Context, session, agentRole string) ([]protocol.ScheduledTask, error)
	UpdateTask(ctx context.Context, t protocol.ScheduledTask) (bool, error)
	DeleteTask(ctx context.Context, id int64) error
}

// StateStore reads and mutates SessionState documents.
type StateStore interface {
	Get(ctx context.Context, session string) (*sessionstate.State, error)
	Update(ctx context.Context, session string, fn func(*sessionstate.State) error) error
}

// Recorder receives every scheduling event. The cycle detector satisfies it.
type Recorder interface {
	Record(ctx context.Context, ev eventlog.SchedulingEvent) []cycle.Outcome
}

// Config holds scheduler policy.
type Config struct {
	DeliveryWait       time.Duration
	RetryDelay         time.Duration
	MaxIntervalMinutes int
	CaptureLines       int
}

// FromConfig extracts scheduler policy from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{
		DeliveryWait:       c.DeliveryWait,
		RetryDelay:         c.TaskRetryDelay,
		MaxIntervalMinutes: c.MaxIntervalMinutes,
		CaptureLines:       50,
	}
}

// Task outcomes.
const (
	OutcomeExecuted = "executed"
	OutcomeRetrying = "retrying"
	OutcomeDeferred = "deferred"
	OutcomeRemoved  = "removed"
	OutcomeError    = "error"
)

// TaskResult is the outcome of one due task.
type TaskResult struct {
	TaskID  int64
	Session string
	Role    string
	Outcome string
	NextRun time.Time
	Detail  string
}

// RunResult summarises one CheckAndRunDueTasks pass.
type RunResult struct {
	Due     int
	Results []TaskResult
}

// Count returns how many tasks ended with outcome.
func (r RunResult) Count(outcome string) int {
	n := 0
	for _, t := range r.Results {
		if t.Outcome == outcome {
			n++
		}
	}
	return n
}

// Scheduler delivers due check-ins.
type Scheduler struct {
	tasks    TaskStore
	term     terminal.SessionTerminal
	states   StateStore
	recorder Recorder
	bus      *Bus
	cfg      Config
	logger   *log.Logger
	nowFunc  func() time.Time
	sleep    func(context.Context, time.Duration) error
}

// New returns a Scheduler. recorder may be nil.
func New(tasks TaskStore, term terminal.SessionTerminal, states StateStore, recorder Recorder, cfg Config, logger *log.Logger) *Scheduler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = protocol.DefaultRetryDelay
	}
	if cfg.MaxIntervalMinutes <= 0 {
		cfg.MaxIntervalMinutes = protocol.DefaultMaxIntervalMinutes
	}
	if cfg.CaptureLines <= 0 {
		cfg.CaptureLines = 50
	}
	return &Scheduler{
		tasks:    tasks,
		term:     term,
		states:   states,
		recorder: recorder,
		bus:      NewBus(logger),
		cfg:      cfg,
		logger:   logger,
		nowFunc:  time.Now,
		sleep:    sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
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
func (s *Scheduler) SetClock(now func() time.Time) { s.nowFunc = now }

// SetSleeper overrides the delivery wait. Intended for tests.
func (s *Scheduler) SetSleeper(sleep func(context.Context, time.Duration) error) { s.sleep = sleep }

// Bus returns the completion bus.
func (s *Scheduler) Bus() *Bus { return s.bus }

func (s *Scheduler) now() time.Time { return s.nowFunc().UTC() }

// EnqueueTask schedules a recurring check-in whose first run is one
// interval from now.
func (s *Scheduler) EnqueueTask(ctx context.Context, session, agentRole string, window, intervalMinutes int, note string) (int64, error) {
	return s.insert(ctx, protocol.ScheduledTask{
		SessionName:     session,
		AgentRole:       agentRole,
		WindowIndex:     window,
		NextRun:         s.now().Add(time.Duration(intervalMinutes) * time.Minute),
		IntervalMinutes: intervalMinutes,
		Note:            note,
	}, protocol.EventScheduled)
}

// EnqueueTaskAt schedules a recurring check-in whose first run is at.
func (s *Scheduler) EnqueueTaskAt(ctx context.Context, session, agentRole string, window, intervalMinutes int, note string, at time.Time) (int64, error) {
	return s.insert(ctx, protocol.ScheduledTask{
		SessionName:     session,
		AgentRole:       agentRole,
		WindowIndex:     window,
		NextRun:         at.UTC(),
		IntervalMinutes: intervalMinutes,
		Note:            note,
	}, protocol.EventScheduled)
}

func (s *Scheduler) insert(ctx context.Context, t protocol.ScheduledTask, evType protocol.SchedulingEventType) (int64, error) {
	id, err := s.tasks.InsertTask(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("enqueue task %s/%s: %w", t.SessionName, t.AgentRole, err)
	}
	t.ID = id
	s.record(ctx, t, evType, "")
	return id, nil
}

// Expedite moves the soonest pending task of agentRole (any role when empty)
// in session to run at at. It returns the task id, or zero when the session
// has no pending task for the role.
func (s *Scheduler) Expedite(ctx context.Context, session, agentRole string, at time.Time, evType protocol.SchedulingEventType) (int64, error) {
	pending, err := s.tasks.PendingTasks(ctx, session, agentRole)
	if err != nil {
		return 0, fmt.Errorf("expedite %s/%s: %w", session, agentRole, err)
	}
	if len(pending) == 0 {
		return 0, nil
	}
	t := pending[0]
	if !t.NextRun.After(at) {
		return t.ID, nil
	}
	t.NextRun = at.UTC()
	found, err := s.tasks.UpdateTask(ctx, t)
	if err != nil {
		return 0, fmt.Errorf("expedite task %d: %w", t.ID, err)
	}
	if !found {
		return 0, nil
	}
	s.record(ctx, t, evType, "expedited")
	return t.ID, nil
}

func (s *Scheduler) record(ctx context.Context, t protocol.ScheduledTask, evType protocol.SchedulingEventType, detail string) {
	if s.recorder == nil {
		return
	}
	note := t.Note
	if detail != "" {
		note = detail + ": " + note
	}
	s.recorder.Record(ctx, eventlog.SchedulingEvent{
		Session:         t.SessionName,
		Role:            t.AgentRole,
		Window:          t.WindowIndex,
		Type:            evType,
		IntervalMinutes: t.IntervalMinutes,
		Note:            note,
	})
}

// CheckAndRunDueTasks executes every task whose next_run has passed. A
// failure on one task is recorded in its result and does not stop the pass.
func (s *Scheduler) CheckAndRunDueTasks(ctx context.Context) (RunResult, error) {
	due, err := s.tasks.DueTasks(ctx, s.now())
	if err != nil {
		return RunResult{}, fmt.Errorf("load due tasks: %w", err)
	}
	res := RunResult{Due: len(due)}
	for _, t := range due {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		r := s.runTask(ctx, t)
		if r.Outcome == OutcomeError {
			s.logger.Printf("level=warn msg=\"check-in failed\" task=%d session=%s role=%s err=%q", t.ID, t.SessionName, t.AgentRole, r.Detail)
		}
		res.Results = append(res.Results, r)
	}
	return res, nil
}

func (s *Scheduler) runTask(ctx context.Context, t protocol.ScheduledTask) TaskResult {
	res := TaskResult{TaskID: t.ID, Session: t.SessionName, Role: t.AgentRole}
	fail := func(err error) TaskResult {
		res.Outcome = OutcomeError
		res.Detail = err.Error()
		return res
	}

	st, err := s.states.Get(ctx, t.SessionName)
	if err != nil && !errors.Is(err, sessionstate.ErrNotFound) {
		s.logger.Printf("level=warn msg=\"session state unreadable\" session=%s err=%q", t.SessionName, err)
		st = nil
	}
	if st != nil && st.IsExhausted(t.AgentRole) {
		return s.postpone(ctx, t, res)
	}

	alive, err := s.term.HasSession(ctx, t.SessionName)
	if err != nil {
		return fail(err)
	}
	if !alive {
		return s.remove(ctx, t, res)
	}

	target := t.Target()
	before, err := s.term.CapturePane(ctx, target, s.cfg.CaptureLines)
	if errors.Is(err, protocol.ErrSessionAbsent) {
		return s.remove(ctx, t, res)
	}
	if err != nil {
		return fail(err)
	}
	if err := s.term.SendKeys(ctx, target, s.message(t, st)); err != nil {
		if errors.Is(err, protocol.ErrSessionAbsent) {
			return s.remove(ctx, t, res)
		}
		return s.retry(ctx, t, res, "send: "+err.Error())
	}
	if err := s.sleep(ctx, s.cfg.DeliveryWait); err != nil {
		return fail(err)
	}
	after, err := s.term.CapturePane(ctx, target, s.cfg.CaptureLines)
	if err != nil {
		return s.retry(ctx, t, res, "capture: "+err.Error())
	}
	if after == before {
		return s.retry(ctx, t, res, "output unchanged after delivery")
	}
	return s.succeed(ctx, t, res)
}

// message renders the check-in text. A stored note wins over the role's
// default note.
func (s *Scheduler) message(t protocol.ScheduledTask, st *sessionstate.State) string {
	if t.Note != "" {
		return t.Note
	}
	c := role.Context{SessionName: t.SessionName, WindowIndex: t.WindowIndex}
	if st != nil {
		c.ProjectName = st.ProjectName
		c.SpecPath = st.SpecPath
		c.WorkspacePath = st.WorkspacePath
	}
	return role.Role(t.AgentRole).CheckInNote(c)
}

// postpone pushes an exhausted agent's task out by twice its interval, capped,
// without delivering anything.
func (s *Scheduler) postpone(ctx context.Context, t protocol.ScheduledTask, res TaskResult) TaskResult {
	interval := t.IntervalMinutes * 2
	if interval > s.cfg.MaxIntervalMinutes {
		interval = s.cfg.MaxIntervalMinutes
	}
	if interval < 1 {
		interval = 1
	}
	t.IntervalMinutes = interval
	t.NextRun = s.now().Add(time.Duration(interval) * time.Minute)
	if _, err := s.tasks.UpdateTask(ctx, t); err != nil {
		res.Outcome = OutcomeError
		res.Detail = err.Error()
		return res
	}
	s.record(ctx, t, protocol.EventRescheduled, "credits exhausted")
	res.Outcome = OutcomeDeferred
	res.NextRun = t.NextRun
	res.Detail = fmt.Sprintf("credits exhausted, deferred %dm", interval)
	return res
}

func (s *Scheduler) remove(ctx context.Context, t protocol.ScheduledTask, res TaskResult) TaskResult {
	if err := s.tasks.DeleteTask(ctx, t.ID); err != nil {
		res.Outcome = OutcomeError
		res.Detail = err.Error()
		return res
	}
	s.logger.Printf("level=info msg=\"removed task for missing session\" task=%d session=%s", t.ID, t.SessionName)
	res.Outcome = OutcomeRemoved
	res.Detail = "session absent"
	return res
}

// retry reschedules after the short retry delay without touching the
// logical interval.
func (s *Scheduler) retry(ctx context.Context, t protocol.ScheduledTask, res TaskResult, reason string) TaskResult {
	t.RetryCount++
	t.NextRun = s.now().Add(s.cfg.RetryDelay)
	if _, err := s.tasks.UpdateTask(ctx, t); err != nil {
		res.Outcome = OutcomeError
		res.Detail = err.Error()
		return res
	}
	s.record(ctx, t, protocol.EventFailed, reason)
	res.Outcome = OutcomeRetrying
	res.NextRun = t.NextRun
	res.Detail = reason
	return res
}

func (s *Scheduler) succeed(ctx context.Context, t protocol.ScheduledTask, res TaskResult) TaskResult {
	now := s.now()
	t.RetryCount = 0
	t.NextRun = now.Add(time.Duration(t.IntervalMinutes) * time.Minute)
	if _, err := s.tasks.UpdateTask(ctx, t); err != nil {
		res.Outcome = OutcomeError
		res.Detail = err.Error()
		return res
	}
	s.record(ctx, t, protocol.EventExecuted, "")
	s.record(ctx, t, protocol.EventRescheduled, "")

	err := s.states.Update(ctx, t.SessionName, func(st *sessionstate.State) error {
		a := st.Agent(t.AgentRole)
		a.Window = t.WindowIndex
		a.LastCheckIn = &now
		return nil
	})
	if err != nil {
		s.logger.Printf("level=warn msg=\"check-in time not saved\" session=%s role=%s err=%q", t.SessionName, t.AgentRole, err)
	}

	s.bus.Publish(ctx, Completion{
		EventID: uuid.New().String(),
		TaskID:  t.ID,
		Session: t.SessionName,
		Role:    t.AgentRole,
		Window:  t.WindowIndex,
		Message: t.Note,
		At:      now,
	})
	res.Outcome = OutcomeExecuted
	res.NextRun = t.NextRun
	return res
}

// ReportToOrchestrator is the default completion subscriber. It asks the
// completing agent to report to the orchestrator and pulls the
// orchestrator's next check-in forward so the report is read promptly.
func (s *Scheduler) ReportToOrchestrator(ctx context.Context, c Completion) error {
	if c.Role == string(role.Orchestrator) {
		return nil
	}
	orchWindow := role.Orchestrator.Behavior().DefaultWindow
	msg := fmt.Sprintf("Check-in received. Send your status report for %s to the orchestrator in window %d.",
		c.Session, orchWindow)
	if err := s.term.SendKeys(ctx, terminal.Target(c.Session, c.Window), msg); err != nil {
		return fmt.Errorf("report instruction: %w", err)
	}
	id, err := s.Expedite(ctx, c.Session, string(role.Orchestrator), s.now(), protocol.EventScheduled)
	if err != nil {
		return err
	}
	if id == 0 {
		_, err = s.EnqueueTaskAt(ctx, c.Session, string(role.Orchestrator), orchWindow,
			role.Orchestrator.Behavior().CheckInMinutes, "", s.now())
	}
	return err
}
