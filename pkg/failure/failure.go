// Package failure is the FailureHandler: the ordered cleanup run when a
// project times out or is judged failed. Every step runs even if an earlier
// one fails, and the next project is only started after the failed
// project's session is verified gone.
package failure

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/cycle"
	"foreman/pkg/eventlog"
	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/sessionstate"
	"foreman/pkg/telemetry"
	"foreman/pkg/terminal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Failure reasons.
const (
	ReasonTimeout      = "timeout"
	ReasonAgentsStuck  = "agents_stuck"
	ReasonDetected     = "detected_failure"
	ReasonManual       = "manual"
	ReasonStartFailure = "start_failure"
)

// Step names in execution order.
const (
	StepAlert    = "alert"
	StepReport   = "report"
	StepState    = "state"
	StepQueue    = "queue"
	StepTasks    = "tasks"
	StepEmail    = "email"
	StepTeardown = "teardown"
	StepProgress = "progress"
)

// ErrTeardownUnverified is returned when the session survives every kill
// attempt.
var ErrTeardownUnverified = errors.New("session teardown not verified")

// Notifier delivers alerts and email.
type Notifier interface {
	SendInternalAlert(ctx context.Context, session string, typ notify.AlertType, details string, agents []string) error
	SendEmail(ctx context.Context, subject, textBody, htmlBody string) error
}

// Store is the slice of the persistent store the handler needs.
type Store interface {
	MarkComplete(ctx context.Context, id int64, success bool, errMsg string) (bool, error)
	DeleteTasksForSession(ctx context.Context, session string) (int64, error)
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// StateStore reads and mutates SessionState documents.
type StateStore interface {
	Get(ctx context.Context, session string) (*sessionstate.State, error)
	Update(ctx context.Context, session string, fn func(*sessionstate.State) error) error
}

// CycleStats reports recent cycle remedies for a session.
type CycleStats interface {
	Stats(session string) cycle.Stats
}

// BatchChecker re-evaluates the failed project's batch.
type BatchChecker interface {
	OnProjectSettled(ctx context.Context, id int64) (queue.BatchResult, error)
}

// Progressor starts the next queued project.
type Progressor interface {
	LaunchNext(ctx context.Context, after int64) (LaunchResult, error)
}

// Deps groups the handler's collaborators. Any of them may be nil except
// Store and Term; the matching step is then skipped.
type Deps struct {
	Store    Store
	Term     terminal.SessionTerminal
	States   StateStore
	Notifier Notifier
	History  *eventlog.FailureLog
	Cycles   CycleStats
	Batches  BatchChecker
	Launcher Progressor
}

// Config holds handler policy.
type Config struct {
	TeardownAttempts int
	TeardownBackoff  time.Duration
	ReportTailLines  int
	ReportsDir       string
}

// FromConfig extracts handler policy from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{
		TeardownAttempts: c.TeardownAttempts,
		TeardownBackoff:  c.TeardownBackoff,
		ReportTailLines:  c.ReportTailLines,
		ReportsDir:       c.Paths.Reports,
	}
}

// Request describes one failure to handle.
type Request struct {
	Project protocol.Project
	Reason  string
	Detail  string
}

// StepResult records one step's outcome.
type StepResult struct {
	Name    string
	Err     error
	Skipped bool
	Note    string
}

// Outcome is the result of Handle.
type Outcome struct {
	ProjectID        int64
	Session          string
	Reason           string
	ReportPath       string
	Steps            []StepResult
	TeardownVerified bool
	Batch            *queue.BatchResult
	Launch           *LaunchResult
}

// Err joins every step error.
func (o Outcome) Err() error {
	var errs []error
	for _, s := range o.Steps {
		if s.Err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name, s.Err))
		}
	}
	return errors.Join(errs...)
}

// Step returns the result of the named step.
func (o Outcome) Step(name string) (StepResult, bool) {
	for _, s := range o.Steps {
		if s.Name == name {
			return s, true
		}
	}
	return StepResult{}, false
}

// Handler is the FailureHandler.
type Handler struct {
	d       Deps
	cfg     Config
	logger  *log.Logger
	tracer  trace.Tracer
	nowFunc func() time.Time
	sleep   func(context.Context, time.Duration) error
}

// New returns a Handler.
func New(d Deps, cfg Config, logger *log.Logger) *Handler {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if cfg.TeardownAttempts <= 0 {
		cfg.TeardownAttempts = 3
	}
	if cfg.TeardownBackoff <= 0 {
		cfg.TeardownBackoff = time.Second
	}
	if cfg.ReportTailLines <= 0 {
		cfg.ReportTailLines = 200
	}
	return &Handler{
		d:       d,
		cfg:     cfg,
		logger:  logger,
		tracer:  telemetry.Tracer("foreman/failure"),
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
func (h *Handler) SetClock(now func() time.Time) { h.nowFunc = now }

// SetSleeper overrides the teardown backoff wait. Intended for tests.
func (h *Handler) SetSleeper(sleep func(context.Context, time.Duration) error) { h.sleep = sleep }

// SetTracer overrides the tracer. Intended for tests.
func (h *Handler) SetTracer(t trace.Tracer) { h.tracer = t }

// step runs fn inside its own span and records the result. A panic in fn
// is converted to an error so later steps still run.
func (h *Handler) step(ctx context.Context, out *Outcome, name string, fn func(ctx context.Context) (string, error)) StepResult {
	ctx, span := h.tracer.Start(ctx, "failure."+name)
	res := StepResult{Name: name}
	func() {
		defer func() {
			if r := recover(); r != nil {
				res.Err = fmt.Errorf("panic: %v", r)
			}
		}()
		res.Note, res.Err = fn(ctx)
	}()
	if res.Err != nil {
		h.logger.Printf("level=error msg=\"failure step failed\" step=%s session=%s err=%q", name, out.Session, res.Err)
	}
	telemetry.End(span, res.Err)
	out.Steps = append(out.Steps, res)
	return res
}

func (h *Handler) skip(out *Outcome, name, note string) {
	out.Steps = append(out.Steps, StepResult{Name: name, Skipped: true, Note: note})
}

// Handle runs the failure procedure for req.
func (h *Handler) Handle(ctx context.Context, req Request) (out Outcome) {
	p := req.Project
	session := p.SessionName
	if session == "" {
		session = p.DefaultSessionName()
	}
	if req.Reason == "" {
		req.Reason = ReasonDetected
	}
	out = Outcome{ProjectID: p.ID, Session: session, Reason: req.Reason}

	ctx, span := h.tracer.Start(ctx, "failure.handle", trace.WithAttributes(
		attribute.Int64("project.id", p.ID), attribute.String("session", session), attribute.String("reason", req.Reason)))
	defer func() {
		span.SetAttributes(attribute.Bool("teardown.verified", out.TeardownVerified))
		telemetry.End(span, out.Err())
	}()

	now := h.nowFunc().UTC()
	h.logger.Printf("level=warn msg=\"handling project failure\" project=%d session=%s reason=%s", p.ID, session, req.Reason)
	rep := h.buildReport(ctx, req, session, now)
	message := req.Reason
	if req.Detail != "" {
		message += ": " + req.Detail
	}

	h.step(ctx, &out, StepAlert, func(ctx context.Context) (string, error) {
		if h.d.Notifier == nil {
			return "no notifier", nil
		}
		typ := notify.AlertFailure
		if req.Reason == ReasonTimeout {
			typ = notify.AlertTimeout
		}
		err := h.d.Notifier.SendInternalAlert(ctx, session, typ, message, rep.DeadAgents())
		if errors.Is(err, protocol.ErrSessionAbsent) {
			return "session already gone", nil
		}
		return "", err
	})

	h.step(ctx, &out, StepReport, func(context.Context) (string, error) {
		path, err := h.writeReport(rep)
		out.ReportPath = path
		return path, err
	})

	h.step(ctx, &out, StepState, func(ctx context.Context) (string, error) {
		var errs []error
		if h.d.States != nil {
			err := h.d.States.Update(ctx, session, func(st *sessionstate.State) error {
				st.CompletionStatus = sessionstate.CompletionFailed
				st.FailureReason = req.Reason
				st.CompletedAt = &now
				return nil
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		if h.d.History != nil {
			err := h.d.History.Append(eventlog.FailureRecord{
				Timestamp:  now,
				ProjectID:  p.ID,
				Session:    session,
				SpecPath:   p.SpecPath,
				Reason:     req.Reason,
				Detail:     req.Detail,
				Duration:   rep.Duration,
				ReportPath: out.ReportPath,
				RetryCount: p.RetryCount,
				BatchID:    p.BatchID,
				DeadAgents: rep.DeadAgents(),
			})
			if err != nil {
				errs = append(errs, err)
			}
		}
		return "", errors.Join(errs...)
	})

	h.step(ctx, &out, StepQueue, func(ctx context.Context) (string, error) {
		changed, err := h.d.Store.MarkComplete(ctx, p.ID, false, message)
		if err != nil {
			return "", err
		}
		if !changed {
			return "already settled", nil
		}
		_ = h.d.Store.LogEvent(ctx, "project_failed", "failure", session, "", message)
		return "", nil
	})

	h.step(ctx, &out, StepTasks, func(ctx context.Context) (string, error) {
		n, err := h.d.Store.DeleteTasksForSession(ctx, session)
		return fmt.Sprintf("%d task(s) removed", n), err
	})

	h.step(ctx, &out, StepEmail, func(ctx context.Context) (string, error) {
		if h.d.Notifier == nil {
			return "no notifier", nil
		}
		subject := fmt.Sprintf("[foreman] project %d failed: %s", p.ID, req.Reason)
		return "", h.d.Notifier.SendEmail(ctx, subject, emailBody(rep, out.ReportPath), "")
	})

	td := h.step(ctx, &out, StepTeardown, func(ctx context.Context) (string, error) {
		return h.Teardown(ctx, session)
	})
	out.TeardownVerified = td.Err == nil

	if !out.TeardownVerified {
		h.skip(&out, StepProgress, "teardown unverified, next project not started")
		return out
	}
	h.step(ctx, &out, StepProgress, func(ctx context.Context) (string, error) {
		var errs []error
		var notes []string
		if h.d.Batches != nil {
			br, err := h.d.Batches.OnProjectSettled(ctx, p.ID)
			if err != nil {
				errs = append(errs, err)
			} else {
				out.Batch = &br
				if len(br.Resubmitted) > 0 {
					notes = append(notes, fmt.Sprintf("retry batch %s", br.RetryBatchID))
				}
			}
		}
		if h.d.Launcher != nil {
			lr, err := h.d.Launcher.LaunchNext(ctx, p.ID)
			out.Launch = &lr
			if err != nil {
				errs = append(errs, err)
				h.launchFailed(ctx, p.ID, err)
			} else {
				notes = append(notes, "launched "+lr.Session)
				if lr.TeardownErr != nil {
					h.logger.Printf("level=warn msg=\"launch session cleanup failed\" session=%s err=%q", lr.Session, lr.TeardownErr)
				}
			}
		}
		return strings.Join(notes, "; "), errors.Join(errs...)
	})
	return out
}

// Teardown kills every window, then the session, and confirms the session
// is gone. A session that is already absent is success without any kill.
func (h *Handler) Teardown(ctx context.Context, session string) (string, error) {
	exists, err := h.d.Term.HasSession(ctx, session)
	if err != nil {
		return "", fmt.Errorf("query session: %w", err)
	}
	if !exists {
		return "session already absent", nil
	}

	if windows, err := h.d.Term.ListWindows(ctx, session); err == nil {
		for i := len(windows) - 1; i >= 0; i-- {
			target := terminal.Target(session, windows[i].Index)
			if err := h.d.Term.KillWindow(ctx, target); err != nil && !errors.Is(err, protocol.ErrSessionAbsent) {
				h.logger.Printf("level=warn msg=\"kill window failed\" target=%s err=%q", target, err)
			}
		}
	}

	for attempt := 1; attempt <= h.cfg.TeardownAttempts; attempt++ {
		if err := h.d.Term.KillSession(ctx, session); err != nil && !errors.Is(err, protocol.ErrSessionAbsent) {
			h.logger.Printf("level=warn msg=\"kill session failed\" session=%s attempt=%d err=%q", session, attempt, err)
		}
		if err := h.sleep(ctx, h.cfg.TeardownBackoff*time.Duration(attempt)); err != nil {
			return "", err
		}
		exists, err := h.d.Term.HasSession(ctx, session)
		if err != nil {
			h.logger.Printf("level=warn msg=\"session check failed\" session=%s attempt=%d err=%q", session, attempt, err)
			continue
		}
		if !exists {
			return fmt.Sprintf("verified absent after %d attempt(s)", attempt), nil
		}
	}
	return "", fmt.Errorf("%w: %s still present after %d attempts", ErrTeardownUnverified, session, h.cfg.TeardownAttempts)
}

func (h *Handler) launchFailed(ctx context.Context, after int64, err error) {
	details := fmt.Sprintf("next project after %d did not start: %v", after, err)
	_ = h.d.Store.LogEvent(ctx, "launch_failed", "failure", "", "", details)
	if h.d.Notifier == nil {
		return
	}
	subject := "[foreman] " + string(notify.AlertLaunchFailed)
	if err := h.d.Notifier.SendEmail(ctx, subject, details, ""); err != nil {
		h.logger.Printf("level=warn msg=\"launch failure email not sent\" err=%q", err)
	}
}

func emailBody(rep Report, reportPath string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Project %d (%s) failed.\n\n", rep.Project.ID, rep.Project.SpecPath)
	fmt.Fprintf(&b, "Session: %s\nReason: %s\n", rep.Session, rep.Reason)
	if rep.Detail != "" {
		fmt.Fprintf(&b, "Detail: %s\n", rep.Detail)
	}
	fmt.Fprintf(&b, "Duration: %s\n", rep.Duration.Round(time.Second))
	if dead := rep.DeadAgents(); len(dead) > 0 {
		fmt.Fprintf(&b, "Agents not alive: %s\n", strings.Join(dead, ", "))
	}
	if reportPath != "" {
		fmt.Fprintf(&b, "\nFull report: %s\n", reportPath)
	} else {
		b.WriteString("\nThe failure report could not be written; see the daemon log.\n")
	}
	return b.String()
}
