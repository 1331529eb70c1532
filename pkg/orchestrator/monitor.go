package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"foreman/pkg/completion"
	"foreman/pkg/failure"
	"foreman/pkg/health"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
)

// Action is what a monitor pass did to one project.
type Action string

// Monitor actions.
const (
	ActionNone      Action = ""
	ActionCompleted Action = "completed"
	ActionFailed    Action = "failed"
	ActionTimedOut  Action = "timed_out"
	ActionPaused    Action = "credit_paused"
)

// ProjectResult is the outcome of monitoring one project.
type ProjectResult struct {
	ProjectID int64
	Session   string
	Action    Action
	Verdict   *completion.Verdict
	Err       error
}

func (m *Manager) projects(ctx context.Context, statuses ...protocol.ProjectStatus) ([]protocol.Project, error) {
	return m.d.Store.ListProjects(ctx, store.ListFilter{Statuses: statuses})
}

// MonitorOnce runs the timeout and completion checks over every processing
// project.
func (m *Manager) MonitorOnce(ctx context.Context) ([]ProjectResult, error) {
	active, err := m.projects(ctx, protocol.StatusProcessing)
	if err != nil {
		return nil, err
	}
	out := make([]ProjectResult, 0, len(active))
	for _, p := range active {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if p.SessionName == "" {
			continue
		}
		out = append(out, m.monitor(ctx, p))
	}
	return out, nil
}

func (m *Manager) monitor(ctx context.Context, p protocol.Project) ProjectResult {
	res := ProjectResult{ProjectID: p.ID, Session: p.SessionName}
	now := m.now()

	if p.StartedAt != nil {
		limit := m.Timeout(p)
		if ran := now.Sub(*p.StartedAt); ran > limit {
			detail := fmt.Sprintf("ran %s, limit %s", ran.Round(time.Minute), limit)
			res.Action = ActionTimedOut
			res.Err = m.fail(ctx, p, failure.ReasonTimeout, detail)
			return res
		}
	}

	v, err := m.d.Completion.Check(ctx, p)
	if err != nil {
		res.Err = err
		m.logger.Printf("level=warn msg=\"completion check failed\" project=%d err=%q", p.ID, err)
		return res
	}
	res.Verdict = &v

	switch v.Status {
	case completion.StatusCompleted:
		res.Action = ActionCompleted
		res.Err = m.Complete(ctx, p, v.Reason)
	case completion.StatusFailed:
		reason := failure.ReasonDetected
		if v.Signal == completion.SignalLiveness {
			reason = failure.ReasonAgentsStuck
		}
		res.Action = ActionFailed
		res.Err = m.fail(ctx, p, reason, v.Reason)
	default:
		if v.Signal == completion.SignalTooEarly {
			return res
		}
		exists, err := m.d.Term.HasSession(ctx, p.SessionName)
		if err == nil && !exists {
			res.Action = ActionFailed
			res.Err = m.fail(ctx, p, failure.ReasonDetected, "session no longer exists")
		}
	}
	return res
}

func (m *Manager) fail(ctx context.Context, p protocol.Project, reason, detail string) error {
	out := m.d.Failure.Handle(ctx, failure.Request{Project: p, Reason: reason, Detail: detail})
	m.logger.Printf("level=warn msg=\"project failed\" project=%d session=%s reason=%s teardown_verified=%t report=%s",
		p.ID, out.Session, reason, out.TeardownVerified, out.ReportPath)
	return out.Err()
}

// Complete settles p as completed: queue row, session state, tasks,
// notification and teardown, then starts queued work. Repeat calls for an
// already settled project do nothing.
func (m *Manager) Complete(ctx context.Context, p protocol.Project, reason string) error {
	changed, err := m.d.Store.MarkComplete(ctx, p.ID, true, "")
	if err != nil {
		return fmt.Errorf("mark project %d complete: %w", p.ID, err)
	}
	if !changed {
		return nil
	}
	session := p.SessionName
	now := m.now()
	m.logEvent(ctx, "project_completed", session, reason)
	m.logger.Printf("level=info msg=\"project completed\" project=%d session=%s reason=%q", p.ID, session, reason)

	var errs []error
	err = m.d.States.Update(ctx, session, func(st *sessionstate.State) error {
		st.CompletionStatus = sessionstate.CompletionCompleted
		st.CompletedAt = &now
		return nil
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("session state: %w", err))
	}
	if _, err := m.d.Store.DeleteTasksForSession(ctx, session); err != nil {
		errs = append(errs, fmt.Errorf("delete tasks: %w", err))
	}
	if m.d.Mailer != nil {
		subject := fmt.Sprintf("[foreman] project %d completed", p.ID)
		body := fmt.Sprintf("Project %d (%s) completed.\n\nSession: %s\nEvidence: %s\n", p.ID, p.SpecPath, session, reason)
		if err := m.d.Mailer.SendEmail(ctx, subject, body, ""); err != nil {
			errs = append(errs, fmt.Errorf("completion email: %w", err))
		}
	}

	if _, err := m.d.Failure.Teardown(ctx, session); err != nil {
		// No new project starts while this session may still be alive.
		errs = append(errs, fmt.Errorf("teardown: %w", err))
		return errors.Join(errs...)
	}
	if _, err := m.d.Queue.OnProjectSettled(ctx, p.ID); err != nil {
		errs = append(errs, fmt.Errorf("batch check: %w", err))
	}
	m.FillSlots(ctx)
	return errors.Join(errs...)
}

// HealthOnce runs a health pass over every processing or credit-paused
// project and pauses projects whose whole team is out of credits.
func (m *Manager) HealthOnce(ctx context.Context) ([]ProjectResult, error) {
	active, err := m.projects(ctx, protocol.StatusProcessing, protocol.StatusCreditPaused)
	if err != nil {
		return nil, err
	}
	var out []ProjectResult
	for _, p := range active {
		if ctx.Err() != nil {
			return out, ctx.Err()
		}
		if p.SessionName == "" {
			continue
		}
		res := ProjectResult{ProjectID: p.ID, Session: p.SessionName}
		rep, err := m.d.Health.Check(ctx, p.SessionName)
		if err != nil {
			if !errors.Is(err, sessionstate.ErrNotFound) {
				m.logger.Printf("level=warn msg=\"health check failed\" project=%d err=%q", p.ID, err)
			}
			res.Err = err
			out = append(out, res)
			continue
		}
		if p.Status == protocol.StatusProcessing && allExhausted(rep.Agents) {
			if err := m.d.Queue.Pause(ctx, p.ID, "all agents out of credits"); err != nil {
				res.Err = err
			} else {
				res.Action = ActionPaused
				m.logEvent(ctx, "project_credit_paused", p.SessionName, "")
				m.logger.Printf("level=warn msg=\"project paused, agents out of credits\" project=%d", p.ID)
			}
		}
		out = append(out, res)
	}
	return out, nil
}

func allExhausted(agents []health.AgentHealth) bool {
	if len(agents) == 0 {
		return false
	}
	for _, a := range agents {
		if !a.CreditsExhausted {
			return false
		}
	}
	return true
}
