package failure

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"foreman/pkg/cycle"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/terminal"
)

// Report is the durable record written when a project fails.
type Report struct {
	Project   protocol.Project
	Session   string
	Reason    string
	Detail    string
	At        time.Time
	Duration  time.Duration
	State     *sessionstate.State
	Cycles    *cycle.Stats
	PaneTails map[string]string
}

// DeadAgents returns the roles not flagged alive in the state.
func (r Report) DeadAgents() []string {
	if r.State == nil {
		return nil
	}
	var out []string
	for _, role := range r.State.Roles() {
		if !r.State.Agents[role].Alive {
			out = append(out, role)
		}
	}
	return out
}

// Markdown renders the report.
func (r Report) Markdown() string {
	var b strings.Builder
	fmt.Fprintf(&b, "# Failure report: %s\n\n", r.Session)
	fmt.Fprintf(&b, "- Project: %d\n", r.Project.ID)
	fmt.Fprintf(&b, "- Spec: %s\n", r.Project.SpecPath)
	if r.Project.WorkspacePath != "" {
		fmt.Fprintf(&b, "- Workspace: %s\n", r.Project.WorkspacePath)
	}
	if r.Project.BatchID != "" {
		fmt.Fprintf(&b, "- Batch: %s (attempt %d)\n", r.Project.BatchID, r.Project.RetryCount+1)
	}
	fmt.Fprintf(&b, "- Reason: %s\n", r.Reason)
	if r.Detail != "" {
		fmt.Fprintf(&b, "- Detail: %s\n", r.Detail)
	}
	fmt.Fprintf(&b, "- Failed at: %s\n", r.At.Format(time.RFC3339))
	fmt.Fprintf(&b, "- Duration: %s\n", r.Duration.Round(time.Second))

	if r.State != nil {
		done, total := r.State.PhaseProgress()
		fmt.Fprintf(&b, "- Phases: %d/%d complete\n", done, total)

		b.WriteString("\n## Agents\n\n| Role | Window | Alive | Credits exhausted | Branch | Last check-in |\n|---|---|---|---|---|---|\n")
		for _, role := range r.State.Roles() {
			a := r.State.Agents[role]
			last := "never"
			if a.LastCheckIn != nil {
				last = a.LastCheckIn.Format(time.RFC3339)
			}
			fmt.Fprintf(&b, "| %s | %d | %t | %t | %s | %s |\n", role, a.Window, a.Alive, a.CreditsExhausted, a.Branch, last)
		}

		if len(r.State.StatusReports) > 0 {
			b.WriteString("\n## Last status reports\n")
			roles := make([]string, 0, len(r.State.StatusReports))
			for role := range r.State.StatusReports {
				roles = append(roles, role)
			}
			sort.Strings(roles)
			for _, role := range roles {
				sr := r.State.StatusReports[role]
				fmt.Fprintf(&b, "\n### %s (%s)\n\n%s\n", role, sr.At.Format(time.RFC3339), strings.TrimSpace(sr.Text))
			}
		}
	}

	if r.Cycles != nil {
		fmt.Fprintf(&b, "\n## Scheduling cycles\n\n- Events in window: %d\n", r.Cycles.Events)
		kinds := make([]string, 0, len(r.Cycles.Remedies))
		for k := range r.Cycles.Remedies {
			kinds = append(kinds, string(k))
		}
		sort.Strings(kinds)
		for _, k := range kinds {
			fmt.Fprintf(&b, "- %s: %d remedies\n", k, r.Cycles.Remedies[cycle.Kind(k)])
		}
	}

	if len(r.PaneTails) > 0 {
		b.WriteString("\n## Terminal output\n")
		roles := make([]string, 0, len(r.PaneTails))
		for role := range r.PaneTails {
			roles = append(roles, role)
		}
		sort.Strings(roles)
		for _, role := range roles {
			fmt.Fprintf(&b, "\n### %s\n\n```\n%s\n```\n", role, strings.TrimRight(r.PaneTails[role], "\n"))
		}
	}
	return b.String()
}

func (h *Handler) buildReport(ctx context.Context, req Request, session string, now time.Time) Report {
	rep := Report{
		Project:   req.Project,
		Session:   session,
		Reason:    req.Reason,
		Detail:    req.Detail,
		At:        now,
		PaneTails: make(map[string]string),
	}
	if req.Project.StartedAt != nil {
		rep.Duration = now.Sub(*req.Project.StartedAt)
	}
	if h.d.States != nil {
		st, err := h.d.States.Get(ctx, session)
		switch {
		case err == nil:
			rep.State = st
		case !errors.Is(err, sessionstate.ErrNotFound):
			h.logger.Printf("level=warn msg=\"report without session state\" session=%s err=%q", session, err)
		}
	}
	if h.d.Cycles != nil {
		stats := h.d.Cycles.Stats(session)
		rep.Cycles = &stats
	}
	if h.d.Term != nil && rep.State != nil {
		for _, role := range rep.State.Roles() {
			out, err := h.d.Term.CapturePane(ctx, terminal.Target(session, rep.State.Agents[role].Window), h.cfg.ReportTailLines)
			if err == nil && strings.TrimSpace(out) != "" {
				rep.PaneTails[role] = out
			}
		}
	}
	return rep
}

// writeReport stores the report in the project workspace, falling back to
// the reports directory. If neither is writable the report goes to the log.
func (h *Handler) writeReport(rep Report) (string, error) {
	name := fmt.Sprintf("failure-%s-%s.md", rep.Session, rep.At.Format("20060102T150405Z"))
	body := []byte(rep.Markdown())

	var errs []error
	var dirs []string
	if ws := rep.Project.WorkspacePath; ws != "" {
		dirs = append(dirs, filepath.Join(ws, "foreman-reports"))
	}
	if h.cfg.ReportsDir != "" {
		dirs = append(dirs, h.cfg.ReportsDir)
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			errs = append(errs, err)
			continue
		}
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, body, 0o644); err != nil { //nolint:gosec // report is not secret
			errs = append(errs, err)
			continue
		}
		return path, nil
	}
	h.logger.Printf("level=error msg=\"failure report not writable, logging inline\" session=%s report=%q", rep.Session, string(body))
	return "", fmt.Errorf("write failure report: %w", errors.Join(errs...))
}
