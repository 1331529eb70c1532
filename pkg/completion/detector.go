// Package completion is the CompletionDetector. It fuses a completion
// marker, git history, tracked phases, agent liveness and terminal text into
// a verdict, trying the most reliable signal first and refusing to declare
// completion for a workspace that holds no implementation.
package completion

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"strings"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/telemetry"
	"foreman/pkg/terminal"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Status is the verdict outcome.
type Status string

// Verdict statuses.
const (
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusProcessing Status = "processing"
)

// Signal names the cascade step that produced a verdict.
type Signal string

// Signals in cascade order.
const (
	SignalTooEarly Signal = "too_early"
	SignalMarker   Signal = "marker"
	SignalGit      Signal = "git"
	SignalPhases   Signal = "phases"
	SignalLiveness Signal = "liveness"
	SignalText     Signal = "text"
	SignalDefault  Signal = "default"
)

// Verdict is the detector's answer for one project.
type Verdict struct {
	Status        Status
	Confidence    float64
	Signal        Signal
	Reason        string
	MarkerCreated bool
	Score         *Score
}

// StateReader reads SessionState documents.
type StateReader interface {
	Get(ctx context.Context, session string) (*sessionstate.State, error)
}

// HealthReader returns the latest health record per agent.
type HealthReader interface {
	LatestHealth(ctx context.Context, session string) ([]protocol.HealthRecord, error)
}

// EventLogger records operational events.
type EventLogger interface {
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// Config holds detector policy.
type Config struct {
	MinCheckAge       time.Duration
	AllStuckFailAfter time.Duration
	CompleteThreshold float64
	FailThreshold     float64
	ScrollbackLines   int
}

// FromConfig extracts detector policy from the daemon config.
func FromConfig(c config.Config) Config {
	return Config{
		MinCheckAge:       c.MinCheckAge,
		AllStuckFailAfter: c.AllStuckFailAfter,
		CompleteThreshold: c.CompleteThreshold,
		FailThreshold:     c.FailThreshold,
		ScrollbackLines:   c.ScrollbackLines,
	}
}

func (c Config) withDefaults() Config {
	if c.AllStuckFailAfter <= 0 {
		c.AllStuckFailAfter = protocol.DefaultStuckThreshold
	}
	if c.CompleteThreshold <= 0 {
		c.CompleteThreshold = 0.7
	}
	if c.FailThreshold <= 0 {
		c.FailThreshold = 0.3
	}
	if c.ScrollbackLines <= 0 {
		c.ScrollbackLines = 2000
	}
	return c
}

// Deps groups the detector's collaborators. Git, Health, Term and Events may
// be nil, which disables the corresponding signal.
type Deps struct {
	Markers *MarkerStore
	States  StateReader
	Health  HealthReader
	Term    terminal.SessionTerminal
	Git     *Git
	Impl    ImplementationChecker
	Scorer  Scorer
	Events  EventLogger
}

// Detector is the CompletionDetector.
type Detector struct {
	d       Deps
	cfg     Config
	logger  *log.Logger
	tracer  trace.Tracer
	nowFunc func() time.Time
}

// New returns a Detector.
func New(d Deps, cfg Config, logger *log.Logger) *Detector {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if d.Impl == nil {
		d.Impl = WorkspaceChecker{}
	}
	if d.Scorer == nil {
		d.Scorer = &TextScorer{Weights: config.Default("").Weights}
	}
	return &Detector{
		d:       d,
		cfg:     cfg.withDefaults(),
		logger:  logger,
		tracer:  telemetry.Tracer("foreman/completion"),
		nowFunc: time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (det *Detector) SetClock(now func() time.Time) { det.nowFunc = now }

// SetTracer overrides the tracer. Intended for tests.
func (det *Detector) SetTracer(t trace.Tracer) { det.tracer = t }

// check carries per-call lookups so each is done at most once.
type check struct {
	p         protocol.Project
	session   string
	workspace string
	st        *sessionstate.State

	implDone   bool
	implOK     bool
	implReason string
}

func (det *Detector) implementation(ctx context.Context, c *check) (bool, string) {
	if !c.implDone {
		ok, reason, err := det.d.Impl.HasImplementation(ctx, c.workspace)
		if err != nil {
			det.logger.Printf("level=warn msg=\"implementation check failed\" session=%s err=%q", c.session, err)
			reason = err.Error()
		}
		c.implDone, c.implOK, c.implReason = true, ok, reason
	}
	return c.implOK, c.implReason
}

// Check evaluates p and returns its verdict. Errors from individual signals
// are logged and the cascade moves on; only a verdict is returned.
func (det *Detector) Check(ctx context.Context, p protocol.Project) (v Verdict, err error) {
	session := p.SessionName
	if session == "" {
		session = p.DefaultSessionName()
	}
	ctx, span := det.tracer.Start(ctx, "completion.check", trace.WithAttributes(
		attribute.Int64("project.id", p.ID), attribute.String("session", session)))
	defer func() {
		span.SetAttributes(
			attribute.String("verdict.status", string(v.Status)),
			attribute.String("verdict.signal", string(v.Signal)),
			attribute.Float64("verdict.confidence", v.Confidence),
		)
		telemetry.End(span, err)
	}()

	now := det.nowFunc().UTC()
	if p.StartedAt != nil && det.cfg.MinCheckAge > 0 && now.Sub(*p.StartedAt) < det.cfg.MinCheckAge {
		return Verdict{Status: StatusProcessing, Signal: SignalTooEarly,
			Reason: fmt.Sprintf("started %s ago, first check after %s", now.Sub(*p.StartedAt).Round(time.Second), det.cfg.MinCheckAge)}, nil
	}

	c := &check{p: p, session: session, workspace: p.WorkspacePath}
	if det.d.States != nil {
		st, serr := det.d.States.Get(ctx, session)
		switch {
		case serr == nil:
			c.st = st
			if c.workspace == "" {
				c.workspace = st.WorkspacePath
			}
		case !errors.Is(serr, sessionstate.ErrNotFound):
			det.logger.Printf("level=warn msg=\"session state unreadable\" session=%s err=%q", session, serr)
		}
	}

	for _, step := range []func(context.Context, *check) (Verdict, bool){
		det.markerSignal,
		det.gitSignal,
		det.phaseSignal,
		det.livenessSignal,
		det.textSignal,
	} {
		if v, ok := step(ctx, c); ok {
			return v, nil
		}
	}
	return Verdict{Status: StatusProcessing, Signal: SignalDefault, Reason: progress(c.st)}, nil
}

func progress(st *sessionstate.State) string {
	if st == nil {
		return "no session state yet"
	}
	done, total := st.PhaseProgress()
	if total == 0 {
		return "no phases tracked yet"
	}
	return fmt.Sprintf("%d/%d phases complete", done, total)
}

func (det *Detector) markerSignal(ctx context.Context, c *check) (Verdict, bool) {
	if det.d.Markers == nil || !det.d.Markers.Exists(c.session) {
		return Verdict{}, false
	}
	ok, reason := det.implementation(ctx, c)
	if !ok {
		det.logger.Printf("level=warn msg=\"completion marker without implementation, removed\" session=%s reason=%q", c.session, reason)
		det.event(ctx, "marker_contradiction", c.session, reason)
		if err := det.d.Markers.Remove(c.session); err != nil {
			det.logger.Printf("level=warn msg=\"marker not removed\" session=%s err=%q", c.session, err)
		}
		return Verdict{}, false
	}
	return Verdict{Status: StatusCompleted, Confidence: 1, Signal: SignalMarker, Reason: "completion marker present"}, true
}

func (det *Detector) gitSignal(ctx context.Context, c *check) (Verdict, bool) {
	if det.d.Git == nil || c.workspace == "" {
		return Verdict{}, false
	}
	var since time.Time
	if c.p.StartedAt != nil {
		since = *c.p.StartedAt
	}
	subject, err := det.d.Git.CompletionCommit(ctx, c.workspace, since)
	if err != nil {
		det.logger.Printf("level=debug msg=\"git signal unavailable\" session=%s err=%q", c.session, err)
		return Verdict{}, false
	}
	if subject == "" {
		return Verdict{}, false
	}
	if ok, reason := det.implementation(ctx, c); !ok {
		det.event(ctx, "completion_claim_rejected", c.session, "git: "+reason)
		return Verdict{}, false
	}
	return det.complete(ctx, c, Verdict{Confidence: 0.9, Signal: SignalGit, Reason: "completion commit: " + subject}), true
}

func (det *Detector) phaseSignal(ctx context.Context, c *check) (Verdict, bool) {
	if c.st == nil || !c.st.AllPhasesComplete() {
		return Verdict{}, false
	}
	if ok, reason := det.implementation(ctx, c); !ok {
		det.event(ctx, "completion_claim_rejected", c.session, "phases: "+reason)
		return Verdict{}, false
	}
	return det.complete(ctx, c, Verdict{Confidence: 0.85, Signal: SignalPhases, Reason: progress(c.st)}), true
}

// livenessSignal fails a project whose every agent has been stuck long
// enough. Any active agent defers to the text signal.
func (det *Detector) livenessSignal(ctx context.Context, c *check) (Verdict, bool) {
	if det.d.Health == nil {
		return Verdict{}, false
	}
	recs, err := det.d.Health.LatestHealth(ctx, c.session)
	if err != nil || len(recs) == 0 {
		return Verdict{}, false
	}
	for _, r := range recs {
		if !r.Stuck || r.StuckDuration < det.cfg.AllStuckFailAfter {
			return Verdict{}, false
		}
	}
	return Verdict{
		Status:     StatusFailed,
		Confidence: 0.9,
		Signal:     SignalLiveness,
		Reason:     fmt.Sprintf("all %d agents stuck for at least %s", len(recs), det.cfg.AllStuckFailAfter),
	}, true
}

func (det *Detector) activeAgents(ctx context.Context, session string) (int, bool) {
	if det.d.Health == nil {
		return 0, false
	}
	recs, err := det.d.Health.LatestHealth(ctx, session)
	if err != nil || len(recs) == 0 {
		return 0, false
	}
	n := 0
	for _, r := range recs {
		if r.WorkerPresent && !r.Stuck {
			n++
		}
	}
	return n, true
}

// scrollback captures each agent window separately. Blank windows are
// dropped.
func (det *Detector) scrollback(ctx context.Context, c *check) []string {
	if det.d.Term == nil {
		return nil
	}
	windows := []int{0}
	if c.st != nil && len(c.st.Agents) > 0 {
		windows = windows[:0]
		for _, r := range c.st.Roles() {
			windows = append(windows, c.st.Agents[r].Window)
		}
	}
	var texts []string
	for _, w := range windows {
		out, err := det.d.Term.CapturePane(ctx, terminal.Target(c.session, w), det.cfg.ScrollbackLines)
		if err != nil || strings.TrimSpace(out) == "" {
			continue
		}
		texts = append(texts, out)
	}
	return texts
}

// textSignal scores every window on its own. The most confident window
// decides completion and the least confident decides failure.
func (det *Detector) textSignal(ctx context.Context, c *check) (Verdict, bool) {
	texts := det.scrollback(ctx, c)
	if len(texts) == 0 {
		return Verdict{}, false
	}
	var best, worst Score
	statusReport := false
	for i, text := range texts {
		sc := det.d.Scorer.Score(text)
		statusReport = statusReport || sc.StatusReport
		if i == 0 || sc.Confidence > best.Confidence {
			best = sc
		}
		if i == 0 || sc.Confidence < worst.Confidence {
			worst = sc
		}
	}

	if best.Confidence >= det.cfg.CompleteThreshold {
		v := Verdict{Confidence: best.Confidence, Signal: SignalText, Score: &best}
		if ok, reason := det.implementation(ctx, c); !ok {
			v.Status = StatusProcessing
			v.Reason = "output claims completion but " + reason
			return v, true
		}
		v.Reason = "output indicators: " + strings.Join(best.Indicators, ",")
		return det.complete(ctx, c, v), true
	}
	if worst.Confidence < det.cfg.FailThreshold && !statusReport {
		if active, known := det.activeAgents(ctx, c.session); known && active == 0 {
			return Verdict{
				Status:     StatusFailed,
				Confidence: worst.Confidence,
				Signal:     SignalText,
				Score:      &worst,
				Reason:     fmt.Sprintf("low confidence %.2f with no active agents", worst.Confidence),
			}, true
		}
	}
	return Verdict{}, false
}

// complete finalises a completed verdict: it creates the marker so later
// checks stop at the first step, and mirrors it into the workspace. Neither
// failure changes the verdict.
func (det *Detector) complete(ctx context.Context, c *check, v Verdict) Verdict {
	v.Status = StatusCompleted
	if det.d.Markers == nil {
		return v
	}
	created, err := det.d.Markers.Create(Marker{
		ProjectID: c.p.ID,
		Session:   c.session,
		Signal:    v.Signal,
		Reason:    v.Reason,
		CreatedAt: det.nowFunc().UTC(),
	})
	if err != nil {
		det.logger.Printf("level=warn msg=\"completion marker not written\" session=%s err=%q", c.session, err)
		return v
	}
	v.MarkerCreated = created
	if created && c.workspace != "" {
		content := fmt.Sprintf("project %d completed (%s): %s\n", c.p.ID, v.Signal, v.Reason)
		if err := det.d.Git.CommitMarker(ctx, c.workspace, content); err != nil {
			det.logger.Printf("level=warn msg=\"workspace marker not mirrored\" session=%s err=%q", c.session, err)
		}
	}
	return v
}

func (det *Detector) event(ctx context.Context, evType, session, payload string) {
	if det.d.Events == nil {
		return
	}
	if err := det.d.Events.LogEvent(ctx, evType, "completion", session, "", payload); err != nil {
		det.logger.Printf("level=warn msg=\"event not stored\" type=%s err=%q", evType, err)
	}
}
