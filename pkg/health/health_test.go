package health_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/health"
	"foreman/pkg/lock"
	"foreman/pkg/notify"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
	"foreman/pkg/terminal/terminaltest"
)

const session = "foreman-12"

var base = time.Date(2026, 6, 1, 14, 0, 0, 0, time.UTC)

type workers struct {
	mu      sync.Mutex
	present map[string]bool
}

func (w *workers) WorkerPresent(_ context.Context, target string) (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.present[target], nil
}

func (w *workers) set(target string, v bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.present[target] = v
}

type nudger struct {
	calls []protocol.SchedulingEventType
	at    []time.Time
}

func (n *nudger) Expedite(_ context.Context, _, _ string, at time.Time, evType protocol.SchedulingEventType) (int64, error) {
	n.calls = append(n.calls, evType)
	n.at = append(n.at, at)
	return 42, nil
}

type alerter struct {
	alerts []notify.AlertType
}

func (a *alerter) SendInternalAlert(_ context.Context, _ string, typ notify.AlertType, _ string, _ []string) error {
	a.alerts = append(a.alerts, typ)
	return nil
}

type authFunc func(context.Context) error

func (f authFunc) Check(ctx context.Context) error { return f(ctx) }

type fixture struct {
	mon     *health.Monitor
	st      *store.Store
	states  *sessionstate.Manager
	term    *terminaltest.Fake
	workers *workers
	nudger  *nudger
	alerter *alerter
	now     time.Time
}

func newFixture(t *testing.T, cfg health.Config, auth health.AuthChecker) *fixture {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	states := sessionstate.NewManager(filepath.Join(root, "state"), filepath.Join(root, "quarantine"),
		lock.NewKeyedLocker(filepath.Join(root, "locks")), nil)

	f := &fixture{
		st:      st,
		states:  states,
		term:    terminaltest.New(),
		workers: &workers{present: make(map[string]bool)},
		nudger:  &nudger{},
		alerter: &alerter{},
		now:     base,
	}
	err = states.Update(context.Background(), session, func(s *sessionstate.State) error {
		s.ProjectName = "ledger"
		s.SpecPath = "/specs/ledger.md"
		s.WorkspacePath = "/work/ledger"
		s.Agent("orchestrator").Window = 0
		s.Agent("developer").Window = 2
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	deps := health.Deps{
		Store:   st,
		Term:    f.term,
		Workers: f.workers,
		States:  states,
		Nudger:  f.nudger,
		Alerter: f.alerter,
	}
	if auth != nil {
		deps.Auth = auth
	}
	f.mon = health.New(deps, cfg, nil)
	f.mon.SetClock(func() time.Time { return f.now })
	f.mon.SetSleeper(func(context.Context, time.Duration) error { return nil })
	return f
}

// panes registers the orchestrator and developer windows. The orchestrator
// is always healthy; dev describes the developer window.
func (f *fixture) panes(dev *terminaltest.Pane) {
	f.term.AddSession(session, map[int]*terminaltest.Pane{
		0: {Name: "orchestrator", Command: "claude", Activity: f.now.Add(-30 * time.Second)},
		2: dev,
	})
	f.workers.set(session+":0", true)
}

func agent(t *testing.T, rep health.Report, r string) health.AgentHealth {
	t.Helper()
	for _, a := range rep.Agents {
		if a.Role == r {
			return a
		}
	}
	t.Fatalf("no %s in report %+v", r, rep.Agents)
	return health.AgentHealth{}
}

func TestClassify(t *testing.T) {
	t.Parallel()
	cfg := health.Config{StuckThreshold: 30 * time.Minute, IdleThreshold: 3 * time.Minute}
	tests := []struct {
		name          string
		cmd           string
		worker        bool
		inactive      time.Duration
		stuck, needs  bool
		idle          bool
	}{
		{"shell without worker past threshold", "zsh", false, 31 * time.Minute, true, true, false},
		{"shell without worker recently", "bash", false, 10 * time.Minute, true, false, false},
		{"worker quiet for four minutes", "claude", true, 4 * time.Minute, false, false, true},
		{"worker quiet in a shell pane", "zsh", true, 45 * time.Minute, false, false, true},
		{"worker active", "claude", true, time.Minute, false, false, false},
		{"non-shell without worker", "node", false, time.Hour, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := health.Classify(tt.cmd, tt.worker, base.Add(-tt.inactive), base, cfg)
			if h.Stuck != tt.stuck || h.NeedsRecovery != tt.needs || h.Idle != tt.idle {
				t.Errorf("Classify = stuck %v needs %v idle %v, want %v %v %v",
					h.Stuck, h.NeedsRecovery, h.Idle, tt.stuck, tt.needs, tt.idle)
			}
			if tt.stuck && h.StuckDuration != tt.inactive {
				t.Errorf("StuckDuration = %v, want %v", h.StuckDuration, tt.inactive)
			}
		})
	}
}

func TestStuckAgentRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, health.Config{WorkerStartCommand: "claude --resume"}, nil)
	f.panes(&terminaltest.Pane{Name: "developer", Command: "zsh", Activity: f.now.Add(-40 * time.Minute)})
	f.term.OnSend = func(target string, p *terminaltest.Pane, text string) {
		if text == "claude --resume" {
			p.Command = "claude"
			f.workers.set(target, true)
		}
	}

	rep, err := f.mon.Check(context.Background(), session)
	if err != nil {
		t.Fatal(err)
	}
	dev := agent(t, rep, "developer")
	if dev.Action != health.ActionRecovered || dev.RecoveryAttempts != 1 {
		t.Fatalf("developer = %+v", dev)
	}
	sent := f.term.Pane(session + ":2").Sent
	if len(sent) != 2 || sent[0] != "claude --resume" {
		t.Fatalf("sent = %q", sent)
	}
	if !strings.Contains(sent[1], "/specs/ledger.md") || !strings.Contains(sent[1], "/work/ledger") {
		t.Errorf("briefing = %q", sent[1])
	}

	recs, err := f.st.LatestHealth(context.Background(), session)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 2 || recs[0].AgentRole != "developer" || recs[0].RecoveryAttempts != 1 {
		t.Errorf("health records = %+v", recs)
	}
	st, _ := f.states.Get(context.Background(), session)
	if !st.Agents["developer"].Alive || st.Agents["developer"].RecoveryAttempts != 1 {
		t.Errorf("developer state = %+v", st.Agents["developer"])
	}
	if len(f.alerter.alerts) != 0 {
		t.Errorf("alerts = %v", f.alerter.alerts)
	}
}

func TestRecoveryIsBounded(t *testing.T) {
	t.Parallel()
	f := newFixture(t, health.Config{MaxRecoveryAttempts: 2, WorkerStartCommand: "claude"}, nil)
	f.panes(&terminaltest.Pane{Name: "developer", Command: "zsh", Activity: f.now.Add(-2 * time.Hour)})

	want := []string{health.ActionFailed, health.ActionFailed, health.ActionExhausted}
	for i, action := range want {
		rep, err := f.mon.Check(context.Background(), session)
		if err != nil {
			t.Fatal(err)
		}
		dev := agent(t, rep, "developer")
		if dev.Action != action {
			t.Fatalf("pass %d action = %q, want %q (%v)", i+1, dev.Action, action, dev.Err)
		}
		f.now = f.now.Add(time.Minute)
	}
	if n := len(f.term.Pane(session + ":2").Sent); n != 2 {
		t.Errorf("start command sent %d times, want 2", n)
	}
	if len(f.alerter.alerts) != 2 || f.alerter.alerts[0] != notify.AlertRecoveryFailed {
		t.Errorf("alerts = %v", f.alerter.alerts)
	}
	n, err := f.st.RecoveryAttempts(context.Background(), session, "developer")
	if err != nil || n != 2 {
		t.Errorf("RecoveryAttempts = %d, %v", n, err)
	}
}

func TestInvalidCredentialsSkipRecovery(t *testing.T) {
	t.Parallel()
	auth := authFunc(func(context.Context) error {
		return errors.Join(protocol.ErrAuthInvalid, errors.New("token expired"))
	})
	f := newFixture(t, health.Config{}, auth)
	f.panes(&terminaltest.Pane{Name: "developer", Command: "zsh", Activity: f.now.Add(-2 * time.Hour)})

	rep, err := f.mon.Check(context.Background(), session)
	if err != nil {
		t.Fatal(err)
	}
	dev := agent(t, rep, "developer")
	if dev.Action != health.ActionAuth || !errors.Is(dev.Err, protocol.ErrAuthInvalid) {
		t.Errorf("developer = %+v", dev)
	}
	if f.term.CallCount("SendKeys") != 0 {
		t.Errorf("SendKeys called %d times", f.term.CallCount("SendKeys"))
	}
	if dev.RecoveryAttempts != 0 {
		t.Errorf("attempts = %d, want 0", dev.RecoveryAttempts)
	}
}

func TestIdleTeamNudgedNotRecovered(t *testing.T) {
	t.Parallel()
	f := newFixture(t, health.Config{IdleThreshold: 3 * time.Minute, NudgeCooldown: 6 * time.Minute}, nil)
	f.term.AddSession(session, map[int]*terminaltest.Pane{
		0: {Name: "orchestrator", Command: "claude", Activity: f.now.Add(-5 * time.Minute)},
		2: {Name: "developer", Command: "claude", Activity: f.now.Add(-4 * time.Minute)},
	})
	f.workers.set(session+":0", true)
	f.workers.set(session+":2", true)

	rep, err := f.mon.Check(context.Background(), session)
	if err != nil {
		t.Fatal(err)
	}
	for _, a := range rep.Agents {
		if !a.Idle || a.Stuck || a.NeedsRecovery {
			t.Errorf("%s = %+v, want idle only", a.Role, a)
		}
	}
	if !rep.Nudged || rep.NudgeTask != 42 {
		t.Fatalf("report = %+v", rep)
	}
	if len(f.nudger.calls) != 1 || f.nudger.calls[0] != protocol.EventEmergencyScheduled || !f.nudger.at[0].Equal(f.now) {
		t.Errorf("nudges = %v at %v", f.nudger.calls, f.nudger.at)
	}
	if f.term.CallCount("SendKeys") != 0 {
		t.Error("idle agents must not be restarted")
	}

	f.now = f.now.Add(5 * time.Minute)
	if rep, _ := f.mon.Check(context.Background(), session); rep.Nudged {
		t.Error("nudged again inside the cooldown")
	}
	f.now = f.now.Add(2 * time.Minute)
	if rep, _ := f.mon.Check(context.Background(), session); !rep.Nudged {
		t.Error("not nudged after the cooldown")
	}
	if len(f.nudger.calls) != 2 {
		t.Errorf("nudges = %d, want 2", len(f.nudger.calls))
	}
}

func TestPartlyIdleTeamNotNudged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, health.Config{IdleThreshold: 3 * time.Minute}, nil)
	f.panes(&terminaltest.Pane{Name: "developer", Command: "claude", Activity: f.now.Add(-10 * time.Minute)})
	f.workers.set(session+":2", true)

	rep, err := f.mon.Check(context.Background(), session)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Nudged || rep.AllIdle() {
		t.Errorf("report = %+v", rep)
	}
	if got := rep.Active(); len(got) != 1 || got[0] != "orchestrator" {
		t.Errorf("Active = %v", got)
	}
}

func TestCreditExhaustionFlagged(t *testing.T) {
	t.Parallel()
	f := newFixture(t, health.Config{}, nil)
	f.panes(&terminaltest.Pane{
		Name:     "developer",
		Command:  "claude",
		Activity: f.now.Add(-time.Minute),
		Output:   "working on phase 2\nClaude usage limit reached. Your limit will reset at 5pm.",
	})
	f.workers.set(session+":2", true)

	if _, err := f.mon.Check(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	st, _ := f.states.Get(context.Background(), session)
	dev := st.Agents["developer"]
	if !st.IsExhausted("developer") || dev.CreditResetAt == nil || !dev.CreditResetAt.After(f.now) {
		t.Fatalf("developer state = %+v", dev)
	}
	if st.IsExhausted("orchestrator") {
		t.Error("orchestrator flagged exhausted")
	}

	f.term.Pane(session + ":2").Output = "resumed"
	f.now = dev.CreditResetAt.Add(time.Minute)
	if _, err := f.mon.Check(context.Background(), session); err != nil {
		t.Fatal(err)
	}
	st, _ = f.states.Get(context.Background(), session)
	if st.IsExhausted("developer") {
		t.Error("exhaustion not cleared after reset time")
	}
}

func TestCreditsExhaustedPatterns(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"Credit balance is too low":             true,
		"5-hour limit reached, resets 3pm":      true,
		"You're out of extra usage":             true,
		"rate of progress is fine":              false,
		"All tests passed, no limits were hit.": false,
	}
	for text, want := range tests {
		if got := health.CreditsExhausted(text); got != want {
			t.Errorf("CreditsExhausted(%q) = %v, want %v", text, got, want)
		}
	}
}

type fakeRunner struct {
	out []byte
	err error
}

func (f fakeRunner) Run(context.Context, string, ...string) ([]byte, error) { return f.out, f.err }

func TestCommandAuthChecker(t *testing.T) {
	t.Parallel()
	ok := &health.CommandAuthChecker{Runner: fakeRunner{out: []byte("1.0.0")}, Command: []string{"claude", "--version"}}
	if err := ok.Check(context.Background()); err != nil {
		t.Errorf("Check = %v", err)
	}
	bad := &health.CommandAuthChecker{
		Runner:  fakeRunner{out: []byte("Invalid API key"), err: errors.New("exit status 1")},
		Command: []string{"claude", "--version"},
	}
	err := bad.Check(context.Background())
	if !errors.Is(err, protocol.ErrAuthInvalid) || !strings.Contains(err.Error(), "Invalid API key") {
		t.Errorf("Check = %v", err)
	}
}
