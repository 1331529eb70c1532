package orchestrator_test

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"foreman/pkg/completion"
	"foreman/pkg/failure"
	"foreman/pkg/health"
	"foreman/pkg/lock"
	"foreman/pkg/orchestrator"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/role"
	"foreman/pkg/scheduler"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
	"foreman/pkg/terminal/terminaltest"
)

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type verdicts struct {
	mu    sync.Mutex
	byID  map[int64]completion.Verdict
	calls int
}

func (v *verdicts) Check(_ context.Context, p protocol.Project) (completion.Verdict, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.calls++
	if got, ok := v.byID[p.ID]; ok {
		return got, nil
	}
	return completion.Verdict{Status: completion.StatusProcessing, Signal: completion.SignalDefault}, nil
}

func (v *verdicts) set(id int64, verdict completion.Verdict) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.byID[id] = verdict
}

func (v *verdicts) count() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.calls
}

type healthFunc func(session string) health.Report

func (f healthFunc) Check(_ context.Context, session string) (health.Report, error) {
	return f(session), nil
}

type mailer struct {
	mu       sync.Mutex
	subjects []string
}

func (m *mailer) SendEmail(_ context.Context, subject, _, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subjects = append(m.subjects, subject)
	return nil
}

type fixture struct {
	m        *orchestrator.Manager
	st       *store.Store
	q        *queue.Queue
	states   *sessionstate.Manager
	term     *terminaltest.Fake
	verdicts *verdicts
	mail     *mailer
	health   healthFunc
	root     string
	now      time.Time
	waits    int
}

func newFixture(t *testing.T, maxConcurrent int) *fixture {
	t.Helper()
	ctx := context.Background()
	root := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	f := &fixture{
		st:       st,
		term:     terminaltest.New(),
		verdicts: &verdicts{byID: make(map[int64]completion.Verdict)},
		mail:     &mailer{},
		root:     root,
		now:      base,
	}
	f.health = func(session string) health.Report { return health.Report{Session: session} }
	clock := func() time.Time { return f.now }
	st.SetClock(clock)

	f.states = sessionstate.NewManager(filepath.Join(root, "state"), filepath.Join(root, "quarantine"),
		lock.NewKeyedLocker(filepath.Join(root, "locks")), nil)
	f.q = queue.New(st, f.states, nil, nil, queue.Config{MaxConcurrent: maxConcurrent}, nil)
	sched := scheduler.New(st, f.term, f.states, nil, scheduler.Config{}, nil)
	sched.SetClock(clock)
	handler := failure.New(failure.Deps{Store: st, Term: f.term, States: f.states},
		failure.Config{ReportsDir: filepath.Join(root, "reports")}, nil)
	handler.SetClock(clock)
	handler.SetSleeper(func(context.Context, time.Duration) error { return nil })

	f.m = orchestrator.New(orchestrator.Deps{
		Store:      st,
		Queue:      f.q,
		Scheduler:  sched,
		Health:     healthFunc(func(s string) health.Report { return f.health(s) }),
		Completion: f.verdicts,
		Failure:    handler,
		Term:       f.term,
		States:     f.states,
		Mailer:     f.mail,
	}, orchestrator.Config{
		WorkerStartCommand: "claude",
		StartupGrace:       10 * time.Second,
		TimeoutMultiplier:  2,
	}, nil)
	f.m.SetClock(clock)
	f.m.SetSleeper(func(context.Context, time.Duration) error { f.waits++; return nil })
	return f
}

func (f *fixture) submit(t *testing.T, hours float64, specs ...string) []int64 {
	t.Helper()
	subs := make([]queue.Submission, len(specs))
	for i, s := range specs {
		subs[i] = queue.Submission{SpecPath: s, WorkspacePath: filepath.Join(f.root, "ws", filepath.Base(s)), EstimatedHours: hours}
	}
	_, ids, err := f.q.Submit(context.Background(), subs)
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	return ids
}

func (f *fixture) project(t *testing.T, id int64) *protocol.Project {
	t.Helper()
	p, err := f.st.GetProject(context.Background(), id)
	if err != nil {
		t.Fatal(err)
	}
	return p
}

func (f *fixture) start(t *testing.T) *protocol.Project {
	t.Helper()
	p, err := f.m.StartNext(context.Background())
	if err != nil || p == nil {
		t.Fatalf("StartNext = %v, %v", p, err)
	}
	return p
}

func TestStartNextBuildsTeam(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/ledger.md")
	ctx := context.Background()

	p := f.start(t)
	if p.SessionName != "foreman-1" {
		t.Fatalf("session = %q", p.SessionName)
	}
	if got := f.project(t, p.ID); got.Status != protocol.StatusProcessing || got.SessionName != "foreman-1" {
		t.Errorf("row = %s/%q", got.Status, got.SessionName)
	}
	windows, err := f.term.ListWindows(ctx, "foreman-1")
	if err != nil {
		t.Fatal(err)
	}
	if len(windows) != len(role.All()) {
		t.Errorf("windows = %d, want %d", len(windows), len(role.All()))
	}

	st, err := f.states.Get(ctx, "foreman-1")
	if err != nil {
		t.Fatal(err)
	}
	if st.ProjectName != "ledger" || st.ProjectID != p.ID || len(st.Agents) != len(role.All()) {
		t.Errorf("state = %+v", st)
	}
	if a := st.Agents[string(role.Developer)]; a.Window != 2 || !a.Alive {
		t.Errorf("developer = %+v", a)
	}

	tasks, err := f.st.PendingTasks(ctx, "foreman-1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(tasks) != len(role.All()) {
		t.Errorf("tasks = %d", len(tasks))
	}
	pane := f.term.Pane("foreman-1:0")
	if len(pane.Sent) != 2 || pane.Sent[0] != "claude" || !strings.Contains(pane.Sent[1], "orchestrator for ledger") {
		t.Errorf("orchestrator pane got %q", pane.Sent)
	}
	if f.waits != 1 {
		t.Errorf("startup waits = %d, want 1", f.waits)
	}
}

func TestStartNextHonoursConcurrencyLimit(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md", "/specs/b.md")

	started := f.m.FillSlots(context.Background())
	if len(started) != 1 {
		t.Fatalf("started = %v, want one project", started)
	}
	p, err := f.m.StartNext(context.Background())
	if err != nil || p != nil {
		t.Errorf("StartNext at limit = %v, %v", p, err)
	}
}

func TestStartFailureHandedToFailureHandler(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ids := f.submit(t, 2, "/specs/a.md")
	f.term.Err = errors.New("no server running")

	p, err := f.m.StartNext(context.Background())
	if p == nil || err == nil {
		t.Fatalf("StartNext = %v, %v; want project and error", p, err)
	}
	got := f.project(t, ids[0])
	if got.Status != protocol.StatusFailed || !strings.Contains(got.ErrorMessage, failure.ReasonStartFailure) {
		t.Errorf("row = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestCompletedProjectSettlesAndStartsNext(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	ids := f.submit(t, 2, "/specs/a.md", "/specs/b.md")
	ctx := context.Background()
	p := f.start(t)
	f.verdicts.set(p.ID, completion.Verdict{Status: completion.StatusCompleted, Signal: completion.SignalMarker, Reason: "marker present"})

	res, err := f.m.MonitorOnce(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Action != orchestrator.ActionCompleted || res[0].Err != nil {
		t.Fatalf("results = %+v", res)
	}
	if got := f.project(t, ids[0]); got.Status != protocol.StatusCompleted {
		t.Errorf("first project = %s", got.Status)
	}
	if f.term.Exists("foreman-1") {
		t.Error("completed session still present")
	}
	if tasks, _ := f.st.PendingTasks(ctx, "foreman-1", ""); len(tasks) != 0 {
		t.Errorf("tasks left = %d", len(tasks))
	}
	st, err := f.states.Get(ctx, "foreman-1")
	if err != nil || st.CompletionStatus != sessionstate.CompletionCompleted {
		t.Errorf("state = %v, %v", st, err)
	}
	if next := f.project(t, ids[1]); next.Status != protocol.StatusProcessing || !f.term.Exists(next.SessionName) {
		t.Errorf("next project = %s session=%q", next.Status, next.SessionName)
	}
	if len(f.mail.subjects) != 1 {
		t.Errorf("emails = %v", f.mail.subjects)
	}
}

func TestCompleteIsIdempotent(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md")
	p := f.start(t)

	for range 2 {
		if err := f.m.Complete(context.Background(), *p, "marker present"); err != nil {
			t.Fatal(err)
		}
	}
	if len(f.mail.subjects) != 1 {
		t.Errorf("emails = %d, want 1", len(f.mail.subjects))
	}
}

func TestLivenessFailureReportsAgentsStuck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md")
	p := f.start(t)
	f.verdicts.set(p.ID, completion.Verdict{Status: completion.StatusFailed, Signal: completion.SignalLiveness, Reason: "all agents stuck"})

	res, _ := f.m.MonitorOnce(context.Background())
	if len(res) != 1 || res[0].Action != orchestrator.ActionFailed {
		t.Fatalf("results = %+v", res)
	}
	st, err := f.states.Get(context.Background(), p.SessionName)
	if err != nil {
		t.Fatal(err)
	}
	if st.FailureReason != failure.ReasonAgentsStuck {
		t.Errorf("reason = %q", st.FailureReason)
	}
	if f.project(t, p.ID).Status != protocol.StatusFailed {
		t.Error("project not failed")
	}
}

func TestTimeoutFailsBeforeCompletionCheck(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 1, "/specs/a.md")
	p := f.start(t)
	f.now = base.Add(2*time.Hour + time.Minute)

	res, _ := f.m.MonitorOnce(context.Background())
	if len(res) != 1 || res[0].Action != orchestrator.ActionTimedOut {
		t.Fatalf("results = %+v", res)
	}
	if f.verdicts.count() != 0 {
		t.Error("completion checked after timeout")
	}
	st, _ := f.states.Get(context.Background(), p.SessionName)
	if st == nil || st.FailureReason != failure.ReasonTimeout {
		t.Errorf("state = %+v", st)
	}
}

func TestTimeoutUsesDefaultEstimate(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	if got := f.m.Timeout(protocol.Project{}); got != 8*time.Hour {
		t.Errorf("Timeout = %s, want 8h", got)
	}
	if got := f.m.Timeout(protocol.Project{EstimatedHours: 1.5}); got != 3*time.Hour {
		t.Errorf("Timeout = %s, want 3h", got)
	}
}

func TestVanishedSessionFails(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md")
	p := f.start(t)
	if err := f.term.KillSession(context.Background(), p.SessionName); err != nil {
		t.Fatal(err)
	}

	res, _ := f.m.MonitorOnce(context.Background())
	if len(res) != 1 || res[0].Action != orchestrator.ActionFailed {
		t.Fatalf("results = %+v", res)
	}
	if got := f.project(t, p.ID); got.Status != protocol.StatusFailed || !strings.Contains(got.ErrorMessage, "session no longer exists") {
		t.Errorf("row = %s %q", got.Status, got.ErrorMessage)
	}
}

func TestTooEarlyVerdictLeavesProjectAlone(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md")
	p := f.start(t)
	_ = f.term.KillSession(context.Background(), p.SessionName)
	f.verdicts.set(p.ID, completion.Verdict{Status: completion.StatusProcessing, Signal: completion.SignalTooEarly})

	res, _ := f.m.MonitorOnce(context.Background())
	if len(res) != 1 || res[0].Action != orchestrator.ActionNone {
		t.Fatalf("results = %+v", res)
	}
	if f.project(t, p.ID).Status != protocol.StatusProcessing {
		t.Error("project settled during grace period")
	}
}

func TestCreditExhaustionPausesProject(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md")
	p := f.start(t)
	f.health = func(session string) health.Report {
		return health.Report{Session: session, Agents: []health.AgentHealth{
			{Role: "orchestrator", CreditsExhausted: true},
			{Role: "developer", CreditsExhausted: true},
		}}
	}

	res, err := f.m.HealthOnce(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(res) != 1 || res[0].Action != orchestrator.ActionPaused {
		t.Fatalf("results = %+v", res)
	}
	if got := f.project(t, p.ID).Status; got != protocol.StatusCreditPaused {
		t.Errorf("status = %s", got)
	}

	// Paused projects are still checked so their credit flags can clear.
	res, _ = f.m.HealthOnce(context.Background())
	if len(res) != 1 || res[0].Action != orchestrator.ActionNone {
		t.Errorf("second pass = %+v", res)
	}
}

func TestPartialExhaustionKeepsRunning(t *testing.T) {
	t.Parallel()
	f := newFixture(t, 1)
	f.submit(t, 2, "/specs/a.md")
	p := f.start(t)
	f.health = func(session string) health.Report {
		return health.Report{Session: session, Agents: []health.AgentHealth{
			{Role: "orchestrator", CreditsExhausted: true},
			{Role: "developer"},
		}}
	}
	if _, err := f.m.HealthOnce(context.Background()); err != nil {
		t.Fatal(err)
	}
	if got := f.project(t, p.ID).Status; got != protocol.StatusProcessing {
		t.Errorf("status = %s", got)
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	root := t.TempDir()
	st, err := store.Open(ctx, filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = st.Close() })
	if _, _, err := st.EnqueueProject(ctx, store.EnqueueRequest{SpecPath: "/specs/a.md"}); err != nil {
		t.Fatal(err)
	}
	p, err := st.DequeueNextProject(ctx, 1)
	if err != nil || p == nil {
		t.Fatalf("dequeue: %v %v", p, err)
	}
	if err := st.SetSessionName(ctx, p.ID, p.DefaultSessionName()); err != nil {
		t.Fatal(err)
	}

	term := terminaltest.New()
	term.AddSession(p.DefaultSessionName(), nil)
	states := sessionstate.NewManager(filepath.Join(root, "state"), filepath.Join(root, "q"), lock.NewKeyedLocker(filepath.Join(root, "locks")), nil)
	v := &verdicts{byID: make(map[int64]completion.Verdict)}
	m := orchestrator.New(orchestrator.Deps{
		Store:      st,
		Queue:      queue.New(st, states, nil, nil, queue.Config{MaxConcurrent: 1}, nil),
		Scheduler:  scheduler.New(st, term, states, nil, scheduler.Config{}, nil),
		Health:     healthFunc(func(s string) health.Report { return health.Report{Session: s} }),
		Completion: v,
		Failure:    failure.New(failure.Deps{Store: st, Term: term, States: states}, failure.Config{}, nil),
		Term:       term,
		States:     states,
	}, orchestrator.Config{
		PollInterval:       5 * time.Millisecond,
		HealthInterval:     5 * time.Millisecond,
		CompletionInterval: 5 * time.Millisecond,
		BatchSweep:         5 * time.Millisecond,
		MarkersDir:         filepath.Join(root, "markers-missing"),
	}, nil)

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() { done <- m.Run(runCtx) }()

	deadline := time.Now().Add(5 * time.Second)
	for v.count() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if v.count() < 2 {
		t.Errorf("completion checks = %d, want at least 2", v.count())
	}
}
