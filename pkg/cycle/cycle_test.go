package cycle_test

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
	"time"

	"foreman/pkg/cycle"
	"foreman/pkg/eventlog"
	"foreman/pkg/lock"
	"foreman/pkg/protocol"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
)

const session = "foreman-7"

var base = time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC)

type fakeEscalator struct {
	calls  int
	agents []string
}

func (f *fakeEscalator) Escalate(_ context.Context, _, _ string, agents []string) error {
	f.calls++
	f.agents = agents
	return nil
}

type harness struct {
	det   *cycle.Detector
	st    *store.Store
	deps  *sessionstate.Manager
	esc   *fakeEscalator
	now   time.Time
	path  string
	clock func() time.Time
}

func newHarness(t *testing.T, withDeps bool) *harness {
	t.Helper()
	root := t.TempDir()
	st, err := store.Open(context.Background(), filepath.Join(root, "state.db"))
	if err != nil {
		t.Fatalf("store.Open: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	h := &harness{st: st, esc: &fakeEscalator{}, now: base, path: filepath.Join(root, "sched.jsonl")}
	h.clock = func() time.Time { return h.now }

	var deps cycle.DependencyGraph
	if withDeps {
		h.deps = sessionstate.NewManager(filepath.Join(root, "state"), filepath.Join(root, "quarantine"),
			lock.NewKeyedLocker(filepath.Join(root, "locks")), nil)
		deps = h.deps
	}
	h.det = cycle.New(eventlog.NewSchedulingLog(h.path, 500, nil), st, deps, h.esc, cycle.Config{}, nil)
	h.det.SetClock(h.clock)
	return h
}

func (h *harness) record(t *testing.T, ev eventlog.SchedulingEvent) []cycle.Outcome {
	t.Helper()
	if ev.Session == "" {
		ev.Session = session
	}
	return h.det.Record(context.Background(), ev)
}

func (h *harness) addTask(t *testing.T, agentRole string, interval int) int64 {
	t.Helper()
	id, err := h.st.InsertTask(context.Background(), protocol.ScheduledTask{
		SessionName: session, AgentRole: agentRole, NextRun: h.now.Add(time.Hour), IntervalMinutes: interval,
	})
	if err != nil {
		t.Fatalf("InsertTask: %v", err)
	}
	return id
}

func findKind(outs []cycle.Outcome, k cycle.Kind) (cycle.Outcome, bool) {
	for _, o := range outs {
		if o.Cycle.Kind == k {
			return o, true
		}
	}
	return cycle.Outcome{}, false
}

func TestRapidRescheduleCancelsPendingTasks(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	h.addTask(t, "developer", 30)
	h.addTask(t, "developer", 45)
	h.addTask(t, "tester", 30)

	for i := range 9 {
		outs := h.record(t, eventlog.SchedulingEvent{Role: "developer", Window: 2, Type: protocol.EventRescheduled, IntervalMinutes: i + 1})
		if _, ok := findKind(outs, cycle.KindRapidReschedule); ok {
			t.Fatalf("rapid cycle reported after %d events", i+1)
		}
		h.now = h.now.Add(time.Minute)
	}
	outs := h.record(t, eventlog.SchedulingEvent{Role: "developer", Window: 2, Type: protocol.EventRescheduled, IntervalMinutes: 10})
	out, ok := findKind(outs, cycle.KindRapidReschedule)
	if !ok {
		t.Fatalf("outcomes = %+v, want rapid_reschedule_cycle", outs)
	}
	if !out.Success || out.Cycle.Remedy != cycle.RemedyCancelTasks || out.Cycle.Count != 10 {
		t.Errorf("outcome = %+v", out)
	}

	dev, err := h.st.PendingTasks(ctx, session, "developer")
	if err != nil {
		t.Fatal(err)
	}
	if len(dev) != 0 {
		t.Errorf("developer pending tasks = %d, want 0", len(dev))
	}
	tester, _ := h.st.PendingTasks(ctx, session, "tester")
	if len(tester) != 1 {
		t.Errorf("tester pending tasks = %d, want 1", len(tester))
	}
	n, err := h.st.CountEvents(ctx, cycle.EventType, session, time.Time{})
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("cycle_remedy events = %d, want 1", n)
	}

	// The remedy resets the counter: one more reschedule is not a new cycle.
	outs = h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventRescheduled, IntervalMinutes: 11})
	if _, ok := findKind(outs, cycle.KindRapidReschedule); ok {
		t.Error("remedy applied twice for the same cycle")
	}
}

func TestRapidRescheduleOutsideWindowIgnored(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	for i := range 10 {
		outs := h.record(t, eventlog.SchedulingEvent{Role: "tester", Type: protocol.EventRescheduled, IntervalMinutes: i + 1})
		if _, ok := findKind(outs, cycle.KindRapidReschedule); ok {
			t.Fatalf("rapid cycle reported for events spread over %s", time.Duration(i)*2*time.Minute)
		}
		h.now = h.now.Add(2 * time.Minute)
	}
}

func TestRemedyDedupSurvivesReplay(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	for range 10 {
		h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventRescheduled})
		h.now = h.now.Add(30 * time.Second)
	}

	replayed := eventlog.NewSchedulingLog(h.path, 500, nil)
	replayed.SetClock(h.clock)
	if _, err := replayed.Replay(h.now.Add(-time.Hour)); err != nil {
		t.Fatalf("Replay: %v", err)
	}
	det := cycle.New(replayed, h.st, nil, nil, cycle.Config{}, nil)
	det.SetClock(h.clock)
	outs := det.Record(context.Background(), eventlog.SchedulingEvent{Session: session, Role: "developer", Type: protocol.EventRescheduled})
	if len(outs) != 0 {
		t.Errorf("outcomes after replay = %+v, want none", outs)
	}
	if got := det.Stats(session).Remedies[cycle.KindRapidReschedule]; got != 1 {
		t.Errorf("replayed rapid remedies = %d, want 1", got)
	}
}

func TestFixedIntervalPerturbsInterval(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	ctx := context.Background()
	id := h.addTask(t, "orchestrator", 15)
	other := h.addTask(t, "orchestrator", 20)
	h.det.SetRand(func(n int) int { return n - 1 })

	var outs []cycle.Outcome
	for range 5 {
		outs = h.record(t, eventlog.SchedulingEvent{Role: "orchestrator", Type: protocol.EventScheduled, IntervalMinutes: 15})
		h.now = h.now.Add(15 * time.Minute)
	}
	out, ok := findKind(outs, cycle.KindFixedInterval)
	if !ok {
		t.Fatalf("outcomes = %+v, want fixed_interval_cycle", outs)
	}
	if !out.Success || out.Cycle.Interval != 15 {
		t.Errorf("outcome = %+v", out)
	}

	task, _, err := h.st.GetTask(ctx, id)
	if err != nil {
		t.Fatal(err)
	}
	if task.IntervalMinutes != 18 {
		t.Errorf("interval = %d, want 18", task.IntervalMinutes)
	}
	untouched, _, _ := h.st.GetTask(ctx, other)
	if untouched.IntervalMinutes != 20 {
		t.Errorf("task with a different interval changed to %d", untouched.IntervalMinutes)
	}
}

func TestPerturbNeverDropsBelowOneMinute(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	id := h.addTask(t, "developer", 1)
	h.det.SetRand(func(int) int { return 0 })

	for range 5 {
		h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventScheduled, IntervalMinutes: 1})
	}
	task, _, _ := h.st.GetTask(context.Background(), id)
	if task.IntervalMinutes != 2 {
		t.Errorf("interval = %d, want 2", task.IntervalMinutes)
	}
}

func TestEmergencyOscillationEscalates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)

	h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventEmergencyScheduled})
	h.record(t, eventlog.SchedulingEvent{Role: "tester", Type: protocol.EventEmergencyScheduled})
	if h.esc.calls != 0 {
		t.Fatal("escalated below the minimum emergency count")
	}
	outs := h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventEmergencyScheduled})
	out, ok := findKind(outs, cycle.KindEmergencyRecovery)
	if !ok || !out.Success || out.Cycle.Remedy != cycle.RemedyEscalate {
		t.Fatalf("outcomes = %+v", outs)
	}
	if h.esc.calls != 1 || !slices.Equal(h.esc.agents, []string{"developer", "tester"}) {
		t.Errorf("escalations = %d agents = %v", h.esc.calls, h.esc.agents)
	}
}

func TestEmergencyBalancedByRecoveriesIsNotACycle(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	for _, typ := range []protocol.SchedulingEventType{
		protocol.EventEmergencyScheduled, protocol.EventRecovery,
		protocol.EventEmergencyScheduled, protocol.EventRecovery,
		protocol.EventEmergencyScheduled, protocol.EventEmergencyScheduled,
	} {
		h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: typ})
	}
	if h.esc.calls != 0 {
		t.Errorf("escalated with 4 emergencies and 2 recoveries")
	}
}

func TestDependencyCycleFromSessionState(t *testing.T) {
	t.Parallel()
	h := newHarness(t, true)
	ctx := context.Background()
	err := h.deps.Update(ctx, session, func(st *sessionstate.State) error {
		st.Agent("developer").WaitingFor = &sessionstate.Authorization{Agent: "tester", RequestedAt: base}
		st.Agent("tester").WaitingFor = &sessionstate.Authorization{Agent: "project_manager", RequestedAt: base}
		st.Agent("project_manager").WaitingFor = &sessionstate.Authorization{Agent: "developer", RequestedAt: base}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	outs := h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventScheduled, IntervalMinutes: 30})
	out, ok := findKind(outs, cycle.KindDependency)
	if !ok || !out.Success {
		t.Fatalf("outcomes = %+v, want dependency_cycle", outs)
	}
	want := []string{"developer", "tester", "project_manager", "developer"}
	if !slices.Equal(out.Cycle.Path, want) {
		t.Errorf("path = %v, want %v", out.Cycle.Path, want)
	}

	g, err := h.deps.WaitGraph(ctx, session)
	if err != nil {
		t.Fatal(err)
	}
	if len(g) != 0 {
		t.Errorf("wait graph after remedy = %v, want empty", g)
	}
}

func TestDependencyCycleFromNotes(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	outs := h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventScheduled, Note: "Waiting for tester sign-off"})
	if len(outs) != 0 {
		t.Fatalf("outcomes = %+v, want none", outs)
	}
	outs = h.record(t, eventlog.SchedulingEvent{Role: "tester", Type: protocol.EventScheduled, Note: "blocked: waiting on the developer to push"})
	if _, ok := findKind(outs, cycle.KindDependency); !ok {
		t.Fatalf("outcomes = %+v, want dependency_cycle", outs)
	}
	outs = h.record(t, eventlog.SchedulingEvent{Role: "tester", Type: protocol.EventScheduled, Note: "still waiting on the developer"})
	if _, ok := findKind(outs, cycle.KindDependency); ok {
		t.Error("notes recorded before the remedy still form a cycle")
	}
}

func TestStatsCountsRemediesPerSession(t *testing.T) {
	t.Parallel()
	h := newHarness(t, false)
	for range 3 {
		h.record(t, eventlog.SchedulingEvent{Role: "developer", Type: protocol.EventEmergencyScheduled})
	}
	h.record(t, eventlog.SchedulingEvent{Session: "foreman-8", Role: "developer", Type: protocol.EventScheduled})

	st := h.det.Stats(session)
	if st.Remedies[cycle.KindEmergencyRecovery] != 1 {
		t.Errorf("remedies = %v", st.Remedies)
	}
	if st.Events != 4 {
		t.Errorf("events = %d, want 4", st.Events)
	}
	if !st.Last.Equal(base) {
		t.Errorf("last = %v, want %v", st.Last, base)
	}
	if all := h.det.Stats(""); all.Events != 5 {
		t.Errorf("all events = %d, want 5", all.Events)
	}
}

func TestFindCycle(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		graph map[string][]string
		want  []string
	}{
		{"empty", map[string][]string{}, nil},
		{"chain", map[string][]string{"a": {"b"}, "b": {"c"}}, nil},
		{"pair", map[string][]string{"a": {"b"}, "b": {"a"}}, []string{"a", "b", "a"}},
		{"tail into loop", map[string][]string{"a": {"b"}, "b": {"c"}, "c": {"b"}}, []string{"b", "c", "b"}},
		{"self", map[string][]string{"x": {"x"}}, []string{"x", "x"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := cycle.FindCycle(tt.graph); !slices.Equal(got, tt.want) {
				t.Errorf("FindCycle = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWaitingFor(t *testing.T) {
	t.Parallel()
	tests := []struct {
		note string
		want string
		ok   bool
	}{
		{"waiting for tester", "tester", true},
		{"Waiting on the Project Manager to approve", "project_manager", true},
		{"waiting for project-manager", "project_manager", true},
		{"waiting for tests to finish", "", false},
		{"all good", "", false},
	}
	for _, tt := range tests {
		got, ok := cycle.WaitingFor(tt.note)
		if got != tt.want || ok != tt.ok {
			t.Errorf("WaitingFor(%q) = %q, %v; want %q, %v", tt.note, got, ok, tt.want, tt.ok)
		}
	}
}
