package eventlog_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

func TestSchedulingLogRingIsBounded(t *testing.T) {
	t.Parallel()
	l := eventlog.NewSchedulingLog("", 3, nil)
	for i := range 5 {
		if _, err := l.Append(eventlog.SchedulingEvent{
			Session: "s", Role: "developer", Type: protocol.EventScheduled,
			IntervalMinutes: i + 1, Timestamp: base.Add(time.Duration(i) * time.Minute),
		}); err != nil {
			t.Fatal(err)
		}
	}
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}
	got := l.Since(time.Time{})
	if got[0].IntervalMinutes != 3 || got[2].IntervalMinutes != 5 {
		t.Errorf("ring order = %+v", got)
	}
	if recent := l.Since(base.Add(4 * time.Minute)); len(recent) != 1 {
		t.Errorf("Since = %d events, want 1", len(recent))
	}
}

func TestSchedulingLogAssignsIDs(t *testing.T) {
	t.Parallel()
	l := eventlog.NewSchedulingLog("", 10, nil)
	l.SetClock(func() time.Time { return base })
	a, _ := l.Append(eventlog.SchedulingEvent{Session: "s", Role: "r"})
	b, _ := l.Append(eventlog.SchedulingEvent{Session: "s", Role: "r"})
	if a.ID == "" || a.ID == b.ID {
		t.Errorf("ids = %q, %q", a.ID, b.ID)
	}
	if !a.Timestamp.Equal(base) {
		t.Errorf("timestamp = %v", a.Timestamp)
	}
	if a.AgentKey() != "s/r" {
		t.Errorf("AgentKey = %q", a.AgentKey())
	}
}

func TestSchedulingLogReplaySkipsCorruptLines(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "logs", "scheduling_events.jsonl")
	w := eventlog.NewSchedulingLog(path, 10, nil)
	for i := range 3 {
		if _, err := w.Append(eventlog.SchedulingEvent{
			Session: "s", Role: "developer", Type: protocol.EventRescheduled,
			Timestamp: base.Add(time.Duration(i) * time.Hour),
		}); err != nil {
			t.Fatal(err)
		}
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	_, _ = f.WriteString("{truncated\n")
	_ = f.Close()

	r := eventlog.NewSchedulingLog(path, 10, nil)
	n, err := r.Replay(base.Add(30 * time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 || r.Len() != 2 {
		t.Errorf("replayed %d (Len %d), want 2", n, r.Len())
	}
}

func TestFailureLog(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "failure_history.jsonl")
	fl := eventlog.NewFailureLog(path)
	if err := fl.Append(eventlog.FailureRecord{ProjectID: 1, Reason: "timeout", Duration: 8 * time.Hour}); err != nil {
		t.Fatal(err)
	}
	if err := fl.Append(eventlog.FailureRecord{ProjectID: 2, Reason: "all_agents_stuck"}); err != nil {
		t.Fatal(err)
	}
	recs, skipped, err := fl.ReadAll()
	if err != nil || skipped != 0 {
		t.Fatalf("ReadAll: %v skipped=%d", err, skipped)
	}
	if len(recs) != 2 || recs[0].Duration != 8*time.Hour || recs[1].Reason != "all_agents_stuck" {
		t.Errorf("records = %+v", recs)
	}

	empty := eventlog.NewFailureLog(filepath.Join(t.TempDir(), "none.jsonl"))
	if recs, _, err := empty.ReadAll(); err != nil || len(recs) != 0 {
		t.Errorf("missing log = %v, %v", recs, err)
	}
}
