package main

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"foreman/pkg/config"
	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"
)

func TestLogsShowsCLIEvents(t *testing.T) {
	isolatedHome(t)
	spec := writeSpec(t, "logged.md")
	if _, _, err := executeCommand("enqueue", "--spec", spec); err != nil {
		t.Fatal(err)
	}
	if _, _, err := executeCommand("reset-project", "1", "--force"); err != nil {
		t.Fatalf("reset-project: %v", err)
	}

	out, _, err := executeCommand("logs")
	if err != nil {
		t.Fatalf("logs: %v", err)
	}
	if !containsAll(out, "project_reset", "cli", `"project":1`) {
		t.Errorf("unexpected logs output:\n%s", out)
	}

	out, _, err = executeCommand("logs", "--type", "no_such_event")
	if err != nil {
		t.Fatalf("logs --type: %v", err)
	}
	if !contains(out, "no events found") {
		t.Errorf("expected empty result, got:\n%s", out)
	}
}

func TestLogsFailures(t *testing.T) {
	home := isolatedHome(t)

	out, _, err := executeCommand("logs", "--failures")
	if err != nil {
		t.Fatalf("logs --failures: %v", err)
	}
	if !contains(out, "no failures recorded") {
		t.Errorf("expected empty history, got:\n%s", out)
	}

	cfg, err := config.LoadFrom(home)
	if err != nil {
		t.Fatal(err)
	}
	history := eventlog.NewFailureLog(filepath.Join(cfg.Paths.LogsDir, protocol.FailureHistoryFile))
	for i, reason := range []string{"timeout", "agents_stuck", "start_failure"} {
		if err := history.Append(eventlog.FailureRecord{
			Timestamp: time.Date(2026, 1, 2, 3, i, 0, 0, time.UTC),
			ProjectID: int64(i + 1),
			Session:   "foreman-" + string(rune('1'+i)),
			Reason:    reason,
		}); err != nil {
			t.Fatal(err)
		}
	}

	out, _, err = executeCommand("logs", "--failures", "--tail", "2")
	if err != nil {
		t.Fatalf("logs --failures: %v", err)
	}
	if strings.Contains(out, "timeout") {
		t.Errorf("--tail 2 should drop the oldest record, got:\n%s", out)
	}
	if !containsAll(out, "agents_stuck", "start_failure", "project 3") {
		t.Errorf("unexpected failure output:\n%s", out)
	}
}

func TestFormatEvent(t *testing.T) {
	var buf bytes.Buffer
	formatEvent(&buf, eventlog.Event{
		Type:      "agent_nudged",
		Source:    "health",
		Session:   "foreman-4",
		Role:      "developer",
		Payload:   `{"attempt":2}`,
		CreatedAt: time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC),
	})
	if !containsAll(buf.String(), "agent_nudged", "health", "foreman-4/developer", `{"attempt":2}`) {
		t.Errorf("formatEvent = %q", buf.String())
	}

	buf.Reset()
	formatEvent(&buf, eventlog.Event{Type: "daemon_started", Source: "daemon"})
	if !contains(buf.String(), " -") {
		t.Errorf("empty subject should render as dash: %q", buf.String())
	}
}
