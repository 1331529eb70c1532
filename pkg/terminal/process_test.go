package terminal

import (
	"context"
	"testing"
)

const psFixture = `    1     0 /sbin/init
  100     1 tmux new-session -d -s foreman-1
  200   100 -zsh
  201   200 node /usr/local/lib/node_modules/claude/cli.js --dangerously-skip-permissions
  300   100 -zsh
  301   300 vim notes.md
  400     1 claude --version
garbage line
`

func TestParsePS(t *testing.T) {
	t.Parallel()
	procs := ParsePS(psFixture)
	if len(procs) != 7 {
		t.Fatalf("parsed %d processes, want 7", len(procs))
	}
	if procs[3].PID != 201 || procs[3].PPID != 200 {
		t.Errorf("proc[3] = %+v", procs[3])
	}
}

func TestWorkerUnder(t *testing.T) {
	t.Parallel()
	procs := ParsePS(psFixture)
	tests := []struct {
		name  string
		roots []int
		want  bool
	}{
		{"worker in pane", []int{200}, true},
		{"editor only", []int{300}, false},
		{"unknown pane", []int{999}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := WorkerUnder(procs, tt.roots, "claude"); got != tt.want {
				t.Errorf("WorkerUnder(%v) = %v, want %v", tt.roots, got, tt.want)
			}
		})
	}
}

func TestWorkerPresent(t *testing.T) {
	t.Parallel()
	f := newFakeCmd()
	f.output[key("ps", "-eo", "pid=,ppid=,args=")] = psFixture
	f.output[key("tmux", "list-panes", "-t", "foreman-1:2", "-F", "#{pane_pid}")] = "200\n"
	scanner := &ProcessScanner{Runner: f}

	ok, err := scanner.WorkerPresent(context.Background(), newTestTmux(f), "foreman-1:2", "claude")
	if err != nil || !ok {
		t.Errorf("WorkerPresent = %v, %v", ok, err)
	}
}
