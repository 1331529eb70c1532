package terminal

import (
	"context"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Process is one row of the host process table.
type Process struct {
	PID  int
	PPID int
	Args string
}

// ProcessScanner infers worker liveness from the host process list: a worker
// is present in a window when a descendant of one of the window's pane
// processes has a command line referencing the worker binary.
type ProcessScanner struct {
	Runner  CommandRunner
	Timeout time.Duration
}

// NewProcessScanner returns a scanner backed by ps(1).
func NewProcessScanner() *ProcessScanner {
	return &ProcessScanner{Runner: &ExecCommandRunner{}}
}

// List returns the current process table.
func (p *ProcessScanner) List(ctx context.Context) ([]Process, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := p.Runner.Run(ctx, "ps", "-eo", "pid=,ppid=,args=")
	if err != nil {
		return nil, fmt.Errorf("ps: %w", err)
	}
	return ParsePS(string(out)), nil
}

// ParsePS parses `ps -eo pid=,ppid=,args=` output, skipping malformed lines.
func ParsePS(out string) []Process {
	var procs []Process
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 3 {
			continue
		}
		pid, err1 := strconv.Atoi(fields[0])
		ppid, err2 := strconv.Atoi(fields[1])
		if err1 != nil || err2 != nil {
			continue
		}
		procs = append(procs, Process{PID: pid, PPID: ppid, Args: strings.Join(fields[2:], " ")})
	}
	return procs
}

// WorkerUnder reports whether any process rooted at one of roots (inclusive)
// runs binary.
func WorkerUnder(procs []Process, roots []int, binary string) bool {
	children := make(map[int][]Process, len(procs))
	byPID := make(map[int]Process, len(procs))
	for _, p := range procs {
		children[p.PPID] = append(children[p.PPID], p)
		byPID[p.PID] = p
	}
	seen := make(map[int]bool)
	stack := append([]int(nil), roots...)
	for len(stack) > 0 {
		pid := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if seen[pid] {
			continue
		}
		seen[pid] = true
		if p, ok := byPID[pid]; ok && runsBinary(p.Args, binary) {
			return true
		}
		for _, c := range children[pid] {
			stack = append(stack, c.PID)
		}
	}
	return false
}

// runsBinary matches binary against the executable and its first argument,
// so both `claude ...` and `node /usr/lib/claude/cli.js` count.
func runsBinary(args, binary string) bool {
	fields := strings.Fields(args)
	for i, f := range fields {
		if i > 1 {
			break
		}
		base := filepath.Base(f)
		if base == binary || strings.HasPrefix(base, binary+".") || strings.Contains(f, "/"+binary+"/") {
			return true
		}
	}
	return false
}

// WorkerPresent reports whether the worker binary runs in target's panes.
func (p *ProcessScanner) WorkerPresent(ctx context.Context, term SessionTerminal, target, binary string) (bool, error) {
	roots, err := term.PanePIDs(ctx, target)
	if err != nil {
		return false, err
	}
	procs, err := p.List(ctx)
	if err != nil {
		return false, err
	}
	return WorkerUnder(procs, roots, binary), nil
}

// WorkerProbe binds a scanner to a terminal and worker binary.
type WorkerProbe struct {
	Scanner *ProcessScanner
	Term    SessionTerminal
	Binary  string
}

// WorkerPresent reports whether the worker binary runs in target's panes.
func (w WorkerProbe) WorkerPresent(ctx context.Context, target string) (bool, error) {
	return w.Scanner.WorkerPresent(ctx, w.Term, target, w.Binary)
}
