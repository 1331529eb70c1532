package terminal

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/protocol"
)

const (
	defaultCallTimeout = 10 * time.Second
	// sendKeysDebounce is the delay between pasting text and pressing Enter so
	// the worker's TUI renders the pasted input first.
	sendKeysDebounce = 500 * time.Millisecond
	enterRetries     = 3
	pasteBuffer      = "foreman-send"
)

// Tmux implements SessionTerminal by shelling out to tmux. Every call runs
// under its own timeout so a hung tmux server degrades one operation only.
type Tmux struct {
	Runner      CommandRunner
	CallTimeout time.Duration       // 0 means defaultCallTimeout
	Sleeper     func(time.Duration) // optional; overrides time.Sleep for testing
}

// NewTmux returns a Tmux backed by os/exec.
func NewTmux() *Tmux {
	return &Tmux{Runner: &ExecCommandRunner{}}
}

func (t *Tmux) sleep(d time.Duration) {
	if t.Sleeper != nil {
		t.Sleeper(d)
		return
	}
	time.Sleep(d)
}

func (t *Tmux) run(ctx context.Context, args ...string) (string, error) {
	timeout := t.CallTimeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := t.Runner.Run(ctx, "tmux", args...)
	if err != nil {
		if isAbsent(err) {
			return "", fmt.Errorf("%w: %v", protocol.ErrSessionAbsent, err)
		}
		return "", err
	}
	return strings.TrimRight(string(out), "\n"), nil
}

// isAbsent matches tmux's messages for a missing session, window or server.
func isAbsent(err error) bool {
	msg := err.Error()
	for _, s := range []string{
		"can't find session",
		"can't find window",
		"can't find pane",
		"session not found",
		"no server running",
		"error connecting to",
	} {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// CreateSession starts a detached session rooted at workdir.
func (t *Tmux) CreateSession(ctx context.Context, name, workdir string) error {
	args := []string{"new-session", "-d", "-s", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	if _, err := t.run(ctx, args...); err != nil {
		return fmt.Errorf("tmux new-session %s: %w", name, err)
	}
	return nil
}

// CreateWindow adds a named window and returns its index.
func (t *Tmux) CreateWindow(ctx context.Context, session, name, workdir string) (int, error) {
	args := []string{"new-window", "-P", "-F", "#{window_index}", "-t", session + ":", "-n", name}
	if workdir != "" {
		args = append(args, "-c", workdir)
	}
	out, err := t.run(ctx, args...)
	if err != nil {
		return 0, fmt.Errorf("tmux new-window %s: %w", session, err)
	}
	idx, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("tmux new-window %s: parse index %q: %w", session, out, err)
	}
	return idx, nil
}

// ListWindows returns the session's windows in index order.
func (t *Tmux) ListWindows(ctx context.Context, session string) ([]Window, error) {
	out, err := t.run(ctx, "list-windows", "-t", session, "-F", "#{window_index}\t#{window_name}")
	if err != nil {
		return nil, fmt.Errorf("tmux list-windows %s: %w", session, err)
	}
	var windows []Window
	for _, line := range strings.Split(out, "\n") {
		if line == "" {
			continue
		}
		idxStr, name, _ := strings.Cut(line, "\t")
		idx, err := strconv.Atoi(idxStr)
		if err != nil {
			continue
		}
		windows = append(windows, Window{Index: idx, Name: name})
	}
	return windows, nil
}

// SendKeys delivers text as literal input followed by Enter. The text goes
// through a named paste buffer so tmux never interprets it as key names.
func (t *Tmux) SendKeys(ctx context.Context, target, text string) error {
	if _, err := t.run(ctx, "set-buffer", "-b", pasteBuffer, sanitize(text)); err != nil {
		return fmt.Errorf("tmux set-buffer: %w", err)
	}
	if _, err := t.run(ctx, "paste-buffer", "-b", pasteBuffer, "-t", target, "-d"); err != nil {
		return fmt.Errorf("tmux paste-buffer to %s: %w", target, err)
	}
	t.sleep(sendKeysDebounce)

	var lastErr error
	for range enterRetries {
		_, lastErr = t.run(ctx, "send-keys", "-t", target, "Enter")
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, protocol.ErrSessionAbsent) {
			break
		}
		t.sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("tmux send-keys Enter to %s: %w", target, lastErr)
}

// sanitize flattens newlines so a message arrives as a single input line.
func sanitize(msg string) string {
	msg = strings.ReplaceAll(msg, "\r\n", " ")
	msg = strings.ReplaceAll(msg, "\n", " ")
	return strings.ReplaceAll(msg, "\r", " ")
}

// CapturePane returns the last lastN lines of the target's scrollback.
func (t *Tmux) CapturePane(ctx context.Context, target string, lastN int) (string, error) {
	if lastN <= 0 {
		lastN = 50
	}
	out, err := t.run(ctx, "capture-pane", "-p", "-J", "-t", target, "-S", "-"+strconv.Itoa(lastN))
	if err != nil {
		return "", fmt.Errorf("tmux capture-pane %s: %w", target, err)
	}
	return out, nil
}

// HasSession distinguishes a missing session (false, nil) from a failed
// query (false, err).
func (t *Tmux) HasSession(ctx context.Context, name string) (bool, error) {
	_, err := t.run(ctx, "has-session", "-t", "="+name)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, protocol.ErrSessionAbsent) {
		return false, nil
	}
	return false, fmt.Errorf("tmux has-session %s: %w", name, err)
}

// KillWindow kills one window.
func (t *Tmux) KillWindow(ctx context.Context, target string) error {
	if _, err := t.run(ctx, "kill-window", "-t", target); err != nil {
		return fmt.Errorf("tmux kill-window %s: %w", target, err)
	}
	return nil
}

// KillSession kills a whole session.
func (t *Tmux) KillSession(ctx context.Context, name string) error {
	if _, err := t.run(ctx, "kill-session", "-t", "="+name); err != nil {
		return fmt.Errorf("tmux kill-session %s: %w", name, err)
	}
	return nil
}

// SessionActivity returns the session's last activity time.
func (t *Tmux) SessionActivity(ctx context.Context, name string) (time.Time, error) {
	return t.epoch(ctx, name, "#{session_activity}")
}

// WindowActivity returns the window's last activity time.
func (t *Tmux) WindowActivity(ctx context.Context, target string) (time.Time, error) {
	return t.epoch(ctx, target, "#{window_activity}")
}

func (t *Tmux) epoch(ctx context.Context, target, format string) (time.Time, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", target, format)
	if err != nil {
		return time.Time{}, fmt.Errorf("tmux display-message %s: %w", target, err)
	}
	sec, err := strconv.ParseInt(strings.TrimSpace(out), 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse activity %q for %s: %w", out, target, err)
	}
	return time.Unix(sec, 0).UTC(), nil
}

// PaneCommand returns the foreground command of the target's active pane.
func (t *Tmux) PaneCommand(ctx context.Context, target string) (string, error) {
	out, err := t.run(ctx, "display-message", "-p", "-t", target, "#{pane_current_command}")
	if err != nil {
		return "", fmt.Errorf("tmux pane command %s: %w", target, err)
	}
	return strings.TrimSpace(out), nil
}

// PanePIDs returns the shell PIDs of every pane in target.
func (t *Tmux) PanePIDs(ctx context.Context, target string) ([]int, error) {
	out, err := t.run(ctx, "list-panes", "-t", target, "-F", "#{pane_pid}")
	if err != nil {
		return nil, fmt.Errorf("tmux list-panes %s: %w", target, err)
	}
	var pids []int
	for _, f := range strings.Fields(out) {
		if pid, err := strconv.Atoi(f); err == nil {
			pids = append(pids, pid)
		}
	}
	return pids, nil
}

func itoa(n int) string { return strconv.Itoa(n) }
