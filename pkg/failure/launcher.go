package failure

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// ErrLaunchUnconfirmed is returned when the launch command shows no sign of
// having started before the timeout.
var ErrLaunchUnconfirmed = errors.New("launch not confirmed")

// LaunchResult describes one supervised launch.
type LaunchResult struct {
	Session  string
	Started  bool
	Evidence string
	// TeardownErr is set when the launch session survived cleanup. It does
	// not fail the launch.
	TeardownErr error
}

var launchEvidence = regexp.MustCompile(`(?i)\b(?:started|launched|dequeued|no queued project)\b`)

// Launcher runs the next-project command inside its own terminal session so
// the launch outlives the caller and its output can be inspected.
type Launcher struct {
	Term         terminal.SessionTerminal
	Command      string
	Workdir      string
	Timeout      time.Duration
	PollInterval time.Duration

	sleep func(context.Context, time.Duration) error
}

// NewLauncher returns a Launcher with default timing.
func NewLauncher(term terminal.SessionTerminal, command, workdir string, timeout time.Duration) *Launcher {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Launcher{
		Term:         term,
		Command:      command,
		Workdir:      workdir,
		Timeout:      timeout,
		PollInterval: time.Second,
		sleep:        sleepCtx,
	}
}

// SetSleeper overrides the poll wait. Intended for tests.
func (l *Launcher) SetSleeper(sleep func(context.Context, time.Duration) error) { l.sleep = sleep }

// LaunchNext implements Progressor.
func (l *Launcher) LaunchNext(ctx context.Context, after int64) (LaunchResult, error) {
	return l.Launch(ctx, after)
}

// Launch starts the command in session foreman-launch-<after> and waits
// for output matching a known start message. Once confirmed it waits for
// the command to return to the shell within the remaining timeout, then
// kills the session and verifies it is gone.
func (l *Launcher) Launch(ctx context.Context, after int64) (LaunchResult, error) {
	session := fmt.Sprintf("%s%d", protocol.LaunchSessionPrefix, after)
	res := LaunchResult{Session: session}
	if strings.TrimSpace(l.Command) == "" {
		return res, errors.New("launch: no command configured")
	}

	if ok, err := l.Term.HasSession(ctx, session); err == nil && ok {
		if err := l.Term.KillSession(ctx, session); err != nil && !errors.Is(err, protocol.ErrSessionAbsent) {
			return res, fmt.Errorf("launch: remove stale session: %w", err)
		}
	}
	if err := l.Term.CreateSession(ctx, session, l.Workdir); err != nil {
		return res, fmt.Errorf("launch: create session: %w", err)
	}
	target := terminal.Target(session, 0)
	if err := l.Term.SendKeys(ctx, target, l.Command); err != nil {
		return res, fmt.Errorf("launch: send command: %w", err)
	}

	sleep := l.sleep
	if sleep == nil {
		sleep = sleepCtx
	}
	poll := l.PollInterval
	if poll <= 0 {
		poll = time.Second
	}
	waited := time.Duration(0)
	for ; waited <= l.Timeout; waited += poll {
		if ev := l.evidence(ctx, target); ev != "" {
			res.Started = true
			res.Evidence = ev
			break
		}
		if err := sleep(ctx, poll); err != nil {
			return res, err
		}
	}
	if !res.Started {
		return res, fmt.Errorf("%w: %s after %s", ErrLaunchUnconfirmed, session, l.Timeout)
	}

	for ; waited < l.Timeout && l.running(ctx, target); waited += poll {
		if err := sleep(ctx, poll); err != nil {
			break
		}
	}
	res.TeardownErr = l.teardown(ctx, session)
	return res, nil
}

// evidence reports the first start message in the launch pane's output.
func (l *Launcher) evidence(ctx context.Context, target string) string {
	out, err := l.Term.CapturePane(ctx, target, 50)
	if err != nil {
		return ""
	}
	if m := launchEvidence.FindString(out); m != "" {
		return "output: " + strings.ToLower(m)
	}
	return ""
}

func (l *Launcher) running(ctx context.Context, target string) bool {
	cmd, err := l.Term.PaneCommand(ctx, target)
	return err == nil && cmd != "" && !terminal.IsShell(cmd)
}

func (l *Launcher) teardown(ctx context.Context, session string) error {
	if err := l.Term.KillSession(ctx, session); err != nil && !errors.Is(err, protocol.ErrSessionAbsent) {
		return fmt.Errorf("kill launch session %s: %w", session, err)
	}
	exists, err := l.Term.HasSession(ctx, session)
	if err != nil {
		return fmt.Errorf("verify launch session %s: %w", session, err)
	}
	if exists {
		return fmt.Errorf("launch session %s still present after kill", session)
	}
	return nil
}
