package terminal

import (
	"context"
	"time"
)

// Window is one window of a session.
type Window struct {
	Index int
	Name  string
}

// SessionTerminal is the multiplexer surface used by the control plane.
// Methods that address a missing session or window return an error wrapping
// protocol.ErrSessionAbsent so callers can tell "already gone" from failure.
type SessionTerminal interface {
	CreateSession(ctx context.Context, name, workdir string) error
	CreateWindow(ctx context.Context, session, name, workdir string) (int, error)
	ListWindows(ctx context.Context, session string) ([]Window, error)
	SendKeys(ctx context.Context, target, text string) error
	CapturePane(ctx context.Context, target string, lastN int) (string, error)
	HasSession(ctx context.Context, name string) (bool, error)
	KillWindow(ctx context.Context, target string) error
	KillSession(ctx context.Context, name string) error
	SessionActivity(ctx context.Context, name string) (time.Time, error)
	WindowActivity(ctx context.Context, target string) (time.Time, error)
	PaneCommand(ctx context.Context, target string) (string, error)
	PanePIDs(ctx context.Context, target string) ([]int, error)
}

// Target formats a session:window target.
func Target(session string, window int) string {
	return session + ":" + itoa(window)
}

// IsShell reports whether cmd is a login shell name, meaning the pane's
// foreground process has fallen back to the shell.
func IsShell(cmd string) bool {
	switch cmd {
	case "zsh", "bash", "sh", "fish", "dash", "-zsh", "-bash":
		return true
	}
	return false
}
