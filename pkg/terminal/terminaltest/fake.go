// Package terminaltest provides an in-memory SessionTerminal for tests.
package terminaltest

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/terminal"
)

// Pane is the scripted state of one window.
type Pane struct {
	Name     string
	Command  string
	Output   string
	Activity time.Time
	PIDs     []int
	Sent     []string
}

// Fake is a goroutine-safe in-memory SessionTerminal.
type Fake struct {
	mu       sync.Mutex
	sessions map[string]map[int]*Pane
	activity map[string]time.Time

	// OnSend, when set, runs after text is delivered to a pane and may
	// mutate it (for example to append a reply to Output).
	OnSend func(target string, p *Pane, text string)

	// KillSessionFailures makes the next N KillSession calls report success
	// without removing the session.
	KillSessionFailures int
	// Err, when set, is returned by every call.
	Err error

	Calls []string
}

var _ terminal.SessionTerminal = (*Fake)(nil)

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		sessions: make(map[string]map[int]*Pane),
		activity: make(map[string]time.Time),
	}
}

// AddSession registers a session with the given panes keyed by window index.
func (f *Fake) AddSession(name string, panes map[int]*Pane) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if panes == nil {
		panes = make(map[int]*Pane)
	}
	f.sessions[name] = panes
}

// Pane returns the pane at target, or nil.
func (f *Fake) Pane(target string) *Pane {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, _ := f.lookup(target)
	return p
}

// SetSessionActivity sets the session-wide activity timestamp.
func (f *Fake) SetSessionActivity(name string, at time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activity[name] = at
}

// Exists reports whether a session is present.
func (f *Fake) Exists(name string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.sessions[name]
	return ok
}

// CallCount counts recorded calls with the given method name.
func (f *Fake) CallCount(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method || strings.HasPrefix(c, method+" ") {
			n++
		}
	}
	return n
}

func (f *Fake) record(method string, args ...string) error {
	f.Calls = append(f.Calls, strings.TrimSpace(method+" "+strings.Join(args, " ")))
	return f.Err
}

func (f *Fake) lookup(target string) (*Pane, error) {
	session, win, _ := strings.Cut(target, ":")
	panes, ok := f.sessions[session]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrSessionAbsent, session)
	}
	idx := 0
	if win != "" {
		n, err := strconv.Atoi(win)
		if err != nil {
			return nil, fmt.Errorf("bad target %q", target)
		}
		idx = n
	}
	p, ok := panes[idx]
	if !ok {
		return nil, fmt.Errorf("%w: window %s", protocol.ErrSessionAbsent, target)
	}
	return p, nil
}

// CreateSession implements terminal.SessionTerminal.
func (f *Fake) CreateSession(_ context.Context, name, workdir string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateSession", name, workdir); err != nil {
		return err
	}
	if _, ok := f.sessions[name]; ok {
		return fmt.Errorf("duplicate session: %s", name)
	}
	f.sessions[name] = map[int]*Pane{0: {Command: "zsh"}}
	return nil
}

// CreateWindow implements terminal.SessionTerminal.
func (f *Fake) CreateWindow(_ context.Context, session, name, workdir string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CreateWindow", session, name, workdir); err != nil {
		return 0, err
	}
	panes, ok := f.sessions[session]
	if !ok {
		return 0, fmt.Errorf("%w: %s", protocol.ErrSessionAbsent, session)
	}
	idx := 0
	for i := range panes {
		if i >= idx {
			idx = i + 1
		}
	}
	panes[idx] = &Pane{Name: name, Command: "zsh"}
	return idx, nil
}

// ListWindows implements terminal.SessionTerminal.
func (f *Fake) ListWindows(_ context.Context, session string) ([]terminal.Window, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("ListWindows", session); err != nil {
		return nil, err
	}
	panes, ok := f.sessions[session]
	if !ok {
		return nil, fmt.Errorf("%w: %s", protocol.ErrSessionAbsent, session)
	}
	out := make([]terminal.Window, 0, len(panes))
	for idx, p := range panes {
		out = append(out, terminal.Window{Index: idx, Name: p.Name})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// SendKeys implements terminal.SessionTerminal.
func (f *Fake) SendKeys(_ context.Context, target, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SendKeys", target); err != nil {
		return err
	}
	p, err := f.lookup(target)
	if err != nil {
		return err
	}
	p.Sent = append(p.Sent, text)
	if f.OnSend != nil {
		f.OnSend(target, p, text)
	}
	return nil
}

// CapturePane implements terminal.SessionTerminal.
func (f *Fake) CapturePane(_ context.Context, target string, lastN int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("CapturePane", target); err != nil {
		return "", err
	}
	p, err := f.lookup(target)
	if err != nil {
		return "", err
	}
	lines := strings.Split(p.Output, "\n")
	if lastN > 0 && len(lines) > lastN {
		lines = lines[len(lines)-lastN:]
	}
	return strings.Join(lines, "\n"), nil
}

// HasSession implements terminal.SessionTerminal.
func (f *Fake) HasSession(_ context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("HasSession", name); err != nil {
		return false, err
	}
	_, ok := f.sessions[name]
	return ok, nil
}

// KillWindow implements terminal.SessionTerminal.
func (f *Fake) KillWindow(_ context.Context, target string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("KillWindow", target); err != nil {
		return err
	}
	if _, err := f.lookup(target); err != nil {
		return err
	}
	session, win, _ := strings.Cut(target, ":")
	idx, _ := strconv.Atoi(win)
	delete(f.sessions[session], idx)
	return nil
}

// KillSession implements terminal.SessionTerminal.
func (f *Fake) KillSession(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("KillSession", name); err != nil {
		return err
	}
	if _, ok := f.sessions[name]; !ok {
		return fmt.Errorf("%w: %s", protocol.ErrSessionAbsent, name)
	}
	if f.KillSessionFailures > 0 {
		f.KillSessionFailures--
		return nil
	}
	delete(f.sessions, name)
	return nil
}

// SessionActivity implements terminal.SessionTerminal.
func (f *Fake) SessionActivity(_ context.Context, name string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("SessionActivity", name); err != nil {
		return time.Time{}, err
	}
	if _, ok := f.sessions[name]; !ok {
		return time.Time{}, fmt.Errorf("%w: %s", protocol.ErrSessionAbsent, name)
	}
	return f.activity[name], nil
}

// WindowActivity implements terminal.SessionTerminal.
func (f *Fake) WindowActivity(_ context.Context, target string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("WindowActivity", target); err != nil {
		return time.Time{}, err
	}
	p, err := f.lookup(target)
	if err != nil {
		return time.Time{}, err
	}
	return p.Activity, nil
}

// PaneCommand implements terminal.SessionTerminal.
func (f *Fake) PaneCommand(_ context.Context, target string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PaneCommand", target); err != nil {
		return "", err
	}
	p, err := f.lookup(target)
	if err != nil {
		return "", err
	}
	return p.Command, nil
}

// PanePIDs implements terminal.SessionTerminal.
func (f *Fake) PanePIDs(_ context.Context, target string) ([]int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.record("PanePIDs", target); err != nil {
		return nil, err
	}
	p, err := f.lookup(target)
	if err != nil {
		return nil, err
	}
	return p.PIDs, nil
}
