package sessionstate

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"foreman/pkg/lock"
	"foreman/pkg/protocol"

	"gopkg.in/yaml.v3"
)

// ErrNotFound reports a missing state document.
var ErrNotFound = errors.New("session state not found")

// Manager loads and saves State documents under dir.
type Manager struct {
	dir           string
	quarantineDir string
	locker        *lock.KeyedLocker
	logger        *log.Logger
	nowFunc       func() time.Time
}

// NewManager returns a Manager storing documents in dir. Corrupt documents
// are moved to quarantineDir.
func NewManager(dir, quarantineDir string, locker *lock.KeyedLocker, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Manager{
		dir:           dir,
		quarantineDir: quarantineDir,
		locker:        locker,
		logger:        logger,
		nowFunc:       time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (m *Manager) SetClock(now func() time.Time) { m.nowFunc = now }

// Path returns the document path for session.
func (m *Manager) Path(session string) string {
	return filepath.Join(m.dir, session+".yaml")
}

// Load reads a document without locking. It returns ErrNotFound when absent
// and an error wrapping protocol.ErrCorruptState after quarantining an
// unparseable file.
func (m *Manager) Load(session string) (*State, error) {
	path := m.Path(session)
	data, err := os.ReadFile(path) //nolint:gosec // path derived from state dir
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, session)
	}
	if err != nil {
		return nil, fmt.Errorf("read session state %s: %w", session, err)
	}
	var st State
	if err := yaml.Unmarshal(data, &st); err != nil {
		qpath, qerr := m.quarantine(path)
		if qerr != nil {
			m.logger.Printf("level=error msg=\"quarantine failed\" file=%s err=%q", path, qerr)
		} else {
			m.logger.Printf("level=error msg=\"corrupt session state quarantined\" file=%s moved_to=%s err=%q", path, qpath, err)
		}
		return nil, fmt.Errorf("%w: %s: %v", protocol.ErrCorruptState, session, err)
	}
	if st.Agents == nil {
		st.Agents = make(map[string]*AgentState)
	}
	if st.SessionName == "" {
		st.SessionName = session
	}
	return &st, nil
}

// Save writes st atomically.
func (m *Manager) Save(st *State) error {
	if st.SessionName == "" {
		return fmt.Errorf("save session state: missing session name")
	}
	if err := os.MkdirAll(m.dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	return atomicWrite(m.Path(st.SessionName), st)
}

// Update runs fn on the session's document inside its critical section and
// saves the result. A missing document starts from New; a corrupt one is
// quarantined and replaced by a fresh document. If fn returns an error the
// document is not written.
func (m *Manager) Update(ctx context.Context, session string, fn func(*State) error) error {
	unlock, err := m.locker.Lock(ctx, "state-"+session)
	if err != nil {
		return err
	}
	defer unlock()

	st, err := m.Load(session)
	switch {
	case err == nil:
	case errors.Is(err, ErrNotFound), errors.Is(err, protocol.ErrCorruptState):
		st = New(session, m.nowFunc())
	default:
		return err
	}
	if err := fn(st); err != nil {
		return err
	}
	return m.Save(st)
}

// Get loads a document under the session's lock.
func (m *Manager) Get(ctx context.Context, session string) (*State, error) {
	unlock, err := m.locker.Lock(ctx, "state-"+session)
	if err != nil {
		return nil, err
	}
	defer unlock()
	return m.Load(session)
}

// Delete removes a document. A missing document is not an error.
func (m *Manager) Delete(session string) error {
	err := os.Remove(m.Path(session))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("delete session state %s: %w", session, err)
	}
	return nil
}

// List returns the session names that have documents.
func (m *Manager) List() ([]string, error) {
	entries, err := os.ReadDir(m.dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list session states: %w", err)
	}
	var out []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".yaml") || strings.HasPrefix(name, ".") {
			continue
		}
		out = append(out, strings.TrimSuffix(name, ".yaml"))
	}
	sort.Strings(out)
	return out, nil
}

func (m *Manager) quarantine(path string) (string, error) {
	if err := os.MkdirAll(m.quarantineDir, 0o700); err != nil {
		return "", fmt.Errorf("create quarantine dir: %w", err)
	}
	name := fmt.Sprintf("%s.%s.corrupt", filepath.Base(path), m.nowFunc().UTC().Format("20060102T150405"))
	dst := filepath.Join(m.quarantineDir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("move to quarantine: %w", err)
	}
	return dst, nil
}

// atomicWrite marshals v, writes it to a synced temp file, validates it
// parses back, and renames it over path.
func atomicWrite(path string, v any) error {
	content, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".foreman-tmp-*.yaml")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	written, err := os.ReadFile(tmpName) //nolint:gosec // temp file we just created
	if err != nil {
		return fmt.Errorf("read temp file for validation: %w", err)
	}
	var probe State
	if err := yaml.Unmarshal(written, &probe); err != nil {
		return fmt.Errorf("yaml validation failed: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

// WaitGraph returns the session's agent wait-for edges. A missing document
// yields an empty graph.
func (m *Manager) WaitGraph(ctx context.Context, session string) (map[string][]string, error) {
	st, err := m.Get(ctx, session)
	if errors.Is(err, ErrNotFound) || errors.Is(err, protocol.ErrCorruptState) {
		return map[string][]string{}, nil
	}
	if err != nil {
		return nil, err
	}
	return st.WaitGraph(), nil
}

// ClearWaits drops the waiting_for record of each role.
func (m *Manager) ClearWaits(ctx context.Context, session string, roles []string) error {
	return m.Update(ctx, session, func(st *State) error {
		for _, r := range roles {
			if a, ok := st.Agents[r]; ok {
				a.WaitingFor = nil
			}
		}
		return nil
	})
}
