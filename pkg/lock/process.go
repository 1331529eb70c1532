// Package lock provides the daemon's single-instance ProcessLock and a
// KeyedLocker for per-project critical sections.
//
// Both are built on OS advisory locks (gofrs/flock). ProcessLock adds a
// heartbeat record (pid, identity, timestamp) next to the lock file with one
// staleness policy: a holder whose heartbeat is older than StaleAfter, or whose
// pid no longer exists, has abandoned the lock and it is reclaimed.
package lock

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"foreman/pkg/protocol"

	"github.com/gofrs/flock"
)

// Record is the heartbeat document written beside the lock file.
type Record struct {
	PID        int       `json:"pid"`
	Identity   string    `json:"identity"`
	AcquiredAt time.Time `json:"acquired_at"`
	Heartbeat  time.Time `json:"heartbeat"`
}

// Options tune a ProcessLock. Zero values use protocol defaults.
type Options struct {
	StaleAfter   time.Duration
	Heartbeat    time.Duration
	Now          func() time.Time
	ProcessAlive func(pid int) bool
}

func (o Options) withDefaults() Options {
	if o.StaleAfter <= 0 {
		o.StaleAfter = protocol.DefaultLockStaleAfter
	}
	if o.Heartbeat <= 0 {
		o.Heartbeat = protocol.DefaultLockHeartbeat
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.ProcessAlive == nil {
		o.ProcessAlive = IsProcessAlive
	}
	return o
}

// ProcessLock is a held single-instance lock. Release it exactly once;
// extra calls are no-ops.
type ProcessLock struct {
	path      string
	fl        *flock.Flock
	opts      Options
	record    Record
	stop      chan struct{}
	done      chan struct{}
	once      sync.Once
	mu        sync.Mutex
	lastErr   error
	reclaimed bool
}

// RecordPath returns the heartbeat record path for a lock file.
func RecordPath(lockPath string) string { return lockPath + ".hb" }

// Acquire takes the lock at path for identity. If another live, fresh holder
// owns it, the error wraps protocol.ErrAlreadyRunning. A stale holder's lock
// is reclaimed by replacing the lock file.
func Acquire(path, identity string, opts Options) (*ProcessLock, error) {
	opts = opts.withDefaults()
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire lock %s: %w", path, err)
	}

	reclaimed := false
	if !locked {
		prev, readErr := ReadRecord(RecordPath(path))
		if readErr != nil || !isStale(prev, opts) {
			if readErr == nil {
				return nil, fmt.Errorf("%w: lock held by pid %d (%s) since %s",
					protocol.ErrAlreadyRunning, prev.PID, prev.Identity, prev.AcquiredAt.Format(time.RFC3339))
			}
			return nil, fmt.Errorf("%w: lock held by another process", protocol.ErrAlreadyRunning)
		}
		// The holder is hung or gone but its descriptor still pins the old
		// inode. Unlink and lock a fresh file.
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("reclaim stale lock %s: %w", path, err)
		}
		fl = flock.New(path)
		locked, err = fl.TryLock()
		if err != nil {
			return nil, fmt.Errorf("acquire lock %s: %w", path, err)
		}
		if !locked {
			return nil, fmt.Errorf("%w: lock reclaimed by another process", protocol.ErrAlreadyRunning)
		}
		reclaimed = true
	} else if prev, err := ReadRecord(RecordPath(path)); err == nil && prev.PID != os.Getpid() {
		// Holder crashed without releasing; the OS already dropped its lock.
		reclaimed = true
	}

	now := opts.Now().UTC()
	l := &ProcessLock{
		path:      path,
		fl:        fl,
		opts:      opts,
		record:    Record{PID: os.Getpid(), Identity: identity, AcquiredAt: now, Heartbeat: now},
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
		reclaimed: reclaimed,
	}
	if err := writeRecord(RecordPath(path), l.record); err != nil {
		_ = fl.Unlock()
		return nil, err
	}
	go l.heartbeatLoop()
	return l, nil
}

func isStale(r Record, opts Options) bool {
	if r.PID <= 0 || !opts.ProcessAlive(r.PID) {
		return true
	}
	return opts.Now().Sub(r.Heartbeat) > opts.StaleAfter
}

// Reclaimed reports whether Acquire took over an abandoned lock.
func (l *ProcessLock) Reclaimed() bool { return l.reclaimed }

// Record returns the current heartbeat record.
func (l *ProcessLock) Record() Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.record
}

// HeartbeatErr returns the last heartbeat write error, if any.
func (l *ProcessLock) HeartbeatErr() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastErr
}

func (l *ProcessLock) heartbeatLoop() {
	defer close(l.done)
	ticker := time.NewTicker(l.opts.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-l.stop:
			return
		case <-ticker.C:
			l.Beat()
		}
	}
}

// Beat refreshes the heartbeat timestamp immediately.
func (l *ProcessLock) Beat() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.record.Heartbeat = l.opts.Now().UTC()
	l.lastErr = writeRecord(RecordPath(l.path), l.record)
}

// Release stops the heartbeat, removes the record and drops the OS lock.
func (l *ProcessLock) Release() error {
	var err error
	l.once.Do(func() {
		close(l.stop)
		<-l.done
		// A reclaiming process may have replaced the record; leave theirs.
		if cur, readErr := ReadRecord(RecordPath(l.path)); readErr == nil && l.owns(cur) {
			if rmErr := os.Remove(RecordPath(l.path)); rmErr != nil && !errors.Is(rmErr, os.ErrNotExist) {
				err = fmt.Errorf("remove lock record: %w", rmErr)
			}
		}
		if unErr := l.fl.Unlock(); unErr != nil {
			err = errors.Join(err, fmt.Errorf("unlock %s: %w", l.path, unErr))
		}
	})
	return err
}

func (l *ProcessLock) owns(r Record) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return r.PID == l.record.PID && r.Identity == l.record.Identity && r.AcquiredAt.Equal(l.record.AcquiredAt)
}

// ReadRecord loads a heartbeat record.
func ReadRecord(path string) (Record, error) {
	var r Record
	data, err := os.ReadFile(path) //nolint:gosec // lock record path is foreman-controlled
	if err != nil {
		return r, fmt.Errorf("read lock record: %w", err)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("%w: lock record %s: %v", protocol.ErrCorruptState, path, err)
	}
	return r, nil
}

func writeRecord(path string, r Record) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal lock record: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write lock record: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename lock record: %w", err)
	}
	return nil
}

// IsProcessAlive checks whether a process with the given PID exists by
// sending signal 0.
func IsProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = proc.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
