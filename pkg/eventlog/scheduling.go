package eventlog

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"foreman/pkg/protocol"

	"github.com/google/uuid"
)

// SchedulingEvent is one immutable entry of the scheduling log.
type SchedulingEvent struct {
	ID              string                       `json:"id"`
	Timestamp       time.Time                    `json:"timestamp"`
	Session         string                       `json:"session"`
	Role            string                       `json:"role"`
	Window          int                          `json:"window"`
	Type            protocol.SchedulingEventType `json:"type"`
	IntervalMinutes int                          `json:"interval_minutes,omitempty"`
	Note            string                       `json:"note,omitempty"`
	CauseID         string                       `json:"cause_id,omitempty"`
}

// AgentKey identifies the agent an event belongs to.
func (e SchedulingEvent) AgentKey() string { return e.Session + "/" + e.Role }

// SchedulingLog keeps the most recent events in a bounded ring and appends
// every event to a JSON-lines file.
type SchedulingLog struct {
	mu     sync.Mutex
	ring   []SchedulingEvent
	next   int
	full   bool
	path   string
	logger *log.Logger
	now    func() time.Time
}

// NewSchedulingLog returns a log retaining capacity events in memory. An
// empty path keeps events in memory only.
func NewSchedulingLog(path string, capacity int, logger *log.Logger) *SchedulingLog {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &SchedulingLog{
		ring:   make([]SchedulingEvent, capacity),
		path:   path,
		logger: logger,
		now:    time.Now,
	}
}

// SetClock overrides the time source. Intended for tests.
func (l *SchedulingLog) SetClock(now func() time.Time) { l.now = now }

// Append stamps ev with an id and timestamp if unset, stores it and writes it
// to disk. A disk failure is returned but the event stays in memory.
func (l *SchedulingLog) Append(ev SchedulingEvent) (SchedulingEvent, error) {
	if ev.ID == "" {
		ev.ID = uuid.New().String()
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = l.now().UTC()
	}

	l.mu.Lock()
	l.push(ev)
	l.mu.Unlock()

	if l.path == "" {
		return ev, nil
	}
	return ev, appendJSONLine(l.path, ev)
}

func (l *SchedulingLog) push(ev SchedulingEvent) {
	l.ring[l.next] = ev
	l.next = (l.next + 1) % len(l.ring)
	if l.next == 0 {
		l.full = true
	}
}

// Since returns buffered events at or after t, oldest first.
func (l *SchedulingLog) Since(t time.Time) []SchedulingEvent {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []SchedulingEvent
	for _, ev := range l.ordered() {
		if !ev.Timestamp.Before(t) {
			out = append(out, ev)
		}
	}
	return out
}

// Len returns the number of buffered events.
func (l *SchedulingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.ring)
	}
	return l.next
}

func (l *SchedulingLog) ordered() []SchedulingEvent {
	if !l.full {
		return append([]SchedulingEvent(nil), l.ring[:l.next]...)
	}
	out := make([]SchedulingEvent, 0, len(l.ring))
	out = append(out, l.ring[l.next:]...)
	return append(out, l.ring[:l.next]...)
}

// Replay loads events at or after since from the on-disk log into the ring.
// Unparseable lines are skipped and logged. It returns the number loaded.
func (l *SchedulingLog) Replay(since time.Time) (int, error) {
	if l.path == "" {
		return 0, nil
	}
	loaded := 0
	skipped, err := readJSONLines(l.path, func(line []byte) error {
		var ev SchedulingEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		if ev.Timestamp.Before(since) {
			return nil
		}
		l.mu.Lock()
		l.push(ev)
		l.mu.Unlock()
		loaded++
		return nil
	})
	if skipped > 0 {
		l.logger.Printf("level=error msg=\"skipped corrupt scheduling events\" file=%s count=%d", l.path, skipped)
	}
	return loaded, err
}

func appendJSONLine(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal log line: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600) //nolint:gosec // foreman log path
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("append %s: %w", path, err)
	}
	return nil
}

// readJSONLines calls fn per non-empty line. Lines fn rejects are counted
// as skipped rather than aborting the read. A missing file reads as empty.
func readJSONLines(path string, fn func([]byte) error) (skipped int, err error) {
	f, err := os.Open(path) //nolint:gosec // foreman log path
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		if fn(line) != nil {
			skipped++
		}
	}
	if err := sc.Err(); err != nil {
		return skipped, fmt.Errorf("read %s: %w", path, err)
	}
	return skipped, nil
}
