package completion

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// Marker is the content of a completion marker file. Markers dropped by
// agents may be empty; only markers written by the detector carry fields.
type Marker struct {
	ProjectID int64     `json:"project_id"`
	Session   string    `json:"session"`
	Signal    Signal    `json:"signal"`
	Reason    string    `json:"reason,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MarkerStore keeps one marker file per session in a directory.
type MarkerStore struct {
	dir string
}

// NewMarkerStore returns a store rooted at dir.
func NewMarkerStore(dir string) *MarkerStore {
	return &MarkerStore{dir: dir}
}

// Dir returns the markers directory.
func (s *MarkerStore) Dir() string { return s.dir }

// Path returns the marker path for session.
func (s *MarkerStore) Path(session string) string {
	return filepath.Join(s.dir, session)
}

// Exists reports whether session has a marker.
func (s *MarkerStore) Exists(session string) bool {
	_, err := os.Stat(s.Path(session))
	return err == nil
}

// Create writes the marker unless one already exists. It reports whether
// this call created it.
func (s *MarkerStore) Create(m Marker) (bool, error) {
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return false, fmt.Errorf("create markers dir: %w", err)
	}
	data, err := json.Marshal(m)
	if err != nil {
		return false, err
	}
	//nolint:gosec // path derived from foreman home and a session name
	f, err := os.OpenFile(s.Path(m.Session), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, os.ErrExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("create marker %s: %w", m.Session, err)
	}
	_, werr := f.Write(append(data, '\n'))
	if cerr := f.Close(); werr == nil {
		werr = cerr
	}
	if werr != nil {
		return false, fmt.Errorf("write marker %s: %w", m.Session, werr)
	}
	return true, nil
}

// Remove deletes session's marker. A missing marker is not an error.
func (s *MarkerStore) Remove(session string) error {
	err := os.Remove(s.Path(session))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove marker %s: %w", session, err)
	}
	return nil
}

// Read returns the marker content. An empty marker yields a zero Marker.
func (s *MarkerStore) Read(session string) (Marker, error) {
	data, err := os.ReadFile(s.Path(session))
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if len(data) == 0 {
		return m, nil
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return Marker{}, fmt.Errorf("marker %s: %w", session, err)
	}
	return m, nil
}
