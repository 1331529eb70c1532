package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// FailureRecord is one entry of the historical failure log.
type FailureRecord struct {
	Timestamp  time.Time     `json:"timestamp"`
	ProjectID  int64         `json:"project_id"`
	Session    string        `json:"session"`
	SpecPath   string        `json:"spec_path"`
	Reason     string        `json:"reason"`
	Detail     string        `json:"detail,omitempty"`
	Duration   time.Duration `json:"duration_ns"`
	ReportPath string        `json:"report_path,omitempty"`
	RetryCount int           `json:"retry_count"`
	BatchID    string        `json:"batch_id,omitempty"`
	DeadAgents []string      `json:"dead_agents,omitempty"`
}

// FailureLog is an append-only JSON-lines file of failures.
type FailureLog struct {
	path string
}

// NewFailureLog returns a log writing to path.
func NewFailureLog(path string) *FailureLog {
	return &FailureLog{path: path}
}

// Append writes one record.
func (f *FailureLog) Append(rec FailureRecord) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if err := appendJSONLine(f.path, rec); err != nil {
		return fmt.Errorf("failure log: %w", err)
	}
	return nil
}

// ReadAll returns every parseable record and the number of corrupt lines skipped.
func (f *FailureLog) ReadAll() ([]FailureRecord, int, error) {
	var out []FailureRecord
	skipped, err := readJSONLines(f.path, func(line []byte) error {
		var rec FailureRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	return out, skipped, err
}
