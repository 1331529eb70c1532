// Package sessionstate persists the per-project SessionState aggregate as one
// YAML document per session. Every mutation goes through Manager.Update, a
// load-modify-save critical section keyed by session name.
package sessionstate

import (
	"sort"
	"time"
)

// Completion status values.
const (
	CompletionPending   = "pending"
	CompletionCompleted = "completed"
	CompletionFailed    = "failed"
)

// Authorization records an agent blocked on another agent.
type Authorization struct {
	Agent       string    `yaml:"agent"`
	Reason      string    `yaml:"reason,omitempty"`
	RequestedAt time.Time `yaml:"requested_at"`
}

// AgentState is one role's record inside a session.
type AgentState struct {
	Window           int            `yaml:"window"`
	Alive            bool           `yaml:"alive"`
	CreditsExhausted bool           `yaml:"credits_exhausted"`
	CreditResetAt    *time.Time     `yaml:"credit_reset_at,omitempty"`
	Branch           string         `yaml:"branch,omitempty"`
	LastCheckIn      *time.Time     `yaml:"last_check_in,omitempty"`
	WaitingFor       *Authorization `yaml:"waiting_for,omitempty"`
	RecoveryAttempts int            `yaml:"recovery_attempts,omitempty"`
}

// Phase is one tracked implementation phase.
type Phase struct {
	Name        string     `yaml:"name"`
	Completed   bool       `yaml:"completed"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty"`
}

// StatusReport is the last report an agent gave.
type StatusReport struct {
	Text string    `yaml:"text"`
	At   time.Time `yaml:"at"`
}

// State is the SessionState document.
type State struct {
	SessionName      string                  `yaml:"session_name"`
	ProjectID        int64                   `yaml:"project_id"`
	ProjectName      string                  `yaml:"project_name"`
	SpecPath         string                  `yaml:"spec_path"`
	WorkspacePath    string                  `yaml:"workspace_path,omitempty"`
	CreatedAt        time.Time               `yaml:"created_at"`
	Agents           map[string]*AgentState  `yaml:"agents"`
	Phases           []Phase                 `yaml:"phases,omitempty"`
	CompletionStatus string                  `yaml:"completion_status"`
	CompletedAt      *time.Time              `yaml:"completed_at,omitempty"`
	FailureReason    string                  `yaml:"failure_reason,omitempty"`
	StatusReports    map[string]StatusReport `yaml:"status_reports,omitempty"`
	LastNudge        *time.Time              `yaml:"last_nudge,omitempty"`
}

// New returns an empty pending state for session.
func New(session string, now time.Time) *State {
	return &State{
		SessionName:      session,
		CreatedAt:        now.UTC(),
		Agents:           make(map[string]*AgentState),
		CompletionStatus: CompletionPending,
	}
}

// Agent returns the record for role, creating it if absent.
func (s *State) Agent(role string) *AgentState {
	if s.Agents == nil {
		s.Agents = make(map[string]*AgentState)
	}
	a, ok := s.Agents[role]
	if !ok {
		a = &AgentState{}
		s.Agents[role] = a
	}
	return a
}

// Roles returns the agent roles in sorted order.
func (s *State) Roles() []string {
	roles := make([]string, 0, len(s.Agents))
	for r := range s.Agents {
		roles = append(roles, r)
	}
	sort.Strings(roles)
	return roles
}

// IsExhausted reports whether role is flagged out of credits.
func (s *State) IsExhausted(role string) bool {
	a, ok := s.Agents[role]
	return ok && a.CreditsExhausted
}

// AnyExhausted reports whether any agent is flagged out of credits.
func (s *State) AnyExhausted() bool {
	for _, a := range s.Agents {
		if a.CreditsExhausted {
			return true
		}
	}
	return false
}

// PhaseProgress returns completed and total phase counts.
func (s *State) PhaseProgress() (done, total int) {
	for _, p := range s.Phases {
		if p.Completed {
			done++
		}
	}
	return done, len(s.Phases)
}

// AllPhasesComplete reports whether phases are tracked and all are complete.
func (s *State) AllPhasesComplete() bool {
	done, total := s.PhaseProgress()
	return total > 0 && done == total
}

// MarkPhase sets a phase's completion, appending it if unknown.
func (s *State) MarkPhase(name string, completed bool, now time.Time) {
	for i := range s.Phases {
		if s.Phases[i].Name == name {
			s.Phases[i].Completed = completed
			s.Phases[i].CompletedAt = timePtr(completed, now)
			return
		}
	}
	s.Phases = append(s.Phases, Phase{Name: name, Completed: completed, CompletedAt: timePtr(completed, now)})
}

// RecordReport stores role's latest status report.
func (s *State) RecordReport(role, text string, now time.Time) {
	if s.StatusReports == nil {
		s.StatusReports = make(map[string]StatusReport)
	}
	s.StatusReports[role] = StatusReport{Text: text, At: now.UTC()}
}

// WaitGraph returns role -> role edges for agents waiting on another agent.
func (s *State) WaitGraph() map[string][]string {
	g := make(map[string][]string)
	for role, a := range s.Agents {
		if a.WaitingFor != nil && a.WaitingFor.Agent != "" {
			g[role] = append(g[role], a.WaitingFor.Agent)
		}
	}
	return g
}

func timePtr(set bool, t time.Time) *time.Time {
	if !set {
		return nil
	}
	u := t.UTC()
	return &u
}
