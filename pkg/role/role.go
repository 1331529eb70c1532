// Package role defines the closed set of agent roles foreman orchestrates and
// the per-role behaviour table: check-in notes, recovery briefings and the
// window each role normally occupies.
package role

import (
	"fmt"
	"strings"
)

// Role identifies an agent's function inside a project session.
type Role string

// Known roles.
const (
	Orchestrator   Role = "orchestrator"
	ProjectManager Role = "project_manager"
	Developer      Role = "developer"
	Tester         Role = "tester"
	Researcher     Role = "researcher"
)

// Context carries the persisted project facts a briefing is rebuilt from.
type Context struct {
	ProjectName   string
	SpecPath      string
	WorkspacePath string
	SessionName   string
	WindowIndex   int
}

// Behavior is the per-role policy table entry.
type Behavior struct {
	// DefaultWindow is the tmux window index the role is created in.
	DefaultWindow int
	// CheckInMinutes is the default recurring check-in interval.
	CheckInMinutes int
	// CheckIn renders the scheduled check-in note.
	CheckIn func(Context) string
	// Recovery renders the briefing sent after a successful recovery.
	Recovery func(Context) string
}

var behaviors = map[Role]Behavior{
	Orchestrator: {
		DefaultWindow:  0,
		CheckInMinutes: 15,
		CheckIn: func(c Context) string {
			return fmt.Sprintf("Orchestrator check-in for %s: review agent status reports and unblock the team.", c.ProjectName)
		},
		Recovery: func(c Context) string {
			return fmt.Sprintf("You are the orchestrator for %s (spec: %s, workspace: %s). You were restarted after going idle. "+
				"Re-read the spec, ask each agent for a status report and resume coordination.", c.ProjectName, c.SpecPath, c.WorkspacePath)
		},
	},
	ProjectManager: {
		DefaultWindow:  1,
		CheckInMinutes: 20,
		CheckIn: func(c Context) string {
			return fmt.Sprintf("Project manager check-in for %s: verify phase progress and quality gates.", c.ProjectName)
		},
		Recovery: func(c Context) string {
			return fmt.Sprintf("You are the project manager for %s (spec: %s, workspace: %s). You were restarted. "+
				"Review the git log and open work, then report status to the orchestrator.", c.ProjectName, c.SpecPath, c.WorkspacePath)
		},
	},
	Developer: {
		DefaultWindow:  2,
		CheckInMinutes: 30,
		CheckIn: func(c Context) string {
			return fmt.Sprintf("Developer check-in for %s: commit your progress and report what you are working on.", c.ProjectName)
		},
		Recovery: func(c Context) string {
			return fmt.Sprintf("You are the developer for %s (spec: %s). Your workspace is %s. You were restarted. "+
				"Run git status, review recent commits and continue the next unfinished phase.", c.ProjectName, c.SpecPath, c.WorkspacePath)
		},
	},
	Tester: {
		DefaultWindow:  3,
		CheckInMinutes: 30,
		CheckIn: func(c Context) string {
			return fmt.Sprintf("Tester check-in for %s: run the test suite and report failures.", c.ProjectName)
		},
		Recovery: func(c Context) string {
			return fmt.Sprintf("You are the tester for %s (spec: %s, workspace: %s). You were restarted. "+
				"Run the test suite and report results to the orchestrator.", c.ProjectName, c.SpecPath, c.WorkspacePath)
		},
	},
	Researcher: {
		DefaultWindow:  4,
		CheckInMinutes: 45,
		CheckIn: func(c Context) string {
			return fmt.Sprintf("Researcher check-in for %s: summarise findings relevant to open blockers.", c.ProjectName)
		},
		Recovery: func(c Context) string {
			return fmt.Sprintf("You are the researcher for %s (spec: %s). You were restarted. "+
				"Ask the orchestrator which open questions still need research.", c.ProjectName, c.SpecPath)
		},
	},
}

// All returns every known role in window order.
func All() []Role {
	return []Role{Orchestrator, ProjectManager, Developer, Tester, Researcher}
}

// Parse converts a string to a Role. Matching is case-insensitive and accepts
// hyphens or spaces in place of underscores.
func Parse(s string) (Role, error) {
	norm := strings.ToLower(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	r := Role(norm)
	if _, ok := behaviors[r]; !ok {
		return "", fmt.Errorf("unknown role %q", s)
	}
	return r, nil
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := behaviors[r]
	return ok
}

// Behavior returns the behaviour entry for r. Unknown roles get the developer
// entry so callers never dereference a nil func.
func (r Role) Behavior() Behavior {
	if b, ok := behaviors[r]; ok {
		return b
	}
	return behaviors[Developer]
}

// CheckInNote renders a fresh check-in note for r.
func (r Role) CheckInNote(c Context) string {
	return r.Behavior().CheckIn(c)
}

// RecoveryBriefing renders the recovery briefing for r.
func (r Role) RecoveryBriefing(c Context) string {
	return r.Behavior().Recovery(c)
}

// Kickoff renders the first briefing sent once r's worker has started.
func (r Role) Kickoff(c Context) string {
	name := strings.ReplaceAll(string(r), "_", " ")
	brief := fmt.Sprintf("You are the %s for %s. The spec is %s and the workspace is %s.",
		name, c.ProjectName, c.SpecPath, c.WorkspacePath)
	if r == Orchestrator {
		return brief + " Coordinate the team, track phases and confirm completion only when the work is committed."
	}
	return brief + fmt.Sprintf(" Report progress to the orchestrator in window %d.", behaviors[Orchestrator].DefaultWindow)
}

func (r Role) String() string {
	return string(r)
}
