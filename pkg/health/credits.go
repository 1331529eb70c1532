package health

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"foreman/pkg/protocol"
	"foreman/pkg/role"
	"foreman/pkg/sessionstate"
	"foreman/pkg/terminal"
)

var creditPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)credit balance is too low`),
	regexp.MustCompile(`(?i)usage limit (?:reached|exceeded)`),
	regexp.MustCompile(`(?i)\b\d+-hour limit reached\b`),
	regexp.MustCompile(`(?i)out of (?:extra )?usage`),
	regexp.MustCompile(`(?i)limit will reset at`),
}

// CreditsExhausted reports whether captured pane text shows the worker has
// run out of usage credits.
func CreditsExhausted(text string) bool {
	for _, re := range creditPatterns {
		if re.MatchString(text) {
			return true
		}
	}
	return false
}

func briefing(st *sessionstate.State, agentRole string, window int) string {
	r, err := role.Parse(agentRole)
	if err != nil {
		r = role.Developer
	}
	name := st.ProjectName
	if name == "" {
		name = st.SessionName
	}
	return r.RecoveryBriefing(role.Context{
		ProjectName:   name,
		SpecPath:      st.SpecPath,
		WorkspacePath: st.WorkspacePath,
		SessionName:   st.SessionName,
		WindowIndex:   window,
	})
}

// CommandAuthChecker runs a command that exits non-zero when the worker's
// credentials or configuration are unusable.
type CommandAuthChecker struct {
	Runner  terminal.CommandRunner
	Command []string
	Timeout time.Duration
}

// Check implements AuthChecker.
func (c *CommandAuthChecker) Check(ctx context.Context) error {
	if len(c.Command) == 0 {
		return nil
	}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	out, err := c.Runner.Run(ctx, c.Command[0], c.Command[1:]...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			msg = err.Error()
		}
		return fmt.Errorf("%w: %s: %s", protocol.ErrAuthInvalid, strings.Join(c.Command, " "), msg)
	}
	return nil
}
