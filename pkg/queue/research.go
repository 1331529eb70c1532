package queue

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"foreman/pkg/terminal"
)

// CommandResearcher runs an external research step that rewrites a failed
// spec. The command receives the spec path and the failure reason as its
// last two arguments and prints the enhanced spec's path as its final line
// of output.
type CommandResearcher struct {
	Runner  terminal.CommandRunner
	Command []string
	Timeout time.Duration
}

// Enhance implements Researcher.
func (r *CommandResearcher) Enhance(ctx context.Context, specPath, failureReason string) (string, error) {
	if len(r.Command) == 0 {
		return "", errors.New("research command not configured")
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := append(append([]string(nil), r.Command[1:]...), specPath, failureReason)
	out, err := r.Runner.Run(ctx, r.Command[0], args...)
	if err != nil {
		return "", fmt.Errorf("research %s: %w", specPath, err)
	}
	path := lastLine(string(out))
	if path == "" {
		return "", fmt.Errorf("research %s: no spec path in output", specPath)
	}
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("research %s: enhanced spec: %w", specPath, err)
	}
	return path, nil
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	return strings.TrimSpace(lines[len(lines)-1])
}
