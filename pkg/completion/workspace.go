package completion

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"foreman/pkg/protocol"
)

// GitRunner abstracts git command execution for testability.
type GitRunner interface {
	Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error)
}

const defaultGitTimeout = 30 * time.Second

// ExecGitRunner implements GitRunner using os/exec.
type ExecGitRunner struct {
	Timeout time.Duration // 0 means defaultGitTimeout
}

// Run executes git in dir and returns stdout and stderr. Each call is bounded
// by Timeout.
func (r *ExecGitRunner) Run(ctx context.Context, dir string, args ...string) (stdout, stderr string, err error) {
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = defaultGitTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), "GIT_TERMINAL_PROMPT=0")
	cmd.WaitDelay = time.Second

	var stdoutBuf, stderrBuf strings.Builder
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	err = cmd.Run()
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("git %s timed out after %s: %w", strings.Join(args, " "), timeout, ctx.Err())
	}
	return stdoutBuf.String(), stderrBuf.String(), err
}

var completionIntent = regexp.MustCompile(`(?i)\b(?:project (?:is )?complete[d]?|implementation complete[d]?|all (?:phases|tasks|features) (?:are )?(?:complete[d]?|done)|final (?:release|delivery|commit)|mark(?:ed)? (?:project )?(?:as )?complete)\b`)

// Git reads completion evidence from a workspace's history.
type Git struct {
	Runner GitRunner
}

// CompletionCommit returns the subject of the newest commit since since
// whose message states the project is complete, or "" if none does.
func (g *Git) CompletionCommit(ctx context.Context, workspace string, since time.Time) (string, error) {
	args := []string{"log", "--pretty=format:%s", "-n", "200"}
	if !since.IsZero() {
		args = append(args, "--since="+strconv.FormatInt(since.Unix(), 10))
	}
	out, stderr, err := g.Runner.Run(ctx, workspace, args...)
	if err != nil {
		return "", fmt.Errorf("git log in %s: %w: %s", workspace, err, strings.TrimSpace(stderr))
	}
	for _, subject := range strings.Split(out, "\n") {
		if completionIntent.MatchString(subject) {
			return strings.TrimSpace(subject), nil
		}
	}
	return "", nil
}

// CommitMarker writes the workspace marker file and commits it.
func (g *Git) CommitMarker(ctx context.Context, workspace, content string) error {
	path := filepath.Join(workspace, protocol.WorkspaceMarkerFile)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil { //nolint:gosec // marker is not secret
		return fmt.Errorf("write workspace marker: %w", err)
	}
	if g == nil || g.Runner == nil {
		return nil
	}
	if _, stderr, err := g.Runner.Run(ctx, workspace, "add", protocol.WorkspaceMarkerFile); err != nil {
		return fmt.Errorf("git add marker: %w: %s", err, strings.TrimSpace(stderr))
	}
	_, stderr, err := g.Runner.Run(ctx, workspace, "commit", "-m", "chore: mark project complete", "--", protocol.WorkspaceMarkerFile)
	if err != nil {
		return fmt.Errorf("git commit marker: %w: %s", err, strings.TrimSpace(stderr))
	}
	return nil
}

// ImplementationChecker decides whether a workspace holds real work.
type ImplementationChecker interface {
	HasImplementation(ctx context.Context, workspace string) (bool, string, error)
}

var sourceExts = map[string]bool{
	".go": true, ".py": true, ".js": true, ".jsx": true, ".ts": true, ".tsx": true,
	".rs": true, ".java": true, ".kt": true, ".rb": true, ".php": true, ".c": true,
	".cc": true, ".cpp": true, ".h": true, ".cs": true, ".swift": true, ".scala": true,
	".ex": true, ".exs": true, ".sh": true, ".sql": true, ".vue": true, ".svelte": true,
}

var skipDirs = map[string]bool{
	".git": true, "node_modules": true, "vendor": true, ".venv": true, "venv": true,
	"__pycache__": true, "dist": true, "build": true, "target": true,
}

// WorkspaceChecker counts source files under a workspace.
type WorkspaceChecker struct {
	MinSourceFiles int
}

var errEnough = errors.New("enough source files")

// HasImplementation implements ImplementationChecker.
func (c WorkspaceChecker) HasImplementation(ctx context.Context, workspace string) (bool, string, error) {
	if workspace == "" {
		return false, "no workspace recorded", nil
	}
	want := c.MinSourceFiles
	if want <= 0 {
		want = 1
	}
	n := 0
	err := filepath.WalkDir(workspace, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == workspace {
				return err
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() {
			if path != workspace && skipDirs[d.Name()] {
				return filepath.SkipDir
			}
			return nil
		}
		if sourceExts[strings.ToLower(filepath.Ext(d.Name()))] {
			n++
			if n >= want {
				return errEnough
			}
		}
		return nil
	})
	switch {
	case errors.Is(err, errEnough):
		return true, fmt.Sprintf("%d source file(s) found", n), nil
	case errors.Is(err, fs.ErrNotExist):
		return false, "workspace does not exist", nil
	case err != nil:
		return false, "", fmt.Errorf("scan workspace %s: %w", workspace, err)
	}
	return false, fmt.Sprintf("only %d source file(s) found", n), nil
}
