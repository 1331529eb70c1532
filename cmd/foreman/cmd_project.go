package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"foreman/pkg/protocol"
	"foreman/pkg/store"
	"foreman/pkg/terminal"

	"github.com/spf13/cobra"
)

// projectAdmin is the slice of the store the reset and remove commands use.
type projectAdmin interface {
	GetProject(ctx context.Context, id int64) (*protocol.Project, error)
	ResetProject(ctx context.Context, id int64) error
	RemoveProject(ctx context.Context, id int64) error
	DeleteTasksForSession(ctx context.Context, session string) (int64, error)
	LogEvent(ctx context.Context, evType, source, session, agentRole, payload string) error
}

// adminConfig holds injectable dependencies for reset-project and
// remove-project.
type adminConfig struct {
	store projectAdmin
	term  terminal.SessionTerminal
	w     io.Writer
	stdin io.Reader
	isTTY func() bool // returns true if stdin is a TTY; injectable for testing
	force bool
}

// newResetProjectCmd creates the "foreman reset-project" subcommand.
func newResetProjectCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "reset-project ID",
		Short: "Return a project to the queue",
		Long: `Moves a project back to queued and clears its session binding, timestamps and
error. A project that is still running has its tmux session and check-ins
removed first. Asks for confirmation unless --force is given.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd, force, func(cfg *adminConfig) error {
				return runResetProject(cmd.Context(), cfg, id)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "skip interactive confirmation")
	return cmd
}

// newRemoveProjectCmd creates the "foreman remove-project" subcommand.
func newRemoveProjectCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "remove-project ID",
		Short: "Delete a project from the queue",
		Long:  "Deletes a project row. Running projects are refused unless --force is given,\nin which case their session and check-ins are removed too.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			return withAdmin(cmd, force, func(cfg *adminConfig) error {
				return runRemoveProject(cmd.Context(), cfg, id)
			})
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "remove even if the project is running")
	return cmd
}

func withAdmin(cmd *cobra.Command, force bool, fn func(*adminConfig) error) error {
	_, st, err := openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(&adminConfig{
		store: st,
		term:  terminal.NewTmux(),
		w:     cmd.OutOrStdout(),
		stdin: os.Stdin,
		isTTY: isStdinTTY,
		force: force,
	})
}

func runResetProject(ctx context.Context, cfg *adminConfig, id int64) error {
	p, err := cfg.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if !cfg.force {
		if err := confirm(cfg, fmt.Sprintf("reset project %d (%s, %s)?", p.ID, p.Status, p.SpecPath)); err != nil {
			return err
		}
	}
	if err := stopProjectSession(ctx, cfg, p); err != nil {
		return err
	}
	if err := cfg.store.ResetProject(ctx, id); err != nil {
		return err
	}
	_ = cfg.store.LogEvent(ctx, "project_reset", "cli", p.SessionName, "", fmt.Sprintf(`{"project":%d,"from":%q}`, id, p.Status))
	fmt.Fprintf(cfg.w, "project %d reset to queued\n", id)
	return nil
}

func runRemoveProject(ctx context.Context, cfg *adminConfig, id int64) error {
	p, err := cfg.store.GetProject(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == protocol.StatusProcessing && !cfg.force {
		return fmt.Errorf("project %d is processing; reset it first or pass --force", id)
	}
	if err := stopProjectSession(ctx, cfg, p); err != nil {
		return err
	}
	if err := cfg.store.RemoveProject(ctx, id); err != nil {
		return err
	}
	_ = cfg.store.LogEvent(ctx, "project_removed", "cli", p.SessionName, "", fmt.Sprintf(`{"project":%d}`, id))
	fmt.Fprintf(cfg.w, "project %d removed\n", id)
	return nil
}

// stopProjectSession kills a bound session and drops its check-ins.
func stopProjectSession(ctx context.Context, cfg *adminConfig, p *protocol.Project) error {
	if p.SessionName == "" {
		return nil
	}
	if p.Status == protocol.StatusProcessing || p.Status == protocol.StatusCreditPaused {
		exists, err := cfg.term.HasSession(ctx, p.SessionName)
		if err != nil {
			fmt.Fprintf(cfg.w, "warning: query session %s: %v\n", p.SessionName, err)
		} else if exists {
			fmt.Fprintf(cfg.w, "killing session %s\n", p.SessionName)
			if err := cfg.term.KillSession(ctx, p.SessionName); err != nil {
				return fmt.Errorf("kill session %s: %w", p.SessionName, err)
			}
		}
	}
	if _, err := cfg.store.DeleteTasksForSession(ctx, p.SessionName); err != nil {
		return fmt.Errorf("delete check-ins: %w", err)
	}
	return nil
}

// confirm asks a yes/no question on stdin. Non-interactive callers must pass
// --force.
func confirm(cfg *adminConfig, question string) error {
	if cfg.isTTY != nil && !cfg.isTTY() {
		return fmt.Errorf("confirmation required: stdin is not a TTY (use --force)")
	}
	fmt.Fprintf(cfg.w, "%s [y/N] ", question)
	line, err := bufio.NewReader(cfg.stdin).ReadString('\n')
	if err != nil && line == "" {
		return fmt.Errorf("read confirmation: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return nil
	}
	return fmt.Errorf("aborted")
}

var _ projectAdmin = (*store.Store)(nil)
