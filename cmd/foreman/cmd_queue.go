package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"foreman/pkg/lock"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"
)

// newEnqueueCmd creates the "foreman enqueue" subcommand.
func newEnqueueCmd() *cobra.Command {
	var (
		specs     []string
		workspace string
		priority  int
		hours     float64
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Add project specs to the queue",
		Long: `Queues one or more specs as a single batch. Enqueueing a spec that is already
queued or processing for the same workspace returns the existing project id.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if len(specs) == 0 {
				return errors.New("at least one --spec is required")
			}
			if workspace != "" && len(specs) > 1 {
				return errors.New("--workspace applies to a single --spec")
			}
			if hours < 0 {
				return fmt.Errorf("--estimated-hours must not be negative, got %g", hours)
			}

			subs := make([]queue.Submission, 0, len(specs))
			for _, spec := range specs {
				abs, err := absExisting(spec)
				if err != nil {
					return fmt.Errorf("spec: %w", err)
				}
				ws := workspace
				if ws != "" {
					if ws, err = filepath.Abs(ws); err != nil {
						return fmt.Errorf("workspace: %w", err)
					}
				}
				subs = append(subs, queue.Submission{SpecPath: abs, WorkspacePath: ws, Priority: priority, EstimatedHours: hours})
			}

			cfg, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			q := queue.New(st, nil, nil, nil, queue.FromConfig(cfg), nil)
			batchID, ids, err := q.Submit(cmd.Context(), subs)
			if err != nil {
				return err
			}
			for i, id := range ids {
				fmt.Fprintf(cmd.OutOrStdout(), "enqueued project %d: %s\n", id, subs[i].SpecPath)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "batch %s\n", batchID)
			return nil
		},
	}
	cmd.Flags().StringArrayVar(&specs, "spec", nil, "path to a project spec (repeatable)")
	cmd.Flags().StringVar(&workspace, "workspace", "", "explicit workspace directory for the project")
	cmd.Flags().IntVar(&priority, "priority", 0, "higher priorities start first")
	cmd.Flags().Float64Var(&hours, "estimated-hours", 0, "expected run time; the project times out after a multiple of it")
	return cmd
}

func absExisting(path string) (string, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", err
	}
	if info.IsDir() {
		return "", fmt.Errorf("%s is a directory", abs)
	}
	return abs, nil
}

// newListQueueCmd creates the "foreman list-queue" subcommand.
func newListQueueCmd() *cobra.Command {
	var (
		statuses []string
		batch    string
		asJSON   bool
	)
	cmd := &cobra.Command{
		Use:   "list-queue",
		Short: "List queued, running and settled projects",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter := store.ListFilter{BatchID: batch}
			for _, s := range statuses {
				ps := protocol.ProjectStatus(strings.TrimSpace(s))
				if !ps.Valid() {
					return fmt.Errorf("unknown status %q", s)
				}
				filter.Statuses = append(filter.Statuses, ps)
			}

			_, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			projects, err := st.ListProjects(cmd.Context(), filter)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(w)
				enc.SetIndent("", "  ")
				return enc.Encode(projects)
			}
			if len(projects) == 0 {
				fmt.Fprintln(w, "queue is empty")
				return nil
			}
			if w == os.Stdout && isStdoutTTY() {
				fmt.Fprintln(w, styledQueueTable(projects))
				return nil
			}
			return writeQueueTable(w, projects)
		},
	}
	cmd.Flags().StringSliceVar(&statuses, "status", nil, "only show these statuses (comma separated)")
	cmd.Flags().StringVar(&batch, "batch", "", "only show one batch")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

var queueHeaders = []string{"ID", "STATUS", "PRI", "RETRY", "SESSION", "BATCH", "SPEC"}

func queueRow(p protocol.Project) []string {
	return []string{
		strconv.FormatInt(p.ID, 10),
		string(p.Status),
		strconv.Itoa(p.Priority),
		strconv.Itoa(p.RetryCount),
		dash(p.SessionName),
		dash(p.BatchID),
		p.SpecPath,
	}
}

func writeQueueTable(w io.Writer, projects []protocol.Project) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, strings.Join(queueHeaders, "\t"))
	for _, p := range projects {
		fmt.Fprintln(tw, strings.Join(queueRow(p), "\t"))
	}
	return tw.Flush()
}

func styledQueueTable(projects []protocol.Project) string {
	theme := DefaultTheme()
	rows := make([][]string, 0, len(projects))
	for _, p := range projects {
		rows = append(rows, queueRow(p))
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(theme.Muted)).
		Headers(queueHeaders...).
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			s := lipgloss.NewStyle().Padding(0, 1)
			if row == table.HeaderRow {
				return s.Bold(true).Foreground(theme.Primary)
			}
			if col == 1 && row >= 0 && row < len(projects) {
				return s.Foreground(theme.StatusColor(projects[row].Status))
			}
			return s
		})
	return t.String()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func parseProjectID(arg string) (int64, error) {
	id, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid project id %q", arg)
	}
	return id, nil
}

// newQueueStatusCmd creates the "foreman queue-status" subcommand.
func newQueueStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queue-status ID",
		Short: "Show one project with its agents and latest health",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseProjectID(args[0])
			if err != nil {
				return err
			}
			cfg, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			ctx := cmd.Context()
			p, err := st.GetProject(ctx, id)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			writeProject(w, p)
			if p.SessionName == "" {
				return nil
			}

			states := sessionstate.NewManager(cfg.Paths.StateDir, filepath.Join(cfg.Paths.Home, protocol.QuarantineDir),
				lock.NewKeyedLocker(cfg.Paths.LocksDir), nil)
			state, err := states.Load(p.SessionName)
			switch {
			case errors.Is(err, sessionstate.ErrNotFound):
			case err != nil:
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: session state: %v\n", err)
			default:
				writeAgents(w, state)
			}

			records, err := st.LatestHealth(ctx, p.SessionName)
			if err != nil {
				return err
			}
			if len(records) > 0 {
				fmt.Fprintln(w, "\nLatest health:")
				tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "ROLE\tCOMMAND\tWORKER\tSTUCK\tRECOVERIES\tCHECKED")
				for _, r := range records {
					stuck := "no"
					if r.Stuck {
						stuck = r.StuckDuration.Round(time.Minute).String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%t\t%s\t%d\t%s\n", r.AgentRole, dash(r.PaneCommand), r.WorkerPresent,
						stuck, r.RecoveryAttempts, r.CheckedAt.Local().Format(time.DateTime))
				}
				if err := tw.Flush(); err != nil {
					return err
				}
			}

			tasks, err := st.PendingTasks(ctx, p.SessionName, "")
			if err != nil {
				return err
			}
			fmt.Fprintf(w, "\nPending check-ins: %d\n", len(tasks))
			return nil
		},
	}
}

func writeProject(w io.Writer, p *protocol.Project) {
	fmt.Fprintf(w, "Project %d\n", p.ID)
	fmt.Fprintf(w, "  status:     %s\n", p.Status)
	fmt.Fprintf(w, "  spec:       %s\n", p.SpecPath)
	if p.WorkspacePath != "" {
		fmt.Fprintf(w, "  workspace:  %s\n", p.WorkspacePath)
	}
	fmt.Fprintf(w, "  priority:   %d\n", p.Priority)
	fmt.Fprintf(w, "  batch:      %s (retry %d)\n", dash(p.BatchID), p.RetryCount)
	fmt.Fprintf(w, "  session:    %s\n", dash(p.SessionName))
	fmt.Fprintf(w, "  enqueued:   %s\n", p.EnqueuedAt.Local().Format(time.DateTime))
	if p.StartedAt != nil {
		fmt.Fprintf(w, "  started:    %s\n", p.StartedAt.Local().Format(time.DateTime))
	}
	if p.CompletedAt != nil {
		fmt.Fprintf(w, "  finished:   %s\n", p.CompletedAt.Local().Format(time.DateTime))
	}
	if p.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:      %s\n", p.ErrorMessage)
	}
}

func writeAgents(w io.Writer, st *sessionstate.State) {
	fmt.Fprintf(w, "\nAgents (%s):\n", st.CompletionStatus)
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ROLE\tWINDOW\tALIVE\tCREDITS\tLAST CHECK-IN")
	for _, r := range st.Roles() {
		a := st.Agents[r]
		credits := "ok"
		if a.CreditsExhausted {
			credits = "exhausted"
		}
		last := "-"
		if a.LastCheckIn != nil {
			last = a.LastCheckIn.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%d\t%t\t%s\t%s\n", r, a.Window, a.Alive, credits, last)
	}
	_ = tw.Flush()
}
