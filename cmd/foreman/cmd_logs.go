package main

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"slices"
	"time"

	"foreman/pkg/eventlog"
	"foreman/pkg/protocol"

	"github.com/spf13/cobra"
)

// logsConfig holds configuration for the logs command.
type logsConfig struct {
	tail      int
	follow    bool
	session   string
	role      string
	eventType string
	failures  bool
}

// newLogsCmd creates the "foreman logs" subcommand.
func newLogsCmd() *cobra.Command {
	var cfg logsConfig

	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Query and tail the daemon's event log",
		Long:  "Displays operational events recorded by the daemon, optionally filtered by\nsession, role or type. --failures prints the failure history instead.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			conf, err := loadConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			if cfg.failures {
				history := eventlog.NewFailureLog(filepath.Join(conf.Paths.LogsDir, protocol.FailureHistoryFile))
				return printFailures(w, history, cfg.tail)
			}

			r, err := eventlog.NewReader(conf.Paths.DBPath)
			if err != nil {
				return fmt.Errorf("open event log: %w", err)
			}
			defer r.Close()

			if cfg.follow {
				return followLogs(cmd.Context(), r, w, cfg, time.Second)
			}
			return printLogs(cmd.Context(), r, w, cfg)
		},
	}

	cmd.Flags().IntVar(&cfg.tail, "tail", 20, "number of recent entries to show")
	cmd.Flags().BoolVarP(&cfg.follow, "follow", "f", false, "poll for new events every 1s")
	cmd.Flags().StringVar(&cfg.session, "session", "", "only events for this session")
	cmd.Flags().StringVar(&cfg.role, "role", "", "only events for this agent role")
	cmd.Flags().StringVar(&cfg.eventType, "type", "", "only events of this type")
	cmd.Flags().BoolVar(&cfg.failures, "failures", false, "show the failure history")

	return cmd
}

func (c logsConfig) query(limit int, after *time.Time) eventlog.QueryOpts {
	return eventlog.QueryOpts{Session: c.session, Role: c.role, EventType: c.eventType, After: after, Limit: limit}
}

// printLogs shows the last N events in chronological order.
func printLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig) error {
	events, err := r.Query(ctx, cfg.query(cfg.tail, nil))
	if err != nil {
		return err
	}
	if len(events) == 0 {
		fmt.Fprintln(w, "no events found")
		return nil
	}
	slices.Reverse(events)
	for _, e := range events {
		formatEvent(w, e)
	}
	return nil
}

// followLogs prints the tail and then polls for newer events.
func followLogs(ctx context.Context, r *eventlog.Reader, w io.Writer, cfg logsConfig, every time.Duration) error {
	events, err := r.Query(ctx, cfg.query(cfg.tail, nil))
	if err != nil {
		return err
	}
	slices.Reverse(events)
	var lastID int64
	for _, e := range events {
		formatEvent(w, e)
		lastID = e.ID
	}

	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
		since := time.Now().Add(-time.Minute)
		newer, err := r.Query(ctx, cfg.query(100, &since))
		if err != nil {
			return err
		}
		slices.Reverse(newer)
		for _, e := range newer {
			if e.ID <= lastID {
				continue
			}
			formatEvent(w, e)
			lastID = e.ID
		}
	}
}

func formatEvent(w io.Writer, e eventlog.Event) {
	subject := e.Session
	if e.Role != "" {
		subject += "/" + e.Role
	}
	fmt.Fprintf(w, "%s  %-22s %-12s %s", e.CreatedAt.Local().Format(time.DateTime), e.Type, e.Source, dash(subject))
	if e.Payload != "" {
		fmt.Fprintf(w, "  %s", e.Payload)
	}
	fmt.Fprintln(w)
}

func printFailures(w io.Writer, history *eventlog.FailureLog, tail int) error {
	records, skipped, err := history.ReadAll()
	if err != nil {
		return err
	}
	if skipped > 0 {
		fmt.Fprintf(w, "warning: %d corrupt failure record(s) skipped\n", skipped)
	}
	if len(records) == 0 {
		fmt.Fprintln(w, "no failures recorded")
		return nil
	}
	if tail > 0 && len(records) > tail {
		records = records[len(records)-tail:]
	}
	for _, rec := range records {
		fmt.Fprintf(w, "%s  project %d  %-14s %s", rec.Timestamp.Local().Format(time.DateTime), rec.ProjectID, rec.Reason, rec.Session)
		if rec.Detail != "" {
			fmt.Fprintf(w, "  %s", rec.Detail)
		}
		if rec.ReportPath != "" {
			fmt.Fprintf(w, "  report=%s", rec.ReportPath)
		}
		fmt.Fprintln(w)
	}
	return nil
}
