package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newLaunchNextCmd creates the "foreman launch-next" subcommand. The failure
// handler runs it in a short-lived tmux session and reads its output to
// confirm the launch.
func newLaunchNextCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch-next",
		Short: "Start the next queued project if a slot is free",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			logger, closeLog, err := openDaemonLog(cfg, nil)
			if err != nil {
				return err
			}
			defer func() { _ = closeLog() }()

			a, err := buildApp(cmd.Context(), cfg, logger)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			p, err := a.manager.StartNext(cmd.Context())
			if p == nil && err == nil {
				fmt.Fprintln(cmd.OutOrStdout(), "no queued project (queue empty or concurrency limit reached)")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "started project %d in session %s\n", p.ID, p.SessionName)
			return nil
		},
	}
}
