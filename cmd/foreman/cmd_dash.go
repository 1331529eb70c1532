package main

import (
	"errors"
	"fmt"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"
)

// newDashCmd creates the "foreman dash" subcommand.
func newDashCmd() *cobra.Command {
	var (
		interval time.Duration
		events   int
	)
	cmd := &cobra.Command{
		Use:   "dash",
		Short: "Interactive view of the queue, agent health and recent events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !isStdoutTTY() {
				return errors.New("dash needs an interactive terminal; use list-queue instead")
			}
			if interval <= 0 {
				return fmt.Errorf("--interval must be positive, got %s", interval)
			}
			cfg, st, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer st.Close()

			m := newDashModel(storeSource{store: st, pidPath: cfg.Paths.PIDPath, events: events}, interval)
			if _, err := tea.NewProgram(m, tea.WithAltScreen()).Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "refresh interval")
	cmd.Flags().IntVar(&events, "events", 10, "number of recent events to show")
	return cmd
}
