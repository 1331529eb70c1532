package main

import (
	"fmt"

	"foreman/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root foreman command with all subcommands attached.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "foreman",
		Short:         "Control plane for tmux-bound agent teams",
		Long:          "foreman queues project specs, starts an agent team per project in its own\ntmux session and supervises check-ins, health, completion and failure.",
		Version:       fmt.Sprintf("foreman %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")

	cmd.AddCommand(
		newRunDaemonCmd(),
		newStopDaemonCmd(),
		newDaemonStatusCmd(),
		newEnqueueCmd(),
		newListQueueCmd(),
		newQueueStatusCmd(),
		newResetProjectCmd(),
		newRemoveProjectCmd(),
		newLaunchNextCmd(),
		newLogsCmd(),
		newDashCmd(),
	)

	return cmd
}
