package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"foreman/internal/appversion"
	"foreman/pkg/config"
	"foreman/pkg/lock"
	"foreman/pkg/protocol"
	"foreman/pkg/telemetry"

	"github.com/spf13/cobra"
)

// newRunDaemonCmd creates the "foreman run-daemon" subcommand.
func newRunDaemonCmd() *cobra.Command {
	var pollSec int
	cmd := &cobra.Command{
		Use:   "run-daemon",
		Short: "Run the orchestration daemon in the foreground",
		Long: `Runs the scheduler, health, completion and batch loops until SIGTERM or SIGINT.
Only one daemon may run per foreman home; a second instance exits with an error.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if pollSec < 0 {
				return fmt.Errorf("--poll-interval must be positive, got %d", pollSec)
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if pollSec > 0 {
				cfg.PollInterval = time.Duration(pollSec) * time.Second
			}
			return runDaemon(cmd, cfg)
		},
	}
	cmd.Flags().IntVar(&pollSec, "poll-interval", 0, "seconds between scheduler passes (default from config)")
	return cmd
}

func runDaemon(cmd *cobra.Command, cfg config.Config) error {
	pl, err := lock.Acquire(cfg.Paths.LockPath, "foreman run-daemon", lock.Options{
		StaleAfter: cfg.LockStaleAfter,
		Heartbeat:  cfg.LockHeartbeat,
	})
	if err != nil {
		if errors.Is(err, protocol.ErrAlreadyRunning) {
			return fmt.Errorf("daemon not started: %w", err)
		}
		return err
	}
	defer func() { _ = pl.Release() }()

	logger, closeLog, err := openDaemonLog(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer func() { _ = closeLog() }()
	if pl.Reclaimed() {
		logger.Printf("level=warn msg=\"reclaimed lock from dead daemon\" lock=%s", cfg.Paths.LockPath)
	}

	if err := WritePIDFile(cfg.Paths.PIDPath, os.Getpid()); err != nil {
		return err
	}
	ctx, cleanup := SetupSignalHandler(cmd.Context(), cfg.Paths.PIDPath)
	defer cleanup()

	shutdown, err := telemetry.Init(ctx, telemetry.Config{
		ServiceName:    cfg.ServiceName,
		ServiceVersion: appversion.String(),
		OTLPEndpoint:   cfg.OTLPEndpoint,
	})
	if err != nil {
		logger.Printf("level=warn msg=\"tracing disabled\" err=%q", err)
		shutdown = func(context.Context) error { return nil }
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = shutdown(sctx)
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()
	a.replayEvents()

	fmt.Fprintf(cmd.OutOrStdout(), "foreman daemon started (PID %d, poll=%s, max_concurrent=%d)\n",
		os.Getpid(), cfg.PollInterval, cfg.MaxConcurrent)
	runErr := a.manager.Run(ctx)
	if hbErr := pl.HeartbeatErr(); hbErr != nil {
		logger.Printf("level=warn msg=\"lock heartbeat failing\" err=%q", hbErr)
	}
	if runErr != nil {
		return fmt.Errorf("daemon: %w", runErr)
	}
	fmt.Fprintln(cmd.OutOrStdout(), "foreman daemon stopped")
	return nil
}

// newStopDaemonCmd creates the "foreman stop-daemon" subcommand.
func newStopDaemonCmd() *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "stop-daemon",
		Short: "Send SIGTERM to the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			pidPath := cfg.Paths.PIDPath

			status, pid, err := DaemonStatus(pidPath)
			if err != nil {
				return err
			}

			switch status {
			case StatusStopped:
				fmt.Fprintln(cmd.OutOrStdout(), "daemon is not running")
				return nil
			case StatusStale:
				fmt.Fprintln(cmd.OutOrStdout(), "removing stale PID file (process already dead)")
				return RemovePIDFile(pidPath)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "sending SIGTERM to daemon (PID %d)\n", pid)
			if err := StopDaemon(pidPath); err != nil {
				return err
			}
			if wait <= 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "stop signal sent")
				return nil
			}
			if err := waitForExit(cmd.Context(), pid, lock.IsProcessAlive, wait, 200*time.Millisecond); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
			return nil
		},
	}
	cmd.Flags().DurationVar(&wait, "wait", 30*time.Second, "how long to wait for the daemon to exit (0 = do not wait)")
	return cmd
}

// newDaemonStatusCmd creates the "foreman daemon-status" subcommand.
func newDaemonStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-status",
		Short: "Show whether the daemon is running",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()

			status, pid, err := DaemonStatus(cfg.Paths.PIDPath)
			if err != nil {
				return err
			}
			switch status {
			case StatusRunning:
				fmt.Fprintf(w, "daemon: running (PID %d)\n", pid)
			case StatusStale:
				fmt.Fprintf(w, "daemon: stale PID file (PID %d is dead)\n", pid)
			default:
				fmt.Fprintln(w, "daemon: stopped")
			}

			if rec, err := lock.ReadRecord(lock.RecordPath(cfg.Paths.LockPath)); err == nil {
				age := time.Since(rec.Heartbeat).Round(time.Second)
				fmt.Fprintf(w, "lock: held by PID %d (%s), last heartbeat %s ago\n", rec.PID, rec.Identity, age)
			}
			return nil
		},
	}
}
