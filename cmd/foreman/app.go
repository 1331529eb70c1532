package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"foreman/pkg/completion"
	"foreman/pkg/config"
	"foreman/pkg/cycle"
	"foreman/pkg/eventlog"
	"foreman/pkg/failure"
	"foreman/pkg/health"
	"foreman/pkg/lock"
	"foreman/pkg/notify"
	"foreman/pkg/orchestrator"
	"foreman/pkg/protocol"
	"foreman/pkg/queue"
	"foreman/pkg/scheduler"
	"foreman/pkg/sessionstate"
	"foreman/pkg/store"
	"foreman/pkg/terminal"
)

// loadConfig resolves the configuration and creates the state directories.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.Paths.EnsureDirs(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// openStore loads the configuration and opens the state database. The caller
// closes the store.
func openStore(ctx context.Context) (config.Config, *store.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return cfg, nil, err
	}
	st, err := store.Open(ctx, cfg.Paths.DBPath)
	if err != nil {
		return cfg, nil, fmt.Errorf("open state db: %w", err)
	}
	return cfg, st, nil
}

// openDaemonLog opens the daemon log for appending.
func openDaemonLog(cfg config.Config, echo io.Writer) (*log.Logger, func() error, error) {
	f, err := os.OpenFile(cfg.Paths.DaemonLog, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600) //nolint:gosec // path derived from foreman home
	if err != nil {
		return nil, nil, fmt.Errorf("open daemon log: %w", err)
	}
	var w io.Writer = f
	if echo != nil {
		w = io.MultiWriter(f, echo)
	}
	return log.New(w, "", log.LstdFlags|log.LUTC), f.Close, nil
}

// app holds every long-lived component of a foreman process. Components
// are built once and passed to each other explicitly.
type app struct {
	cfg      config.Config
	logger   *log.Logger
	store    *store.Store
	term     *terminal.Tmux
	states   *sessionstate.Manager
	notifier *notify.Notifier
	schedLog *eventlog.SchedulingLog
	cycles   *cycle.Detector
	sched    *scheduler.Scheduler
	queue    *queue.Queue
	health   *health.Monitor
	complete *completion.Detector
	failure  *failure.Handler
	manager  *orchestrator.Manager

	unsubscribe func()
}

// buildApp opens the store and wires every component from cfg.
func buildApp(ctx context.Context, cfg config.Config, logger *log.Logger) (*app, error) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	st, err := store.Open(ctx, cfg.Paths.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open state db: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, store: st, term: terminal.NewTmux()}
	a.states = sessionstate.NewManager(cfg.Paths.StateDir, filepath.Join(cfg.Paths.Home, protocol.QuarantineDir),
		lock.NewKeyedLocker(cfg.Paths.LocksDir), logger)

	var mailer notify.Mailer
	if cfg.SMTPHost != "" && len(cfg.MailTo) > 0 {
		mailer = &notify.SMTPMailer{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.MailFrom,
			To:       cfg.MailTo,
			Timeout:  cfg.ExternalTimeout,
		}
	}
	a.notifier = notify.New(mailer, a.term, logger)

	a.schedLog = eventlog.NewSchedulingLog(filepath.Join(cfg.Paths.LogsDir, protocol.SchedulingLogFile), cfg.EventBufferSize, logger)
	a.cycles = cycle.New(a.schedLog, st, a.states, a.notifier, cycle.FromConfig(cfg), logger)
	a.sched = scheduler.New(st, a.term, a.states, a.cycles, scheduler.FromConfig(cfg), logger)
	a.unsubscribe = a.sched.Bus().Subscribe(a.sched.ReportToOrchestrator)

	var researcher queue.Researcher
	if cfg.AIValidation && len(cfg.ResearchCommand) > 0 {
		researcher = &queue.CommandResearcher{Runner: &terminal.ExecCommandRunner{}, Command: cfg.ResearchCommand}
	}
	a.queue = queue.New(st, a.states, a.notifier, researcher, queue.FromConfig(cfg), logger)

	var auth health.AuthChecker
	if len(cfg.AuthCheckCommand) > 0 {
		auth = &health.CommandAuthChecker{Runner: &terminal.ExecCommandRunner{}, Command: cfg.AuthCheckCommand, Timeout: cfg.ExternalTimeout}
	}
	a.health = health.New(health.Deps{
		Store:    st,
		Term:     a.term,
		Workers:  terminal.WorkerProbe{Scanner: terminal.NewProcessScanner(), Term: a.term, Binary: cfg.WorkerBinary},
		States:   a.states,
		Nudger:   a.sched,
		Alerter:  a.notifier,
		Recorder: a.cycles,
		Auth:     auth,
	}, health.FromConfig(cfg), logger)

	a.complete = completion.New(completion.Deps{
		Markers: completion.NewMarkerStore(cfg.Paths.Markers),
		States:  a.states,
		Health:  st,
		Term:    a.term,
		Git:     &completion.Git{Runner: &completion.ExecGitRunner{}},
		Impl:    completion.WorkspaceChecker{},
		Scorer:  completion.NewTextScorer(cfg),
		Events:  st,
	}, completion.FromConfig(cfg), logger)

	a.failure = failure.New(failure.Deps{
		Store:    st,
		Term:     a.term,
		States:   a.states,
		Notifier: a.notifier,
		History:  eventlog.NewFailureLog(filepath.Join(cfg.Paths.LogsDir, protocol.FailureHistoryFile)),
		Cycles:   a.cycles,
		Batches:  a.queue,
		Launcher: failure.NewLauncher(a.term, cfg.LaunchCommand, cfg.Paths.Home, cfg.LaunchTimeout),
	}, failure.FromConfig(cfg), logger)

	a.manager = orchestrator.New(orchestrator.Deps{
		Store:      st,
		Queue:      a.queue,
		Scheduler:  a.sched,
		Health:     a.health,
		Completion: a.complete,
		Failure:    a.failure,
		Term:       a.term,
		States:     a.states,
		Mailer:     a.notifier,
	}, orchestrator.FromConfig(cfg), logger)

	return a, nil
}

// replayEvents reloads the recent scheduling history so cycle detection
// resumes where the previous daemon stopped.
func (a *app) replayEvents() {
	n, err := a.schedLog.Replay(time.Now().Add(-a.cfg.CycleWindow))
	if err != nil {
		a.logger.Printf("level=warn msg=\"scheduling log replay failed\" err=%q", err)
		return
	}
	a.logger.Printf("level=info msg=\"scheduling log replayed\" events=%d", n)
}

func (a *app) Close() error {
	if a.unsubscribe != nil {
		a.unsubscribe()
	}
	return a.store.Close()
}
