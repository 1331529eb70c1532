package orchestrator

import (
	"context"
	"time"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// Run drives the poll loops until ctx is cancelled. Each loop runs on its
// own timer; a failing pass is logged and never stops the loop.
func (m *Manager) Run(ctx context.Context) error {
	m.logger.Printf("level=info msg=\"orchestrator started\" poll=%s health=%s completion=%s sweep=%s",
		m.cfg.PollInterval, m.cfg.HealthInterval, m.cfg.CompletionInterval, m.cfg.BatchSweep)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.every(ctx, m.cfg.PollInterval, m.pollOnce) })
	g.Go(func() error {
		return m.every(ctx, m.cfg.HealthInterval, func(ctx context.Context) {
			if _, err := m.HealthOnce(ctx); err != nil && ctx.Err() == nil {
				m.logger.Printf("level=warn msg=\"health pass failed\" err=%q", err)
			}
		})
	})
	g.Go(func() error { return m.completionLoop(ctx) })
	g.Go(func() error { return m.every(ctx, m.cfg.BatchSweep, m.sweepOnce) })
	err := g.Wait()

	m.logger.Printf("level=info msg=\"orchestrator stopped\"")
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// every runs fn immediately and then on each tick.
func (m *Manager) every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		fn(ctx)
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// pollOnce delivers due check-ins and starts queued projects.
func (m *Manager) pollOnce(ctx context.Context) {
	res, err := m.d.Scheduler.CheckAndRunDueTasks(ctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Printf("level=warn msg=\"scheduler pass failed\" err=%q", err)
	}
	if res.Due > 0 {
		m.logger.Printf("level=debug msg=\"check-ins delivered\" due=%d", res.Due)
	}
	m.FillSlots(ctx)
}

func (m *Manager) sweepOnce(ctx context.Context) {
	res, err := m.d.Queue.Sweep(ctx)
	if err != nil && ctx.Err() == nil {
		m.logger.Printf("level=warn msg=\"batch sweep failed\" err=%q", err)
	}
	if len(res.Resumed) > 0 {
		m.FillSlots(ctx)
	}
	if n, err := m.d.Store.PruneHealthRecords(ctx, m.now().Add(-m.cfg.HealthRetention)); err != nil {
		m.logger.Printf("level=warn msg=\"health record prune failed\" err=%q", err)
	} else if n > 0 {
		m.logger.Printf("level=debug msg=\"health records pruned\" count=%d", n)
	}
}

func (m *Manager) completionPass(ctx context.Context) {
	if _, err := m.MonitorOnce(ctx); err != nil && ctx.Err() == nil {
		m.logger.Printf("level=warn msg=\"completion pass failed\" err=%q", err)
	}
}

// completionLoop re-checks projects when a completion marker appears and
// falls back to the completion interval as a safety net.
func (m *Manager) completionLoop(ctx context.Context) error {
	if m.cfg.MarkersDir == "" {
		return m.every(ctx, m.cfg.CompletionInterval, m.completionPass)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Printf("level=warn msg=\"marker watch unavailable, polling\" err=%q", err)
		return m.every(ctx, m.cfg.CompletionInterval, m.completionPass)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(m.cfg.MarkersDir); err != nil {
		m.logger.Printf("level=warn msg=\"marker watch unavailable, polling\" dir=%s err=%q", m.cfg.MarkersDir, err)
		return m.every(ctx, m.cfg.CompletionInterval, m.completionPass)
	}

	fallback := time.NewTicker(m.cfg.CompletionInterval)
	defer fallback.Stop()
	m.completionPass(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write) != 0 {
				m.completionPass(ctx)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			m.logEvent(ctx, "watcher_error", "", err.Error())
		case <-fallback.C:
			m.completionPass(ctx)
		}
	}
}
