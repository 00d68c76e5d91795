// Package cron fires deploy cycles on a cron schedule. At most one
// cycle runs at a time; a tick that lands while a cycle is still going
// is skipped, not queued.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/khufu-labs/hemiunu/internal/deploy"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DeployRunner is the slice of deploy.Cycle the scheduler needs.
type DeployRunner interface {
	Run(ctx context.Context, dryRun bool) (*deploy.Report, error)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Runner   DeployRunner
	Expr     string // cron expression, e.g. "0 * * * *"
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 30 seconds if zero
}

// Scheduler triggers deploy cycles whenever the cron expression comes due.
type Scheduler struct {
	runner   DeployRunner
	schedule cronlib.Schedule
	expr     string
	logger   *slog.Logger
	interval time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight bool
	next     time.Time
}

// NewScheduler creates a Scheduler. The cron expression is validated here.
func NewScheduler(cfg Config) (*Scheduler, error) {
	schedule, err := cronParser.Parse(cfg.Expr)
	if err != nil {
		return nil, fmt.Errorf("parse cron expression %q: %w", cfg.Expr, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		runner:   cfg.Runner,
		schedule: schedule,
		expr:     cfg.Expr,
		logger:   logger,
		interval: interval,
	}, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Lock()
	s.next = s.schedule.Next(time.Now())
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("deploy scheduler started", "schedule", s.expr, "next_run", s.NextRun())
}

// Stop cancels the scheduler loop and waits for it to exit. An
// in-flight deploy cycle finishes on its own.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("deploy scheduler stopped")
}

// NextRun reports when the schedule fires next.
func (s *Scheduler) NextRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires the deploy cycle when the schedule has come due. Firing is
// asynchronous so a long cycle never blocks the ticker; the inFlight
// flag collapses overlapping fires into one.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	if now.Before(s.next) {
		s.mu.Unlock()
		return
	}
	s.next = s.schedule.Next(now)
	if s.inFlight {
		s.mu.Unlock()
		s.logger.Warn("deploy cycle still running, skipping scheduled fire")
		return
	}
	s.inFlight = true
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			s.inFlight = false
			s.mu.Unlock()
		}()

		report, err := s.runner.Run(ctx, false)
		if err != nil {
			s.logger.Error("scheduled deploy cycle failed", "error", err)
			return
		}
		s.logger.Info("scheduled deploy cycle finished",
			"deploy_id", report.DeployID,
			"status", report.Status,
			"merged", len(report.Merged),
			"conflicts", len(report.Conflicted),
		)
	}()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
