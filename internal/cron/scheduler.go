// Package cron runs the server's housekeeping jobs (session reaping, pending
// call sweeps) on cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser accepts standard 5-field expressions and descriptors such as
// "@every 5s".
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// Job is a housekeeping function. now is the tick time.
type Job func(ctx context.Context, now time.Time)

// Config holds the scheduler settings.
type Config struct {
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 second if zero
}

type entry struct {
	name     string
	schedule cronlib.Schedule
	next     time.Time
	fn       Job
}

// Scheduler ticks at a fixed interval and fires every job whose next run is
// due. A job never runs concurrently with itself.
type Scheduler struct {
	logger   *slog.Logger
	interval time.Duration

	mu      sync.Mutex
	entries []*entry

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates a new Scheduler with the given config.
func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{logger: logger, interval: interval}
}

// Add registers fn under the cron expression expr. The first run is the
// schedule's first activation after now.
func (s *Scheduler) Add(name, expr string, fn Job) error {
	sched, err := cronParser.Parse(expr)
	if err != nil {
		return fmt.Errorf("cron: job %s: %w", name, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, &entry{name: name, schedule: sched, next: sched.Next(time.Now()), fn: fn})
	return nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron: scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron: scheduler stopped")
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
			s.Tick(ctx, now)
		}
	}
}

// Tick fires every job due at now and advances its next run.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) {
	s.mu.Lock()
	var due []*entry
	for _, e := range s.entries {
		if !now.Before(e.next) {
			e.next = e.schedule.Next(now)
			due = append(due, e)
		}
	}
	s.mu.Unlock()

	for _, e := range due {
		s.run(ctx, e, now)
	}
}

func (s *Scheduler) run(ctx context.Context, e *entry, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("cron: job panicked", "job", e.name, "panic", r)
		}
	}()
	e.fn(ctx, now)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
