package integrity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler runs a Sweeper on a cron schedule. A sweep that is still running
// when the next tick fires causes that tick to be skipped.
type Scheduler struct {
	sweeper *Sweeper
	cron    *cron.Cron

	mu      sync.Mutex
	running bool
}

func NewScheduler(s *Sweeper) *Scheduler {
	return &Scheduler{
		sweeper: s,
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
	}
}

// Start schedules sweeps using a standard five-field cron expression or a
// descriptor such as "@hourly". An empty schedule disables sweeping.
// The scheduler stops when ctx is done.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if schedule == "" {
		s.sweeper.log.Info("integrity schedule not configured, skipping scheduler")
		return nil
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return fmt.Errorf("invalid integrity schedule %q: %w", schedule, err)
	}
	if _, err := s.cron.AddFunc(schedule, func() { s.run(ctx) }); err != nil {
		return fmt.Errorf("schedule integrity sweep: %w", err)
	}
	s.cron.Start()
	s.running = true
	s.sweeper.log.Info("integrity scheduler started", "schedule", schedule)

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

func (s *Scheduler) run(ctx context.Context) {
	rep, err := s.sweeper.RunOnce(ctx)
	if err != nil {
		s.sweeper.log.Error("integrity sweep failed", "error", err)
		return
	}
	s.sweeper.log.Info("integrity sweep completed",
		"checked", rep.Checked,
		"violations", len(rep.Violations),
		"duration_ms", rep.Duration.Milliseconds(),
	)
}

// Stop waits for a running sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.sweeper.log.Info("integrity scheduler stopped")
}

func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// NextRun returns the next scheduled sweep, or nil when not scheduled.
func (s *Scheduler) NextRun() *time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return nil
	}
	next := entries[0].Next
	return &next
}
