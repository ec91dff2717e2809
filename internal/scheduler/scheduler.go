package scheduler

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"
	"github.com/transfa/billing-service/internal/config"
)

// Scheduler manages the cron jobs.
type Scheduler struct {
	cron   *cron.Cron
	jobs   *Jobs
	logger *slog.Logger
	config config.SchedulerConfig
}

// NewScheduler creates a new scheduler instance.
func NewScheduler(jobs *Jobs, logger *slog.Logger, cfg config.SchedulerConfig) *Scheduler {
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)))

	return &Scheduler{
		cron:   c,
		jobs:   jobs,
		logger: logger,
		config: cfg,
	}
}

// Start registers the jobs and starts the cron scheduler. It fails if any
// schedule does not parse.
func (s *Scheduler) Start() error {
	entries := []struct {
		name     string
		schedule string
		run      func()
	}{
		{"retry sweep", s.config.RetrySweepSchedule, s.jobs.RunRetrySweep},
		{"grace sweep", s.config.GraceSweepSchedule, s.jobs.RunGraceSweep},
		{"expiry sweep", s.config.ExpirySweepSchedule, s.jobs.RunExpirySweep},
		{"trial sweep", s.config.TrialSweepSchedule, s.jobs.RunTrialSweep},
		{"renewal sweep", s.config.RenewalSweepSchedule, s.jobs.RunRenewalSweep},
	}
	for _, entry := range entries {
		if _, err := s.cron.AddFunc(entry.schedule, entry.run); err != nil {
			return fmt.Errorf("failed to schedule %s %q: %w", entry.name, entry.schedule, err)
		}
		s.logger.Info("scheduled billing job", "job", entry.name, "schedule", entry.schedule)
	}

	s.cron.Start()
	return nil
}

// Entries reports how many jobs are registered.
func (s *Scheduler) Entries() int {
	return len(s.cron.Entries())
}

// Stop gracefully stops the cron scheduler.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}
