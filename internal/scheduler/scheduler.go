// Package scheduler drives the recurring backup, retention, and health
// check jobs from cron expressions.
package scheduler

import (
	"context"
	"fmt"
	"sync"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

// Config carries the cron expressions for the recurring jobs. An empty
// expression disables that job.
type Config struct {
	BackupCron    string
	RetentionCron string
	HealthCron    string
}

// Jobs are the callbacks the scheduler invokes. Nil entries are skipped.
type Jobs struct {
	Backup         func(ctx context.Context) error
	RetentionSweep func(ctx context.Context) error
	HealthCheck    func(ctx context.Context) error
}

// Scheduler owns the cron loop. Jobs run sequentially within the loop; run
// serialization across processes is the run lock's job, not the scheduler's.
type Scheduler struct {
	cfg    Config
	jobs   Jobs
	logger zerolog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	running bool
}

// New creates a scheduler.
func New(cfg Config, jobs Jobs, logger zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		jobs:   jobs,
		logger: logger.With().Str("component", "scheduler").Logger(),
	}
}

// Start registers the configured jobs and starts the cron loop. ctx is the
// base context handed to every job invocation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler already running")
	}

	c := cron.New()

	type entry struct {
		name string
		expr string
		fn   func(ctx context.Context) error
	}
	entries := []entry{
		{"backup", s.cfg.BackupCron, s.jobs.Backup},
		{"retention", s.cfg.RetentionCron, s.jobs.RetentionSweep},
		{"health", s.cfg.HealthCron, s.jobs.HealthCheck},
	}

	for _, e := range entries {
		if e.expr == "" || e.fn == nil {
			continue
		}
		name, fn := e.name, e.fn
		if _, err := c.AddFunc(e.expr, func() { s.runJob(ctx, name, fn) }); err != nil {
			return fmt.Errorf("invalid %s cron expression %q: %w", e.name, e.expr, err)
		}
		s.logger.Info().Str("job", e.name).Str("cron", e.expr).Msg("job scheduled")
	}

	c.Start()
	s.cron = c
	s.running = true
	s.logger.Info().Msg("scheduler started")
	return nil
}

// Stop halts the cron loop and waits for any in-flight job to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return
	}
	<-s.cron.Stop().Done()
	s.running = false
	s.logger.Info().Msg("scheduler stopped")
}

func (s *Scheduler) runJob(ctx context.Context, name string, fn func(ctx context.Context) error) {
	if ctx.Err() != nil {
		return
	}
	s.logger.Info().Str("job", name).Msg("job starting")
	if err := fn(ctx); err != nil {
		s.logger.Error().Err(err).Str("job", name).Msg("job failed")
		return
	}
	s.logger.Info().Str("job", name).Msg("job finished")
}
