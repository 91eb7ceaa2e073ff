package scheduler

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"github.com/psycho789/bball-sub002/internal/metrics"
	"github.com/psycho789/bball-sub002/internal/season"
)

// Runner executes one incremental archive pass over a season
type Runner interface {
	RunOnce(ctx context.Context, s season.Season) error
}

// Scheduler runs the nightly incremental archive of the season in progress
// Triggers that fire while a pass is still running are skipped, never stacked
type Scheduler struct {
	runner   Runner
	schedule string
	cron     *cron.Cron
	ticker   *time.Ticker
	running  atomic.Bool
	stopChan chan struct{}
}

// NewScheduler creates a new scheduler instance
func NewScheduler(runner Runner, schedule string) *Scheduler {
	return &Scheduler{
		runner:   runner,
		schedule: schedule,
		cron:     cron.New(),
		stopChan: make(chan struct{}),
	}
}

// Start starts the scheduler
func (s *Scheduler) Start(ctx context.Context) error {
	log.Info().Msg("Scheduler starting...")

	// Setup nightly archive cron job
	if _, err := s.cron.AddFunc(s.schedule, func() {
		s.runNightly(ctx)
	}); err != nil {
		return fmt.Errorf("failed to schedule nightly archive: %w", err)
	}

	// Start cron scheduler
	s.cron.Start()
	log.Info().
		Str("schedule", s.schedule).
		Msg("Nightly archive scheduled")

	// Keep the uptime gauge current while the daemon runs
	s.ticker = time.NewTicker(10 * time.Second)
	go s.trackUptime(ctx)

	return nil
}

// Stop stops the scheduler
func (s *Scheduler) Stop() {
	log.Info().Msg("Stopping scheduler...")

	if s.cron != nil {
		s.cron.Stop()
	}

	if s.ticker != nil {
		s.ticker.Stop()
	}

	close(s.stopChan)
	log.Info().Msg("Scheduler stopped")
}

// runNightly archives the season currently in progress
// The current season is resolved at trigger time so a daemon left running
// across the July rollover picks up the new season on its own
func (s *Scheduler) runNightly(ctx context.Context) {
	if !s.running.CompareAndSwap(false, true) {
		log.Warn().Msg("Previous archive pass still in progress, skipping trigger")
		return
	}
	defer s.running.Store(false)

	current := season.Current(time.Now())
	log.Info().Str("season", current.Label()).Msg("Running nightly archive...")

	start := time.Now()
	if err := s.runner.RunOnce(ctx, current); err != nil {
		log.Error().
			Err(err).
			Str("season", current.Label()).
			Msg("Nightly archive failed")
		return
	}

	log.Info().
		Str("season", current.Label()).
		Dur("duration", time.Since(start)).
		Msg("Nightly archive complete")
}

// trackUptime updates the uptime gauge until the scheduler stops
func (s *Scheduler) trackUptime(ctx context.Context) {
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("Context cancelled, stopping uptime tracking")
			return
		case <-s.stopChan:
			log.Info().Msg("Stop signal received, stopping uptime tracking")
			return
		case <-s.ticker.C:
			metrics.SystemUptime.Set(time.Since(start).Seconds())
		}
	}
}
