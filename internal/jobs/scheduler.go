package jobs

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

// offerRetention is how long unavailable offers stay stored before the
// purge removes them along with their matches.
const offerRetention = 90 * 24 * time.Hour

// SchedulerConfig holds the cron expressions for the recurring pipeline
// runs.
type SchedulerConfig struct {
	// NewSweepSchedule drives the shallow front-page sweep that picks up
	// fresh listings quickly.
	NewSweepSchedule string
	// BackfillSchedule drives the deep sweep that re-enqueues known
	// listings for refresh.
	BackfillSchedule     string
	AvailabilitySchedule string
	RetentionSchedule    string
}

// DefaultSchedulerConfig returns the production cadence.
func DefaultSchedulerConfig() *SchedulerConfig {
	return &SchedulerConfig{
		NewSweepSchedule:     "@every 10m",
		BackfillSchedule:     "@every 6h",
		AvailabilitySchedule: "@every 24h",
		RetentionSchedule:    "@every 24h",
	}
}

type retentionStore interface {
	DeleteUnavailableBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// Scheduler drives the recurring pipeline runs: index sweeps, availability
// re-checks and the retention purge.
type Scheduler struct {
	cron *cron.Cron

	sweepNew     func(ctx context.Context)
	backfill     func(ctx context.Context)
	availability func(ctx context.Context)
	retention    func(ctx context.Context)
}

// NewScheduler wires the recurring runs. Pass nil for the availability
// checker to disable re-checks.
func NewScheduler(config *SchedulerConfig, dispatcher *Dispatcher, checker *AvailabilityChecker, store retentionStore) (*Scheduler, error) {
	s := &Scheduler{cron: cron.New()}

	s.sweepNew = func(ctx context.Context) {
		dispatcher.SweepAllNew(ctx)
	}
	s.backfill = func(ctx context.Context) {
		dispatcher.SweepAll(ctx)
	}
	if checker != nil {
		s.availability = func(ctx context.Context) {
			if _, err := checker.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Availability sweep failed")
			}
		}
	}
	s.retention = func(ctx context.Context) {
		deleted, err := store.DeleteUnavailableBefore(ctx, time.Now().Add(-offerRetention))
		if err != nil {
			log.Error().Err(err).Msg("Retention purge failed")
			return
		}
		if deleted > 0 {
			log.Info().Int64("count", deleted).Msg("Purged old unavailable offers")
		}
	}

	return s, s.register(config)
}

func (s *Scheduler) register(config *SchedulerConfig) error {
	ctx := context.Background()

	if _, err := s.cron.AddFunc(config.NewSweepSchedule, func() { s.sweepNew(ctx) }); err != nil {
		return err
	}
	if _, err := s.cron.AddFunc(config.BackfillSchedule, func() { s.backfill(ctx) }); err != nil {
		return err
	}
	if s.availability != nil {
		if _, err := s.cron.AddFunc(config.AvailabilitySchedule, func() { s.availability(ctx) }); err != nil {
			return err
		}
	}
	if _, err := s.cron.AddFunc(config.RetentionSchedule, func() { s.retention(ctx) }); err != nil {
		return err
	}
	return nil
}

// Start begins the schedule and kicks off an immediate backfill so a fresh
// deployment does not wait out the first interval.
func (s *Scheduler) Start(ctx context.Context) {
	s.cron.Start()
	go s.backfill(ctx)
	log.Info().Msg("Scheduler started")
}

// Stop halts the schedule and waits for running jobs.
func (s *Scheduler) Stop() {
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	log.Info().Msg("Scheduler stopped")
}
