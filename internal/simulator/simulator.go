package simulator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog"

	"rerouteline/internal/config"
	"rerouteline/internal/engine"
)

// Simulator advances in-transit reroutes owned by one node on a fixed tick.
// Progress is derived from the start time, so a restarted node resumes
// where the clock says it should be.
type Simulator struct {
	Engine   engine.Engine
	Interval time.Duration
	Logger   zerolog.Logger

	mu        sync.Mutex
	scheduler gocron.Scheduler
}

func New(e engine.Engine, interval time.Duration, logger zerolog.Logger) *Simulator {
	if interval <= 0 {
		interval = config.DefaultTransitTick
	}
	return &Simulator{
		Engine:   e,
		Interval: interval,
		Logger:   logger.With().Str("component", "simulator").Str("warehouse", e.Warehouse).Logger(),
	}
}

// Start schedules Tick every Interval. Overlapping ticks are skipped.
func (s *Simulator) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != nil {
		return errors.New("simulator already started")
	}
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}
	_, err = scheduler.NewJob(
		gocron.DurationJob(s.Interval),
		gocron.NewTask(func() {
			if err := s.Tick(ctx); err != nil {
				s.Logger.Error().Err(err).Msg("transit tick failed")
			}
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = scheduler.Shutdown()
		return err
	}
	scheduler.Start()
	s.scheduler = scheduler
	s.Logger.Info().Dur("interval", s.Interval).Dur("duration", s.Engine.TransitDuration()).Msg("transit simulator started")
	return nil
}

func (s *Simulator) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler == nil {
		return nil
	}
	err := s.scheduler.Shutdown()
	s.scheduler = nil
	return err
}

// Tick advances every in-transit reroute this node is the source of.
// A failure on one record does not stop the others.
func (s *Simulator) Tick(ctx context.Context) error {
	open, err := s.Engine.ListInTransit(ctx)
	if err != nil {
		return err
	}
	var errs []error
	for _, r := range open {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, delivered, err := s.Engine.AdvanceTransit(ctx, r.ID)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if delivered {
			s.Logger.Info().Str("reroute_id", rec.ID).Msg("reroute delivered")
		}
	}
	return errors.Join(errs...)
}
