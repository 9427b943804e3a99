package scheduler

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// TickFunc is invoked on every aligned interval.
type TickFunc func(ctx context.Context, bucket time.Time) error

// Options tune scheduler behaviour.
type Options struct {
	Interval     time.Duration
	AlignToStart bool
	StartupDelay time.Duration
	// RunImmediately fires one tick right after the startup delay instead of waiting for the first boundary.
	RunImmediately bool
}

// Scheduler drives aligned execution of pipeline runs.
type Scheduler struct {
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// New constructs a Scheduler instance.
func New(opts Options, logger zerolog.Logger) (*Scheduler, error) {
	if opts.Interval <= 0 {
		return nil, errors.New("scheduler interval must be positive")
	}
	return &Scheduler{
		opts:   opts,
		logger: logger.With().Str("component", "scheduler").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Run blocks, invoking the tick function at each aligned interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, tick TickFunc) error {
	if s.opts.StartupDelay > 0 {
		timer := time.NewTimer(s.opts.StartupDelay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}

	if s.opts.RunImmediately {
		s.fire(ctx, tick, s.bucketStart(s.now()))
	}

	next := s.NextTick(s.now())
	for {
		delay := next.Sub(s.now())
		if delay < 0 {
			next = s.NextTick(s.now())
			delay = next.Sub(s.now())
		}

		timer := time.NewTimer(delay)
		s.logger.Debug().Time("next_run", next).Msg("waiting for next run")

		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
			timer.Stop()
		}

		s.fire(ctx, tick, s.bucketStart(next))
		next = next.Add(s.opts.Interval)
	}
}

func (s *Scheduler) fire(ctx context.Context, tick TickFunc, bucket time.Time) {
	s.logger.Info().Time("bucket", bucket).Msg("executing scheduled run")
	if err := tick(ctx, bucket); err != nil {
		s.logger.Error().Err(err).Time("bucket", bucket).Msg("scheduled run failed")
	}
}

// NextTick returns the first tick strictly after now.
func (s *Scheduler) NextTick(now time.Time) time.Time {
	if !s.opts.AlignToStart {
		return now.Add(s.opts.Interval)
	}
	bucket := now.Truncate(s.opts.Interval)
	if !bucket.After(now) {
		bucket = bucket.Add(s.opts.Interval)
	}
	return bucket
}

func (s *Scheduler) bucketStart(t time.Time) time.Time {
	if !s.opts.AlignToStart {
		return t
	}
	return t.Truncate(s.opts.Interval)
}
