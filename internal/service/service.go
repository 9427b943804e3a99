package service

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/alerting"
	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/metrics"
	"crypto-revenue-analyzer/internal/pipeline"
	"crypto-revenue-analyzer/internal/report"
	"crypto-revenue-analyzer/internal/scheduler"
	"crypto-revenue-analyzer/internal/storage"
)

// ErrLockHeld is returned when another instance holds the run lock.
var ErrLockHeld = errors.New("run lock held by another instance")

// Runner executes one pipeline pass.
type Runner interface {
	Run(ctx context.Context, protocols []pipeline.Protocol, window domain.Window) (*domain.Snapshot, error)
}

// Options tune a Service.
type Options struct {
	LookbackDays int
	LockKey      int64
	// Retention prunes archived runs older than this after every successful run. Zero keeps everything.
	Retention          time.Duration
	NotifyOnlyOnIssues bool
	DigestTop          int
	Basis              report.Basis
	Channels           []string
}

// Service orchestrates a guarded run: lock, pipeline, persist and emit, notify.
type Service struct {
	runner    Runner
	protocols []pipeline.Protocol
	emitter   report.Emitter
	store     storage.SnapshotStore
	locker    storage.AdvisoryLocker
	notifier  alerting.Notifier
	scheduler *scheduler.Scheduler
	opts      Options
	logger    zerolog.Logger

	latest atomic.Pointer[domain.Snapshot]
	now    func() time.Time
}

// New constructs the service. store, emitter, notifier and sched may be nil.
func New(runner Runner, protocols []pipeline.Protocol, emitter report.Emitter, store storage.SnapshotStore, notifier alerting.Notifier, sched *scheduler.Scheduler, opts Options, logger zerolog.Logger) *Service {
	if opts.LookbackDays <= 0 {
		opts.LookbackDays = 90
	}

	var locker storage.AdvisoryLocker
	if l, ok := store.(storage.AdvisoryLocker); ok {
		locker = l
	}

	return &Service{
		runner:    runner,
		protocols: protocols,
		emitter:   emitter,
		store:     store,
		locker:    locker,
		notifier:  notifier,
		scheduler: sched,
		opts:      opts,
		logger:    logger.With().Str("component", "service").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Run begins the scheduled loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Tick)
}

// Tick runs the pipeline over the lookback window ending the day before bucket.
func (s *Service) Tick(ctx context.Context, bucket time.Time) error {
	window, err := s.WindowFor(bucket)
	if err != nil {
		return err
	}
	_, err = s.RunOnce(ctx, window)
	if errors.Is(err, ErrLockHeld) {
		s.logger.Debug().Time("bucket", bucket).Msg("skip run because advisory lock held elsewhere")
		return nil
	}
	return err
}

// WindowFor returns the lookback window of complete days before bucket.
func (s *Service) WindowFor(bucket time.Time) (domain.Window, error) {
	last := domain.Day(bucket).AddDate(0, 0, -1)
	first := last.AddDate(0, 0, -(s.opts.LookbackDays - 1))
	return domain.NewWindow(first, last)
}

// RunOnce executes one guarded pass over window and publishes the snapshot.
func (s *Service) RunOnce(ctx context.Context, window domain.Window) (*domain.Snapshot, error) {
	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		s.recordRun("error")
		return nil, err
	}
	if !proceed {
		s.recordRun("skipped")
		return nil, ErrLockHeld
	}
	if unlock != nil {
		defer unlock()
	}

	snap, err := s.runner.Run(ctx, s.protocols, window)
	if err != nil {
		s.recordRun("error")
		return nil, fmt.Errorf("pipeline run: %w", err)
	}
	s.latest.Store(snap)

	s.logger.Info().
		Str("run_id", snap.RunID()).
		Str("window", window.String()).
		Int("buckets", len(snap.Buckets())).
		Int("scores", len(snap.Scores())).
		Int("issues", len(snap.Issues())).
		Msg("pipeline run finished")

	if s.emitter != nil {
		if err := s.emitter.Emit(ctx, snap); err != nil {
			s.recordRun("error")
			return snap, fmt.Errorf("emit snapshot: %w", err)
		}
	}

	s.notify(ctx, snap)
	s.prune(ctx)
	s.recordRun("success")
	return snap, nil
}

// Latest returns the most recent snapshot of this process, falling back to the archive.
func (s *Service) Latest(ctx context.Context) (*domain.Snapshot, error) {
	if snap := s.latest.Load(); snap != nil {
		return snap, nil
	}
	if s.store == nil {
		return nil, storage.ErrNoRuns
	}
	return s.store.LatestSnapshot(ctx)
}

func (s *Service) notify(ctx context.Context, snap *domain.Snapshot) {
	if s.notifier == nil {
		return
	}
	digest := alerting.NewDigest(snap, s.opts.Basis, s.opts.DigestTop)
	digest.Channels = s.opts.Channels
	if s.opts.NotifyOnlyOnIssues && digest.IssueCount() == 0 {
		return
	}
	if err := s.notifier.Notify(ctx, digest); err != nil {
		s.logger.Error().Err(err).Str("run_id", snap.RunID()).Msg("failed to dispatch digest")
	}
}

func (s *Service) prune(ctx context.Context) {
	if s.store == nil || s.opts.Retention <= 0 {
		return
	}
	deleted, err := s.store.DeleteRunsBefore(ctx, s.now().Add(-s.opts.Retention))
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to prune archived runs")
		return
	}
	if deleted > 0 {
		s.logger.Info().Int64("deleted", deleted).Msg("pruned archived runs")
	}
}

func (s *Service) recordRun(status string) {
	metrics.LastRunTimestamp.WithLabelValues(status).Set(float64(s.now().Unix()))
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.opts.LockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.opts.LockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}
