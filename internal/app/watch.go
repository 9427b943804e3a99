package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"crypto-revenue-analyzer/internal/scheduler"
	"crypto-revenue-analyzer/internal/server"
	"crypto-revenue-analyzer/internal/service"
)

// WatchOptions configure the long-running mode.
type WatchOptions struct {
	Protocols []string
	Periods   []string
	Out       string
}

// Watch reruns the pipeline on every scheduler tick and serves the latest snapshot over HTTP when enabled.
func (a *App) Watch(ctx context.Context, opts WatchOptions) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	protocols, err := buildProtocols(a.Config.Protocols, opts.Protocols, a.Logger)
	if err != nil {
		return err
	}

	rt, err := a.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	runner, err := a.newRunner(rt, RunScope{Periods: opts.Periods})
	if err != nil {
		return err
	}
	emitter, err := a.newEmitter(rt, opts.Out, false)
	if err != nil {
		return err
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:       a.Config.Scheduler.Interval,
		AlignToStart:   a.Config.Scheduler.AlignToBucket,
		StartupDelay:   a.Config.Scheduler.StartupDelay,
		RunImmediately: a.Config.Scheduler.RunImmediately,
	}, a.Logger)
	if err != nil {
		return err
	}

	svc := service.New(runner, protocols, emitter, rt.snapshotStore(), a.newNotifier(), sched, a.serviceOptions(), a.Logger)

	g, gctx := errgroup.WithContext(ctx)
	if a.Config.Server.Enabled {
		var archive server.RunArchive
		if rt.store != nil {
			archive = rt.store
		}
		srv := server.New(a.Config.Server.Addr, svc, archive, a.basis(), a.Logger)
		g.Go(func() error {
			return srv.ListenAndServe(gctx)
		})
	}
	g.Go(func() error {
		a.Logger.Info().Int("protocols", len(protocols)).Dur("interval", a.Config.Scheduler.Interval).Msg("starting watch mode")
		return svc.Run(gctx)
	})

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch mode terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch mode stopped")
	return nil
}
