package app

import (
	"context"
	"fmt"
	"os"

	"crypto-revenue-analyzer/internal/service"
)

// RunOptions configure a one-shot analysis.
type RunOptions struct {
	RunScope
	// SkipReport keeps the snapshot in the archive only.
	SkipReport bool
	// Out overrides report.dir.
	Out string
}

// Run executes one full pipeline pass, archives and emits the snapshot, then prints the comparison table.
func (a *App) Run(ctx context.Context, opts RunOptions) error {
	protocols, err := buildProtocols(a.Config.Protocols, opts.Protocols, a.Logger)
	if err != nil {
		return err
	}

	rt, err := a.openRuntime(ctx, true)
	if err != nil {
		return err
	}
	defer rt.close()

	runner, err := a.newRunner(rt, opts.RunScope)
	if err != nil {
		return err
	}
	emitter, err := a.newEmitter(rt, opts.Out, opts.SkipReport)
	if err != nil {
		return err
	}

	window, err := a.window(opts.RunScope)
	if err != nil {
		return err
	}
	svc := service.New(runner, protocols, emitter, rt.snapshotStore(), a.newNotifier(), nil, a.serviceOptions(), a.Logger)

	a.Logger.Info().Str("window", window.String()).Int("protocols", len(protocols)).Bool("use_cache", opts.UseCache).Msg("starting analysis run")
	snap, err := svc.RunOnce(ctx, window)
	if err != nil {
		return err
	}

	printComparison(os.Stdout, snap, a.basis())
	if n := len(snap.Issues()); n > 0 {
		fmt.Fprintf(os.Stdout, "\n%d issue(s) recorded; see issues.csv or `show --issues`\n", n)
	}
	return nil
}
