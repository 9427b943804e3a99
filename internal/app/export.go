package app

import (
	"context"
	"errors"

	"crypto-revenue-analyzer/internal/report"
)

// ExportOptions configure re-rendering an archived run.
type ExportOptions struct {
	// RunID selects the archived snapshot. Empty means the latest.
	RunID   string
	Out     string
	Formats []string
	Basis   string
}

// Export renders an archived snapshot into report files without touching the sources.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return errors.New("database not configured; cannot export")
	}
	if closeStore != nil {
		defer closeStore()
	}

	snap, err := a.loadSnapshot(ctx, store, opts.RunID)
	if err != nil {
		return err
	}

	dir := opts.Out
	if dir == "" {
		dir = a.Config.Report.Dir
	}
	formats := opts.Formats
	if len(formats) == 0 {
		formats = a.Config.Report.Formats
	}
	basis := a.basis()
	if opts.Basis != "" {
		if basis, err = report.ParseBasis(opts.Basis); err != nil {
			return err
		}
	}

	emitter, err := report.New(report.Options{Dir: dir, Formats: formats, Basis: basis}, a.Logger)
	if err != nil {
		return err
	}
	if err := emitter.Emit(ctx, snap); err != nil {
		return err
	}

	a.Logger.Info().Str("run_id", snap.RunID()).Str("dir", dir).Strs("formats", formats).Msg("export completed")
	return nil
}
