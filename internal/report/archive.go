package report

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/domain"
)

// SnapshotSaver persists snapshots. storage.Store satisfies it.
type SnapshotSaver interface {
	SaveSnapshot(ctx context.Context, snap *domain.Snapshot) error
}

// Archive writes snapshots into the database.
type Archive struct {
	store  SnapshotSaver
	logger zerolog.Logger
}

var _ Emitter = (*Archive)(nil)

// NewArchive wraps store as an emitter.
func NewArchive(store SnapshotSaver, logger zerolog.Logger) *Archive {
	return &Archive{store: store, logger: logger.With().Str("component", "report_archive").Logger()}
}

// Emit implements Emitter.
func (a *Archive) Emit(ctx context.Context, snap *domain.Snapshot) error {
	if a.store == nil {
		return nil
	}
	if err := a.store.SaveSnapshot(ctx, snap); err != nil {
		return fmt.Errorf("archive snapshot %s: %w", snap.RunID(), err)
	}
	a.logger.Info().
		Str("run_id", snap.RunID()).
		Int("buckets", len(snap.Buckets())).
		Int("scores", len(snap.Scores())).
		Int("issues", len(snap.Issues())).
		Msg("snapshot archived")
	return nil
}
