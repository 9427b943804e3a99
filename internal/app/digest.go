package app

import (
	"context"
	"errors"

	"crypto-revenue-analyzer/internal/alerting"
)

// SendDigest 将已归档运行的摘要重新推送到告警通道。
func (a *App) SendDigest(ctx context.Context, runID string) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if closeStore != nil {
		defer closeStore()
	}

	snap, err := a.loadSnapshot(ctx, store, runID)
	if err != nil {
		return err
	}

	digest := alerting.NewDigest(snap, a.basis(), a.Config.Alerting.DigestTop)
	digest.Channels = a.Config.Alerting.Channels
	if err := notifier.Notify(ctx, digest); err != nil {
		return err
	}
	a.Logger.Info().Str("run_id", snap.RunID()).Int("rows", len(digest.Rows)).Msg("digest sent")
	return nil
}
