package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"crypto-revenue-analyzer/internal/domain"
)

// CollectOptions configure a collection-only pass.
type CollectOptions struct {
	RunScope
	// PurgeCache drops cached upstream responses first so every source is queried again.
	PurgeCache bool
}

// Collect fetches raw observations and market data into the observation cache without scoring them.
// A later `run --use-cache` replays them offline.
func (a *App) Collect(ctx context.Context, opts CollectOptions) error {
	protocols, err := buildProtocols(a.Config.Protocols, opts.Protocols, a.Logger)
	if err != nil {
		return err
	}

	rt, err := a.openRuntime(ctx, false)
	if err != nil {
		return err
	}
	defer rt.close()

	if rt.obsCache == nil {
		return errors.New("sqlite.path 未配置，无法缓存采集结果")
	}

	if opts.PurgeCache {
		if rt.redis == nil {
			a.Logger.Warn().Msg("--purge-cache ignored: redis not configured")
		} else {
			n, err := rt.redis.Purge(ctx)
			if err != nil {
				return fmt.Errorf("purge response cache: %w", err)
			}
			a.Logger.Info().Int("keys", n).Msg("response cache purged")
		}
	}

	scope := opts.RunScope
	scope.UseCache = false
	runner, err := a.newRunner(rt, scope)
	if err != nil {
		return err
	}

	window, err := a.window(scope)
	if err != nil {
		return err
	}

	a.Logger.Info().Str("window", window.String()).Int("protocols", len(protocols)).Msg("collecting observations")
	res, err := runner.Collect(ctx, protocols, window)
	if err != nil {
		return err
	}

	perProtocol := make(map[string]int)
	for _, obs := range res.Observations {
		perProtocol[obs.ProtocolID]++
	}
	ids := make([]string, 0, len(protocols))
	for _, p := range protocols {
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Protocol\tObservations")
	for _, id := range ids {
		fmt.Fprintf(writer, "%s\t%d\n", id, perProtocol[id])
	}
	writer.Flush()

	if len(res.Issues) > 0 {
		fmt.Fprintln(os.Stdout)
		printIssues(os.Stdout, res.Issues)
	}

	a.Logger.Info().
		Int("observations", len(res.Observations)).
		Int("price_assets", len(assetsOf(res.Prices))).
		Int("issues", len(res.Issues)).
		Msg("collection finished")
	return nil
}

func assetsOf(prices *domain.PriceTable) []string {
	if prices == nil {
		return nil
	}
	return prices.Assets()
}
