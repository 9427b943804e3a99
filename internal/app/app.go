package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/alerting"
	"crypto-revenue-analyzer/internal/cache"
	"crypto-revenue-analyzer/internal/config"
	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/fetcher"
	"crypto-revenue-analyzer/internal/pipeline"
	"crypto-revenue-analyzer/internal/report"
	"crypto-revenue-analyzer/internal/service"
	"crypto-revenue-analyzer/internal/storage"
	"crypto-revenue-analyzer/internal/storage/sqlite"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// RunScope selects what a pass covers. Zero dates fall back to the configured lookback ending yesterday.
type RunScope struct {
	Protocols []string
	Start     time.Time
	End       time.Time
	Periods   []string
	UseCache  bool
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	if a.Config.Database.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			store.Close()
			return nil, nil, err
		}
	}
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

func (a *App) openObservationCache() (*sqlite.Store, func(), error) {
	path := a.Config.SQLite.Path
	if path == "" {
		return nil, nil, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create sqlite dir: %w", err)
		}
	}
	store, err := sqlite.New(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open observation cache: %w", err)
	}
	return store, func() { _ = store.Close() }, nil
}

func (a *App) openResponseCache() (*cache.Redis, func(), error) {
	if a.Config.Redis.URL == "" {
		return nil, nil, nil
	}
	rc, err := cache.New(a.Config.Redis.URL, a.Config.Redis.Password, a.Config.Redis.TTL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect redis: %w", err)
	}
	return rc, func() { _ = rc.Close() }, nil
}

func (a *App) newSources(rc fetcher.ResponseCache) ([]fetcher.Source, fetcher.HistoryProvider) {
	src := a.Config.Sources
	sources := []fetcher.Source{
		fetcher.NewDeFiLlama(fetcher.DeFiLlamaOptions{
			BaseURL:   src.DeFiLlama.BaseURL,
			Timeout:   src.DeFiLlama.Timeout,
			UserAgent: src.DeFiLlama.UserAgent,
		}, rc, a.Logger),
		fetcher.NewEtherscan(fetcher.EtherscanOptions{
			BaseURL:    src.Etherscan.BaseURL,
			APIKey:     src.Etherscan.APIKey,
			PageSize:   src.Etherscan.PageSize,
			Timeout:    src.Etherscan.Timeout,
			RetryCount: src.Etherscan.RetryCount,
			RetryWait:  src.Etherscan.RetryWait,
			ChainIDs:   src.Etherscan.ChainIDs,
		}, a.Logger),
		fetcher.NewBlockchair(fetcher.BlockchairOptions{
			BaseURL:    src.Blockchair.BaseURL,
			APIKey:     src.Blockchair.APIKey,
			PageSize:   src.Blockchair.PageSize,
			Timeout:    src.Blockchair.Timeout,
			RetryCount: src.Blockchair.RetryCount,
			RetryWait:  src.Blockchair.RetryWait,
			Chains:     src.Blockchair.Chains,
		}, a.Logger),
		fetcher.NewOnChain(fetcher.OnChainOptions{
			RPCURLs:    src.OnChain.RPCURLs,
			Timeout:    src.OnChain.Timeout,
			BlockChunk: src.OnChain.BlockChunk,
		}, a.Logger),
		fetcher.NewDune(fetcher.DuneOptions{
			BaseURL:    src.Dune.BaseURL,
			APIKey:     src.Dune.APIKey,
			PageSize:   src.Dune.PageSize,
			Timeout:    src.Dune.Timeout,
			RetryCount: src.Dune.RetryCount,
			RetryWait:  src.Dune.RetryWait,
		}, a.Logger),
	}
	history := fetcher.NewCoinGecko(fetcher.CoinGeckoOptions{
		BaseURL:   src.CoinGecko.BaseURL,
		APIKey:    src.CoinGecko.APIKey,
		Pro:       src.CoinGecko.Pro,
		Timeout:   src.CoinGecko.Timeout,
		UserAgent: src.CoinGecko.UserAgent,
	}, rc, a.Logger)
	return sources, history
}

// runtime holds the clients one command opened. close releases them in reverse order.
type runtime struct {
	store    *storage.Store
	obsCache *sqlite.Store
	redis    *cache.Redis
	closers  []func()
}

func (r *runtime) close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

// snapshotStore hides a nil *storage.Store behind a nil interface.
func (r *runtime) snapshotStore() storage.SnapshotStore {
	if r.store == nil {
		return nil
	}
	return r.store
}

func (r *runtime) responseCache() fetcher.ResponseCache {
	if r.redis == nil {
		return nil
	}
	return r.redis
}

func (r *runtime) observationCache() pipeline.ObservationCache {
	if r.obsCache == nil {
		return nil
	}
	return r.obsCache
}

// openRuntime opens the optional backends. Unconfigured backends stay nil.
func (a *App) openRuntime(ctx context.Context, withStore bool) (*runtime, error) {
	rt := &runtime{}
	fail := func(err error) (*runtime, error) {
		rt.close()
		return nil, err
	}

	if withStore {
		store, closer, err := a.openStore(ctx)
		if err != nil {
			return fail(err)
		}
		if store == nil {
			a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
		} else {
			rt.store = store
			rt.closers = append(rt.closers, closer)
		}
	}

	obs, closer, err := a.openObservationCache()
	if err != nil {
		return fail(err)
	}
	if obs != nil {
		rt.obsCache = obs
		rt.closers = append(rt.closers, closer)
	}

	rc, closer, err := a.openResponseCache()
	if err != nil {
		// the response cache only saves upstream quota
		a.Logger.Warn().Err(err).Msg("redis unavailable; continuing without response cache")
	} else if rc != nil {
		rt.redis = rc
		rt.closers = append(rt.closers, closer)
	}
	return rt, nil
}

func (a *App) newRunner(rt *runtime, scope RunScope) (*pipeline.Runner, error) {
	periods, err := a.periods(scope.Periods)
	if err != nil {
		return nil, err
	}
	sources, history := a.newSources(rt.responseCache())
	return pipeline.New(sources, history, rt.observationCache(), pipeline.Options{
		Workers:            a.Config.Pipeline.Workers,
		PriceToleranceDays: a.Config.Pipeline.PriceToleranceDays,
		MinCounterparties:  a.Config.Pipeline.MinCounterparties,
		Periods:            periods,
		UseCache:           scope.UseCache,
		Assets:             a.Config.Assets,
	}, a.Logger), nil
}

func (a *App) periods(override []string) ([]domain.PeriodKind, error) {
	names := a.Config.Pipeline.Periods
	if len(override) > 0 {
		names = override
	}
	seen := make(map[domain.PeriodKind]bool)
	var kinds []domain.PeriodKind
	for _, name := range names {
		if strings.TrimSpace(name) == "" {
			continue
		}
		kind, err := domain.ParsePeriodKind(name)
		if err != nil {
			return nil, err
		}
		if !seen[kind] {
			seen[kind] = true
			kinds = append(kinds, kind)
		}
	}
	return kinds, nil
}

func (a *App) basis() report.Basis {
	basis, err := report.ParseBasis(a.Config.Report.AnnualBasis)
	if err != nil {
		return report.BasisDerived
	}
	return basis
}

// newEmitter archives into the store when present, then writes report files unless skipFiles is set.
func (a *App) newEmitter(rt *runtime, dir string, skipFiles bool) (report.Multi, error) {
	var out report.Multi
	if rt.store != nil {
		out = append(out, report.NewArchive(rt.store, a.Logger))
	}
	if skipFiles {
		return out, nil
	}
	if dir == "" {
		dir = a.Config.Report.Dir
	}
	files, err := report.New(report.Options{
		Dir:     dir,
		Formats: a.Config.Report.Formats,
		Basis:   a.basis(),
	}, a.Logger)
	if err != nil {
		return nil, err
	}
	return append(out, files...), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled || !a.Config.Alerting.Telegram.Enabled {
		return nil
	}
	cfg := a.Config.Alerting.Telegram
	return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.Timeout, a.Logger)
}

func (a *App) serviceOptions() service.Options {
	return service.Options{
		LookbackDays:       a.Config.Scheduler.LookbackDays,
		LockKey:            a.Config.Scheduler.AdvisoryLockKey,
		Retention:          a.Config.Scheduler.Retention,
		NotifyOnlyOnIssues: a.Config.Alerting.OnlyOnIssues,
		DigestTop:          a.Config.Alerting.DigestTop,
		Basis:              a.basis(),
		Channels:           a.Config.Alerting.Channels,
	}
}

// window resolves the run window from scope. Missing dates fall back to the configured lookback ending yesterday.
func (a *App) window(scope RunScope) (domain.Window, error) {
	end := scope.End
	if end.IsZero() {
		end = domain.Day(time.Now().UTC()).AddDate(0, 0, -1)
	}
	start := scope.Start
	if start.IsZero() {
		start = domain.Day(end).AddDate(0, 0, -(a.Config.Scheduler.LookbackDays - 1))
	}
	return domain.NewWindow(domain.Day(start), domain.Day(end))
}

func (a *App) loadSnapshot(ctx context.Context, store *storage.Store, runID string) (*domain.Snapshot, error) {
	if store == nil {
		return nil, errors.New("database not configured; no archived runs")
	}
	if runID == "" {
		return store.LatestSnapshot(ctx)
	}
	return store.LoadSnapshot(ctx, runID)
}
