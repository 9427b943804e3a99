// Package pipeline runs the fetch → normalize → classify → aggregate → score pass over a protocol list.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"crypto-revenue-analyzer/internal/aggregate"
	"crypto-revenue-analyzer/internal/classify"
	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/fetcher"
	"crypto-revenue-analyzer/internal/metrics"
	"crypto-revenue-analyzer/internal/normalize"
	"crypto-revenue-analyzer/internal/score"
)

const defaultWorkers = 4

// SourceBinding attaches one source query to a protocol.
type SourceBinding struct {
	Source  string
	ChainID string
	Target  fetcher.Target
}

// Protocol is the full per-protocol configuration consumed by a run.
type Protocol struct {
	ID        string
	Name      string
	Sector    string
	TokenType string
	// CoinGeckoID identifies the protocol token for market caps. Empty means no market cap.
	CoinGeckoID string
	Chains      []string
	Sources     []SourceBinding
	Normalize   normalize.Rule
	Revenue     classify.Rule
}

// Info returns the report metadata of p.
func (p Protocol) Info() domain.ProtocolInfo {
	return domain.ProtocolInfo{
		ID:        p.ID,
		Name:      p.Name,
		Sector:    p.Sector,
		TokenType: p.TokenType,
		Chains:    append([]string(nil), p.Chains...),
	}
}

// ObservationCache stores fetched raw rows and daily series between runs.
type ObservationCache interface {
	SaveObservations(ctx context.Context, observations []domain.RawObservation) error
	LoadObservations(ctx context.Context, protocolIDs []string, from, to time.Time) ([]domain.RawObservation, error)
	SaveSeries(ctx context.Context, kind, key string, series *domain.DailySeries) error
	LoadSeries(ctx context.Context, kind, key string, from, to time.Time) (*domain.DailySeries, error)
}

// Options tune a Runner.
type Options struct {
	Workers            int
	PriceToleranceDays int
	MinCounterparties  int
	Periods            []domain.PeriodKind
	// UseCache replays cached observations and series instead of calling the sources.
	UseCache bool
	// Assets maps price symbols (ETH, STETH) onto CoinGecko ids.
	Assets map[string]string
	Now    func() time.Time
}

// Runner executes pipeline passes. It is safe to reuse across runs.
type Runner struct {
	sources map[string]fetcher.Source
	history fetcher.HistoryProvider
	cache   ObservationCache
	opts    Options
	logger  zerolog.Logger
}

// New builds a Runner. history and cache may be nil.
func New(sources []fetcher.Source, history fetcher.HistoryProvider, cache ObservationCache, opts Options, logger zerolog.Logger) *Runner {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.PriceToleranceDays < 0 {
		opts.PriceToleranceDays = normalize.DefaultPriceToleranceDays
	}
	if len(opts.Periods) == 0 {
		opts.Periods = domain.AllPeriodKinds
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	assets := make(map[string]string, len(opts.Assets))
	for sym, id := range opts.Assets {
		assets[strings.ToUpper(sym)] = id
	}
	opts.Assets = assets

	bySource := make(map[string]fetcher.Source, len(sources))
	for _, s := range sources {
		if s != nil {
			bySource[s.Name()] = s
		}
	}
	return &Runner{
		sources: bySource,
		history: history,
		cache:   cache,
		opts:    opts,
		logger:  logger.With().Str("component", "pipeline").Logger(),
	}
}

// CollectResult summarises a collection pass.
type CollectResult struct {
	Observations []domain.RawObservation
	Prices       *domain.PriceTable
	MarketCaps   score.SeriesMarketCaps
	Issues       []domain.Issue
}

// Collect gathers raw observations and market data for the window, from the sources or, with UseCache, from the
// observation cache. Fresh data is written back to the cache.
func (r *Runner) Collect(ctx context.Context, protocols []Protocol, window domain.Window) (CollectResult, error) {
	var res CollectResult
	if len(protocols) == 0 {
		return res, errors.New("pipeline: no protocols selected")
	}
	if !window.Start.Before(window.End) {
		return res, fmt.Errorf("pipeline: empty window %s", window)
	}
	if r.opts.UseCache && r.cache == nil {
		return res, errors.New("pipeline: cached run requested but no observation cache configured")
	}

	var err error
	if r.opts.UseCache {
		res.Observations, err = r.cache.LoadObservations(ctx, protocolIDs(protocols), window.Start, window.End)
		if err != nil {
			return res, fmt.Errorf("load cached observations: %w", err)
		}
		r.logger.Info().Int("observations", len(res.Observations)).Msg("replaying cached observations")
	} else {
		res.Observations, res.Issues, err = r.fetchAll(ctx, protocols, window)
		if err != nil {
			return res, err
		}
		if r.cache != nil {
			if err := r.cache.SaveObservations(ctx, res.Observations); err != nil {
				r.logger.Warn().Err(err).Msg("observation cache write failed")
			}
		}
	}

	prices, caps, issues, err := r.marketData(ctx, protocols, res.Observations, window)
	if err != nil {
		return res, err
	}
	res.Prices = prices
	res.MarketCaps = caps
	res.Issues = append(res.Issues, issues...)
	return res, nil
}

// Run executes one full pass and freezes the result into a Snapshot.
func (r *Runner) Run(ctx context.Context, protocols []Protocol, window domain.Window) (*domain.Snapshot, error) {
	started := r.opts.Now()
	collected, err := r.Collect(ctx, protocols, window)
	if err != nil {
		return nil, err
	}
	snap := r.Process(protocols, window, collected)
	metrics.RunDuration.Observe(r.opts.Now().Sub(started).Seconds())
	return snap, nil
}

// Process runs the synchronous stages over collected inputs. It performs no I/O.
func (r *Runner) Process(protocols []Protocol, window domain.Window, in CollectResult) *domain.Snapshot {
	issues := append([]domain.Issue(nil), in.Issues...)

	normRules := make(map[string]normalize.Rule, len(protocols))
	revRules := make(map[string]classify.Rule, len(protocols))
	peers := make(score.PeerGroups, len(protocols))
	infos := make([]domain.ProtocolInfo, 0, len(protocols))
	for _, p := range protocols {
		normRules[p.ID] = p.Normalize
		revRules[p.ID] = p.Revenue
		if strings.TrimSpace(p.Sector) != "" {
			peers[p.ID] = p.Sector
		}
		infos = append(infos, p.Info())
	}

	normalized := normalize.New(in.Prices, r.opts.PriceToleranceDays).NormalizeBatch(in.Observations, normRules)
	issues = append(issues, normalized.Issues...)
	metrics.RecordsProcessed.WithLabelValues("normalize").Add(float64(len(normalized.Records)))
	if normalized.Duplicates > 0 {
		r.logger.Debug().Int("duplicates", normalized.Duplicates).Msg("duplicate observations collapsed")
	}

	// Protocols without a usable rule are dropped even when they produced no records.
	dropped := make(map[string]struct{})
	for _, p := range protocols {
		if err := p.Revenue.Validate(); err != nil {
			dropped[p.ID] = struct{}{}
			issues = append(issues, domain.NewIssue(fmt.Errorf("%w: protocol %s: %v", domain.ErrNoClassificationRule, p.ID, err), p.ID))
			r.logger.Warn().Err(err).Str("protocol", p.ID).Msg("protocol dropped: no usable revenue rule")
		}
	}
	records := normalized.Records
	if len(dropped) > 0 {
		records = make([]domain.NormalizedRecord, 0, len(normalized.Records))
		for _, rec := range normalized.Records {
			if _, skip := dropped[rec.ProtocolID]; !skip {
				records = append(records, rec)
			}
		}
	}

	classified := classify.ClassifyAll(records, revRules)
	issues = append(issues, classified.Issues...)
	metrics.RecordsProcessed.WithLabelValues("classify").Add(float64(len(classified.Records)))
	for _, id := range classified.Dropped {
		dropped[id] = struct{}{}
	}
	kept := make([]string, 0, len(protocols))
	for _, p := range protocols {
		if _, ok := dropped[p.ID]; !ok {
			kept = append(kept, p.ID)
		}
	}

	asOf := domain.Day(r.opts.Now().UTC())
	var buckets []domain.PeriodBucket
	for _, kind := range r.opts.Periods {
		buckets = append(buckets, aggregate.Aggregate(classified.Records, kind, aggregate.Options{
			Start:     window.Start,
			End:       window.End,
			AsOf:      asOf,
			Protocols: kept,
		})...)
	}
	metrics.RecordsProcessed.WithLabelValues("aggregate").Add(float64(len(buckets)))

	scores, scoreIssues := score.New(score.Options{MinCounterparties: r.opts.MinCounterparties}).Score(buckets, in.MarketCaps, peers)
	issues = append(issues, scoreIssues...)
	metrics.RecordsProcessed.WithLabelValues("score").Add(float64(len(scores)))

	// A protocol outside any peer group is misconfigured: its buckets are withheld along with its scores.
	excluded := make(map[string]string, len(dropped))
	for id := range dropped {
		excluded[id] = domain.ReasonNoClassificationRule
	}
	for _, p := range protocols {
		if _, ok := peers[p.ID]; !ok {
			if _, done := excluded[p.ID]; !done {
				excluded[p.ID] = domain.ReasonNoSector
			}
		}
	}
	if len(excluded) > 0 {
		kept := buckets[:0]
		for _, b := range buckets {
			if _, skip := excluded[b.ProtocolID]; !skip {
				kept = append(kept, b)
			}
		}
		buckets = kept
	}
	summary := score.Summarize(infos, buckets, scores, excluded)

	for _, is := range issues {
		metrics.IssuesTotal.WithLabelValues(string(is.Kind)).Inc()
	}

	snap := domain.NewSnapshot(uuid.NewString(), r.opts.Now(), window, infos, buckets, scores, issues, summary)
	r.logger.Info().
		Str("run_id", snap.RunID()).
		Str("window", window.String()).
		Int("records", len(classified.Records)).
		Int("buckets", len(buckets)).
		Int("scores", len(scores)).
		Int("issues", len(issues)).
		Msg("pipeline pass complete")
	return snap
}

type fetchJob struct {
	protocol Protocol
	binding  SourceBinding
}

type fetchResult struct {
	observations []domain.RawObservation
	issues       []domain.Issue
}

func (r *Runner) fetchAll(ctx context.Context, protocols []Protocol, window domain.Window) ([]domain.RawObservation, []domain.Issue, error) {
	var jobs []fetchJob
	for _, p := range protocols {
		for _, b := range p.Sources {
			jobs = append(jobs, fetchJob{protocol: p, binding: b})
		}
	}
	results := make([]fetchResult, len(jobs))

	g := new(errgroup.Group)
	g.SetLimit(r.opts.Workers)
	for i, job := range jobs {
		i, job := i, job
		g.Go(func() error {
			results[i] = r.fetchOne(ctx, job, window)
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, err
	}

	var (
		observations []domain.RawObservation
		issues       []domain.Issue
	)
	for _, res := range results {
		observations = append(observations, res.observations...)
		issues = append(issues, res.issues...)
	}
	return observations, issues, nil
}

func (r *Runner) fetchOne(ctx context.Context, job fetchJob, window domain.Window) fetchResult {
	name := job.binding.Source
	fail := func(err error) fetchResult {
		metrics.SourceErrors.WithLabelValues(name).Inc()
		issue := domain.NewIssue(fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, name, err), job.protocol.ID)
		issue.ChainID = job.binding.ChainID
		issue.Source = name
		r.logger.Warn().Err(err).Str("protocol", job.protocol.ID).Str("source", name).Str("chain", job.binding.ChainID).Msg("source fetch failed")
		return fetchResult{issues: []domain.Issue{issue}}
	}

	src, ok := r.sources[name]
	if !ok {
		return fail(errors.New("source not configured"))
	}

	started := time.Now()
	obs, err := src.Fetch(ctx, fetcher.Request{
		ProtocolID: job.protocol.ID,
		ChainID:    job.binding.ChainID,
		Start:      window.Start,
		End:        window.End,
		Target:     job.binding.Target,
	})
	metrics.SourceDuration.WithLabelValues(name).Observe(time.Since(started).Seconds())
	var partial *fetcher.PartialError
	if err != nil && !errors.As(err, &partial) {
		return fail(err)
	}
	metrics.ObservationsFetched.WithLabelValues(name).Add(float64(len(obs)))
	res := fetchResult{observations: obs}
	if partial != nil {
		r.logger.Warn().Str("protocol", job.protocol.ID).Str("source", name).Int("skipped", len(partial.Skipped)).Msg("unreadable upstream points skipped")
		res.issues = skippedIssues(partial, job.protocol.ID, job.binding.ChainID)
	}
	return res
}

// skippedIssues turns each unreadable upstream point into its own malformed_source_data issue.
func skippedIssues(partial *fetcher.PartialError, protocolID, chainID string) []domain.Issue {
	out := make([]domain.Issue, 0, len(partial.Skipped))
	for _, detail := range partial.Skipped {
		issue := domain.NewIssue(fmt.Errorf("%w: %s: %s", domain.ErrMalformedSourceData, partial.Source, detail), protocolID)
		issue.ChainID = chainID
		issue.Source = partial.Source
		out = append(out, issue)
	}
	return out
}

// marketData resolves prices for every non-USD denomination seen and market caps for every protocol token.
func (r *Runner) marketData(ctx context.Context, protocols []Protocol, observations []domain.RawObservation, window domain.Window) (*domain.PriceTable, score.SeriesMarketCaps, []domain.Issue, error) {
	aliases := make(map[string]map[string]string, len(protocols))
	for _, p := range protocols {
		aliases[p.ID] = p.Normalize.AssetAliases
	}

	// symbol -> coingecko id
	wanted := make(map[string]string)
	var issues []domain.Issue
	unmapped := make(map[string]struct{})
	for _, obs := range observations {
		sym := strings.ToUpper(strings.TrimSpace(obs.Currency))
		if sym == "" || sym == domain.CurrencyUSD {
			continue
		}
		if alias, ok := aliases[obs.ProtocolID][sym]; ok {
			sym = strings.ToUpper(alias)
		}
		if _, done := wanted[sym]; done {
			continue
		}
		id, ok := r.opts.Assets[sym]
		if !ok {
			if _, seen := unmapped[sym]; !seen {
				unmapped[sym] = struct{}{}
				r.logger.Warn().Str("asset", sym).Msg("no price source mapped for asset")
			}
			continue
		}
		wanted[sym] = id
	}

	tol := r.opts.PriceToleranceDays
	priceFrom := window.Start.AddDate(0, 0, -tol)
	priceTo := window.End.AddDate(0, 0, tol)

	type historyJob struct {
		id       string
		from, to time.Time
	}
	jobs := make(map[string]historyJob)
	for _, id := range wanted {
		jobs[id] = historyJob{id: id, from: priceFrom, to: priceTo}
	}
	for _, p := range protocols {
		if p.CoinGeckoID == "" {
			continue
		}
		if _, ok := jobs[p.CoinGeckoID]; !ok {
			jobs[p.CoinGeckoID] = historyJob{id: p.CoinGeckoID, from: window.Start, to: window.End}
		}
	}

	type history struct {
		prices, caps *domain.DailySeries
		err          error
	}
	var (
		mu      sync.Mutex
		fetched = make(map[string]history, len(jobs))
	)
	g := new(errgroup.Group)
	g.SetLimit(r.opts.Workers)
	for _, job := range sortedJobs(jobs) {
		job := job
		g.Go(func() error {
			prices, caps, err := r.loadHistory(ctx, job.id, job.from, job.to)
			mu.Lock()
			fetched[job.id] = history{prices: prices, caps: caps, err: err}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return nil, nil, nil, err
	}

	for _, id := range sortedKeys(fetched) {
		h := fetched[id]
		var partial *fetcher.PartialError
		if errors.As(h.err, &partial) {
			for _, issue := range skippedIssues(partial, "", "") {
				issue.Field = id
				issues = append(issues, issue)
			}
			continue
		}
		if h.err != nil {
			metrics.SourceErrors.WithLabelValues(fetcher.SourceCoinGecko).Inc()
			issue := domain.NewIssue(fmt.Errorf("%w: %s: %v", domain.ErrSourceUnavailable, fetcher.SourceCoinGecko, h.err), "")
			issue.Source = fetcher.SourceCoinGecko
			issue.Field = id
			issues = append(issues, issue)
		}
	}

	table := domain.NewPriceTable()
	for sym, id := range wanted {
		table.Merge(sym, fetched[id].prices)
	}
	caps := make(score.SeriesMarketCaps, len(protocols))
	for _, p := range protocols {
		if p.CoinGeckoID == "" {
			continue
		}
		if h, ok := fetched[p.CoinGeckoID]; ok && h.caps != nil {
			caps[p.ID] = h.caps
		}
	}
	return table, caps, issues, nil
}

func (r *Runner) loadHistory(ctx context.Context, id string, from, to time.Time) (*domain.DailySeries, *domain.DailySeries, error) {
	if r.opts.UseCache {
		prices, err := r.cache.LoadSeries(ctx, domain.SeriesPrice, id, from, to)
		if err != nil {
			return nil, nil, err
		}
		caps, err := r.cache.LoadSeries(ctx, domain.SeriesMarketCap, id, from, to)
		if err != nil {
			return nil, nil, err
		}
		return prices, caps, nil
	}
	if r.history == nil {
		return nil, nil, errors.New("no market data provider configured")
	}
	prices, caps, err := r.history.History(ctx, id, from, to)
	var partial *fetcher.PartialError
	if err != nil && !errors.As(err, &partial) {
		return nil, nil, err
	}
	if r.cache != nil {
		if err := r.cache.SaveSeries(ctx, domain.SeriesPrice, id, prices); err != nil {
			r.logger.Warn().Err(err).Str("asset", id).Msg("price cache write failed")
		}
		if err := r.cache.SaveSeries(ctx, domain.SeriesMarketCap, id, caps); err != nil {
			r.logger.Warn().Err(err).Str("asset", id).Msg("market cap cache write failed")
		}
	}
	return prices, caps, err
}

func protocolIDs(protocols []Protocol) []string {
	out := make([]string, 0, len(protocols))
	for _, p := range protocols {
		out = append(out, p.ID)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func sortedJobs[J any](m map[string]J) []J {
	out := make([]J, 0, len(m))
	for _, k := range sortedKeys(m) {
		out = append(out, m[k])
	}
	return out
}
