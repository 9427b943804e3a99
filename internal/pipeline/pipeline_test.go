package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-revenue-analyzer/internal/classify"
	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/fetcher"
	"crypto-revenue-analyzer/internal/normalize"
	"crypto-revenue-analyzer/internal/score"
	"crypto-revenue-analyzer/internal/storage/sqlite"
)

var fixedNow = func() time.Time { return time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC) }

func day(s string) time.Time {
	t, err := time.Parse(domain.DayLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func q1(t *testing.T) domain.Window {
	t.Helper()
	w, err := domain.NewWindow(day("2023-01-01"), day("2023-03-31"))
	require.NoError(t, err)
	return w
}

type fakeSource struct {
	name  string
	rows  map[string][]domain.RawObservation
	err   error
	calls int32
}

func (f *fakeSource) Name() string { return f.name }

func (f *fakeSource) Fetch(_ context.Context, req fetcher.Request) ([]domain.RawObservation, error) {
	atomic.AddInt32(&f.calls, 1)
	var partial *fetcher.PartialError
	if f.err != nil && !errors.As(f.err, &partial) {
		return nil, f.err
	}
	var out []domain.RawObservation
	for _, obs := range f.rows[req.ProtocolID] {
		ts, err := normalize.ParseTimestamp(obs.Timestamp)
		if err == nil && (ts.Before(req.Start) || !ts.Before(req.End)) {
			continue
		}
		out = append(out, obs)
	}
	return out, f.err
}

type fakeHistory struct {
	prices map[string]*domain.DailySeries
	caps   map[string]*domain.DailySeries
	calls  int32
}

func (f *fakeHistory) History(_ context.Context, id string, _, _ time.Time) (*domain.DailySeries, *domain.DailySeries, error) {
	atomic.AddInt32(&f.calls, 1)
	p, okP := f.prices[id]
	c, okC := f.caps[id]
	if !okP && !okC {
		return nil, nil, errors.New("unknown coin")
	}
	if p == nil {
		p = domain.NewDailySeries()
	}
	if c == nil {
		c = domain.NewDailySeries()
	}
	return p, c, nil
}

func constantSeries(from string, days int, v string) *domain.DailySeries {
	s := domain.NewDailySeries()
	start := day(from)
	for i := 0; i < days; i++ {
		s.Set(start.AddDate(0, 0, i), dec(v))
	}
	return s
}

func dailyFees(protocol, from string, days int, amount, currency string) []domain.RawObservation {
	start := day(from)
	out := make([]domain.RawObservation, 0, days)
	for i := 0; i < days; i++ {
		d := start.AddDate(0, 0, i)
		out = append(out, domain.RawObservation{
			ProtocolID: protocol,
			ChainID:    "ethereum",
			Timestamp:  strconv.FormatInt(d.Unix(), 10),
			Amount:     amount,
			Currency:   currency,
			Source:     "fake",
			RawRef:     protocol + ":" + d.Format(domain.DayLayout),
			Category:   "fees",
			FeeType:    "swap",
		})
	}
	return out
}

func tenPercent() classify.Rule {
	return classify.Rule{Kind: classify.KindPercentOfFees, Share: decimal.NewNullDecimal(dec("0.1"))}
}

func protocolA() Protocol {
	return Protocol{
		ID:          "proto-a",
		Name:        "Protocol A",
		Sector:      "DEX",
		CoinGeckoID: "a-token",
		Sources:     []SourceBinding{{Source: "fake", ChainID: "ethereum"}},
		Revenue:     tenPercent(),
	}
}

func findBucket(t *testing.T, snap *domain.Snapshot, protocol string, kind domain.PeriodKind, start string) domain.PeriodBucket {
	t.Helper()
	for _, b := range snap.Buckets() {
		if b.ProtocolID == protocol && b.Kind == kind && b.PeriodStart.Equal(day(start)) {
			return b
		}
	}
	t.Fatalf("bucket %s %s %s not found", protocol, kind, start)
	return domain.PeriodBucket{}
}

func findScore(t *testing.T, snap *domain.Snapshot, protocol string, kind domain.PeriodKind, start string) domain.ComparativeScore {
	t.Helper()
	for _, sc := range snap.Scores() {
		if sc.ProtocolID == protocol && sc.Kind == kind && sc.PeriodStart.Equal(day(start)) {
			return sc
		}
	}
	t.Fatalf("score %s %s %s not found", protocol, kind, start)
	return domain.ComparativeScore{}
}

func issuesOf(snap *domain.Snapshot, kind domain.IssueKind) []domain.Issue {
	var out []domain.Issue
	for _, is := range snap.Issues() {
		if is.Kind == kind {
			out = append(out, is)
		}
	}
	return out
}

func TestRunQuarterScenario(t *testing.T) {
	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD"),
	}}
	hist := &fakeHistory{caps: map[string]*domain.DailySeries{"a-token": constantSeries("2023-01-01", 90, "1000000")}}

	r := New([]fetcher.Source{src}, hist, nil, Options{
		Periods: []domain.PeriodKind{domain.PeriodQuarter, domain.PeriodMonth},
		Now:     fixedNow,
	}, zerolog.Nop())

	snap, err := r.Run(context.Background(), []Protocol{protocolA()}, q1(t))
	require.NoError(t, err)
	assert.NotEmpty(t, snap.RunID())

	b := findBucket(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01")
	assert.True(t, b.TotalRevenueUSD.Equal(dec("900")), "total %s", b.TotalRevenueUSD)
	assert.True(t, b.SustainableRevenueUSD.Equal(dec("900")))
	assert.True(t, b.IncentivizedRevenueUSD.IsZero())
	assert.True(t, b.TotalFeesUSD.Equal(dec("9000")))
	assert.Equal(t, 90, b.DaysCovered)
	assert.False(t, b.IsPartial)

	jan := findBucket(t, snap, "proto-a", domain.PeriodMonth, "2023-01-01")
	assert.True(t, jan.TotalRevenueUSD.Equal(dec("310")))

	sc := findScore(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01")
	require.True(t, sc.RevenueToMcapRatio.Valid)
	assert.True(t, sc.RevenueToMcapRatio.Decimal.Equal(dec("0.0009")))
	assert.True(t, sc.AnnualizedRevenueUSD.Equal(dec("3650")))
	assert.False(t, sc.QoQGrowthPct.Valid)
	assert.Equal(t, domain.ReasonNoPreviousQuarter, sc.NullReason(domain.FieldQoQGrowth))
	require.True(t, sc.SustainabilityScore.Valid)
	assert.True(t, sc.SustainabilityScore.Decimal.Equal(dec("100")))
	assert.True(t, sc.ConcentrationUnknown)
	assert.Equal(t, 1, sc.PeerRank)
	assert.Empty(t, snap.Issues())
}

func TestRunZeroMarketCapIsNullNotInfinite(t *testing.T) {
	b := protocolA()
	b.ID, b.CoinGeckoID = "proto-b", "b-token"
	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-b": dailyFees("proto-b", "2023-01-01", 90, "50", "USD"),
	}}
	hist := &fakeHistory{caps: map[string]*domain.DailySeries{"b-token": constantSeries("2023-01-01", 90, "0")}}

	r := New([]fetcher.Source{src}, hist, nil, Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow}, zerolog.Nop())
	snap, err := r.Run(context.Background(), []Protocol{b}, q1(t))
	require.NoError(t, err)

	sc := findScore(t, snap, "proto-b", domain.PeriodQuarter, "2023-01-01")
	assert.False(t, sc.RevenueToMcapRatio.Valid)
	assert.Equal(t, domain.ReasonMissingMarketCap, sc.NullReason(domain.FieldRevenueToMcap))
	require.Len(t, issuesOf(snap, domain.IssueMissingMarketCap), 1)
}

func TestRunRecordsSourceFailuresAndContinues(t *testing.T) {
	good := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD"),
	}}
	broken := &fakeSource{name: "broken", err: errors.New("HTTP 503")}

	p := protocolA()
	p.CoinGeckoID = ""
	p.Sources = append(p.Sources,
		SourceBinding{Source: "broken", ChainID: "arbitrum"},
		SourceBinding{Source: "missing"},
	)

	r := New([]fetcher.Source{good, broken}, nil, nil, Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow, Workers: 2}, zerolog.Nop())
	snap, err := r.Run(context.Background(), []Protocol{p}, q1(t))
	require.NoError(t, err)

	unavailable := issuesOf(snap, domain.IssueSourceUnavailable)
	require.Len(t, unavailable, 2)
	assert.Equal(t, "broken", unavailable[0].Source)
	assert.Equal(t, "arbitrum", unavailable[0].ChainID)
	assert.Equal(t, "missing", unavailable[1].Source)

	b := findBucket(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01")
	assert.True(t, b.TotalRevenueUSD.Equal(dec("900")))
}

func TestRunKeepsReadableRowsOfPartialSource(t *testing.T) {
	src := &fakeSource{
		name: "fake",
		rows: map[string][]domain.RawObservation{"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD")},
		err:  &fetcher.PartialError{Source: "fake", Skipped: []string{"chart point 3 has 1 elements", "chart point 7: bad unix timestamp \"x\""}},
	}
	p := protocolA()
	p.CoinGeckoID = ""

	r := New([]fetcher.Source{src}, nil, nil, Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow}, zerolog.Nop())
	snap, err := r.Run(context.Background(), []Protocol{p}, q1(t))
	require.NoError(t, err)

	assert.Empty(t, issuesOf(snap, domain.IssueSourceUnavailable))
	malformed := issuesOf(snap, domain.IssueMalformedSourceData)
	require.Len(t, malformed, 2)
	assert.Equal(t, "proto-a", malformed[0].ProtocolID)
	assert.Equal(t, "ethereum", malformed[0].ChainID)
	assert.Contains(t, malformed[1].Detail, "bad unix timestamp")

	b := findBucket(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01")
	assert.True(t, b.TotalRevenueUSD.Equal(dec("900")), "total %s", b.TotalRevenueUSD)
}

type partialHistory struct{ fakeHistory }

func (p *partialHistory) History(ctx context.Context, id string, from, to time.Time) (*domain.DailySeries, *domain.DailySeries, error) {
	prices, caps, err := p.fakeHistory.History(ctx, id, from, to)
	if err != nil {
		return nil, nil, err
	}
	return prices, caps, &fetcher.PartialError{Source: fetcher.SourceCoinGecko, Skipped: []string{"price point 4: bad value \"abc\""}}
}

func TestRunKeepsPartialPriceHistory(t *testing.T) {
	p := protocolA()
	p.CoinGeckoID = ""
	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{"proto-a": dailyFees("proto-a", "2023-01-01", 2, "1", "ETH")}}
	hist := &partialHistory{fakeHistory{prices: map[string]*domain.DailySeries{"ethereum": constantSeries("2023-01-01", 2, "1000")}}}

	r := New([]fetcher.Source{src}, hist, nil, Options{
		Periods: []domain.PeriodKind{domain.PeriodQuarter},
		Assets:  map[string]string{"ETH": "ethereum"},
		Now:     fixedNow,
	}, zerolog.Nop())
	snap, err := r.Run(context.Background(), []Protocol{p}, q1(t))
	require.NoError(t, err)

	assert.Empty(t, issuesOf(snap, domain.IssuePriceUnavailable))
	malformed := issuesOf(snap, domain.IssueMalformedSourceData)
	require.Len(t, malformed, 1)
	assert.Equal(t, "ethereum", malformed[0].Field)

	b := findBucket(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01")
	assert.True(t, b.TotalFeesUSD.Equal(dec("2000")), "fees %s", b.TotalFeesUSD)
}

func TestRunPricesNonUSDAmountsWithinTolerance(t *testing.T) {
	p := protocolA()
	p.CoinGeckoID = ""
	p.Normalize = normalize.Rule{AssetAliases: map[string]string{"WETH": "ETH"}}

	rows := dailyFees("proto-a", "2023-01-01", 3, "1", "WETH")
	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{"proto-a": rows}}

	prices := domain.NewDailySeries()
	prices.Set(day("2022-12-31"), dec("1000"))
	prices.Set(day("2023-01-01"), dec("2000"))
	// 01-02 missing, served by 01-01; 01-03 has no price within one day
	hist := &fakeHistory{prices: map[string]*domain.DailySeries{"ethereum": prices}}

	w, err := domain.NewWindow(day("2023-01-01"), day("2023-01-03"))
	require.NoError(t, err)

	r := New([]fetcher.Source{src}, hist, nil, Options{
		Periods: []domain.PeriodKind{domain.PeriodDay},
		Assets:  map[string]string{"eth": "ethereum"},
		Now:     fixedNow,
	}, zerolog.Nop())
	snap, err := r.Run(context.Background(), []Protocol{p}, w)
	require.NoError(t, err)

	assert.True(t, findBucket(t, snap, "proto-a", domain.PeriodDay, "2023-01-01").TotalRevenueUSD.Equal(dec("200")))
	assert.True(t, findBucket(t, snap, "proto-a", domain.PeriodDay, "2023-01-02").TotalRevenueUSD.Equal(dec("200")))
	assert.True(t, findBucket(t, snap, "proto-a", domain.PeriodDay, "2023-01-03").TotalRevenueUSD.IsZero())
	require.Len(t, issuesOf(snap, domain.IssuePriceUnavailable), 1)
}

func TestRunDropsProtocolWithoutRule(t *testing.T) {
	noRule := protocolA()
	noRule.ID = "proto-x"
	noRule.Revenue = classify.Rule{}

	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD"),
		"proto-x": dailyFees("proto-x", "2023-01-01", 90, "100", "USD"),
	}}
	r := New([]fetcher.Source{src}, nil, nil, Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow}, zerolog.Nop())

	a := protocolA()
	a.CoinGeckoID = ""
	snap, err := r.Run(context.Background(), []Protocol{a, noRule}, q1(t))
	require.NoError(t, err)

	for _, b := range snap.Buckets() {
		assert.NotEqual(t, "proto-x", b.ProtocolID)
	}
	ruleIssues := issuesOf(snap, domain.IssueNoClassificationRule)
	require.Len(t, ruleIssues, 1)
	assert.Equal(t, "proto-x", ruleIssues[0].ProtocolID)
	findBucket(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01")
}

func comparisonRow(t *testing.T, snap *domain.Snapshot, protocol string) domain.ComparisonRow {
	t.Helper()
	for _, row := range snap.Comparison() {
		if row.ProtocolID == protocol {
			return row
		}
	}
	t.Fatalf("comparison row %s not found", protocol)
	return domain.ComparisonRow{}
}

func TestRunMarksExcludedProtocolsInComparison(t *testing.T) {
	noShare := protocolA()
	noShare.ID = "proto-s"
	noShare.Revenue = classify.Rule{Kind: classify.KindPercentOfFees}
	noSector := protocolA()
	noSector.ID, noSector.Sector = "proto-n", ""
	quiet := protocolA()
	quiet.ID = "proto-q"

	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD"),
		"proto-s": dailyFees("proto-s", "2023-01-01", 90, "100", "USD"),
		"proto-n": dailyFees("proto-n", "2023-01-01", 90, "100", "USD"),
	}}
	r := New([]fetcher.Source{src}, nil, nil, Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow}, zerolog.Nop())

	protocols := []Protocol{protocolA(), noShare, noSector, quiet}
	for i := range protocols {
		protocols[i].CoinGeckoID = ""
	}
	snap, err := r.Run(context.Background(), protocols, q1(t))
	require.NoError(t, err)

	for _, b := range snap.Buckets() {
		assert.NotContains(t, []string{"proto-s", "proto-n"}, b.ProtocolID, "excluded protocols keep no buckets")
	}
	require.Len(t, snap.Comparison(), 4)

	a := comparisonRow(t, snap, "proto-a")
	require.True(t, a.DerivedRevenueUSD.Valid)
	assert.True(t, a.DerivedRevenueUSD.Decimal.Equal(dec("900")))
	assert.True(t, a.AnnualizedRevenueUSD.Decimal.Equal(findScore(t, snap, "proto-a", domain.PeriodQuarter, "2023-01-01").AnnualizedRevenueUSD))
	assert.False(t, a.ReportedRevenueUSD.Valid, "fee-only feeds have no reported revenue")
	assert.Equal(t, domain.ReasonNoReportedRevenue, a.NullReason(domain.FieldReportedRevenue))

	s := comparisonRow(t, snap, "proto-s")
	assert.Equal(t, domain.ReasonNoClassificationRule, s.Excluded)
	assert.False(t, s.DerivedRevenueUSD.Valid, "a rule without a share must not report zero revenue")

	n := comparisonRow(t, snap, "proto-n")
	assert.Equal(t, domain.ReasonNoSector, n.Excluded)
	assert.False(t, n.AnnualizedRevenueUSD.Valid)

	q := comparisonRow(t, snap, "proto-q")
	assert.Empty(t, q.Excluded)
	assert.False(t, q.DerivedRevenueUSD.Valid)
	assert.Equal(t, domain.ReasonNoObservations, q.NullReason(domain.FieldDerivedRevenue))
}

func TestRunAcrossSectorsCannotBeCompared(t *testing.T) {
	a := protocolA()
	c := protocolA()
	c.ID, c.Sector = "proto-c", "Lending"
	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD"),
		"proto-c": dailyFees("proto-c", "2023-01-01", 90, "80", "USD"),
	}}
	hist := &fakeHistory{caps: map[string]*domain.DailySeries{"a-token": constantSeries("2023-01-01", 90, "1000000")}}

	r := New([]fetcher.Source{src}, hist, nil, Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow}, zerolog.Nop())
	snap, err := r.Run(context.Background(), []Protocol{a, c}, q1(t))
	require.NoError(t, err)

	_, err = score.Compare(snap.Scores(), domain.PeriodQuarter, "proto-a", "proto-c")
	assert.ErrorIs(t, err, domain.ErrIncompatiblePeerGroup)
	_, err = score.Rank(snap.Scores(), []string{"proto-a", "proto-c"})
	assert.ErrorIs(t, err, domain.ErrIncompatiblePeerGroup)

	// each protocol leads its own sector
	assert.Equal(t, 1, findScore(t, snap, "proto-c", domain.PeriodQuarter, "2023-01-01").PeerRank)
}

func TestProcessIsDeterministic(t *testing.T) {
	rows := dailyFees("proto-a", "2023-01-01", 90, "100", "USD")
	// duplicated delivery collapses onto the same key
	rows = append(rows, rows[:10]...)
	in := CollectResult{Observations: rows}

	r := New(nil, nil, nil, Options{Now: fixedNow}, zerolog.Nop())
	p := protocolA()
	first := r.Process([]Protocol{p}, q1(t), in)
	second := r.Process([]Protocol{p}, q1(t), in)

	assert.NotEqual(t, first.RunID(), second.RunID())
	assert.Equal(t, first.Buckets(), second.Buckets())
	assert.Equal(t, first.Scores(), second.Scores())
	assert.True(t, findBucket(t, first, "proto-a", domain.PeriodQuarter, "2023-01-01").TotalRevenueUSD.Equal(dec("900")))
}

func TestRunReplaysFromObservationCache(t *testing.T) {
	store, err := sqlite.New(filepath.Join(t.TempDir(), "cache.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	src := &fakeSource{name: "fake", rows: map[string][]domain.RawObservation{
		"proto-a": dailyFees("proto-a", "2023-01-01", 90, "100", "USD"),
	}}
	hist := &fakeHistory{caps: map[string]*domain.DailySeries{"a-token": constantSeries("2023-01-01", 90, "1000000")}}
	opts := Options{Periods: []domain.PeriodKind{domain.PeriodQuarter}, Now: fixedNow}

	live, err := New([]fetcher.Source{src}, hist, store, opts, zerolog.Nop()).Run(context.Background(), []Protocol{protocolA()}, q1(t))
	require.NoError(t, err)

	opts.UseCache = true
	replayed, err := New(nil, nil, store, opts, zerolog.Nop()).Run(context.Background(), []Protocol{protocolA()}, q1(t))
	require.NoError(t, err)

	liveScore := findScore(t, live, "proto-a", domain.PeriodQuarter, "2023-01-01")
	cachedScore := findScore(t, replayed, "proto-a", domain.PeriodQuarter, "2023-01-01")
	assert.True(t, cachedScore.TotalRevenueUSD.Equal(liveScore.TotalRevenueUSD))
	require.True(t, cachedScore.RevenueToMcapRatio.Valid)
	assert.True(t, cachedScore.RevenueToMcapRatio.Decimal.Equal(liveScore.RevenueToMcapRatio.Decimal))
	assert.Equal(t, int32(1), atomic.LoadInt32(&src.calls))
	assert.Equal(t, int32(1), atomic.LoadInt32(&hist.calls))
}

func TestRunRejectsEmptyInput(t *testing.T) {
	r := New(nil, nil, nil, Options{}, zerolog.Nop())
	_, err := r.Run(context.Background(), nil, q1(t))
	assert.Error(t, err)

	r = New(nil, nil, nil, Options{UseCache: true}, zerolog.Nop())
	_, err = r.Run(context.Background(), []Protocol{protocolA()}, q1(t))
	assert.Error(t, err)
}
