package score

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crypto-revenue-analyzer/internal/domain"
)

func d(s string) time.Time {
	t, err := time.Parse(domain.DayLayout, s)
	if err != nil {
		panic(err)
	}
	return t
}

func quarter(protocol, start, total string) domain.PeriodBucket {
	s := d(start)
	tot := decimal.RequireFromString(total)
	return domain.PeriodBucket{
		ProtocolID:             protocol,
		Kind:                   domain.PeriodQuarter,
		PeriodStart:            s,
		PeriodEnd:              domain.PeriodEnd(domain.PeriodQuarter, s),
		TotalRevenueUSD:        tot,
		SustainableRevenueUSD:  tot,
		IncentivizedRevenueUSD: decimal.Zero,
		UnknownRevenueUSD:      decimal.Zero,
		DaysCovered:            90,
		AvgDailyRevenueUSD:     tot.Div(decimal.NewFromInt(90)),
		Counterparties:         10,
		CounterpartiesKnown:    true,
	}
}

func caps(values map[string]map[string]int64) SeriesMarketCaps {
	out := make(SeriesMarketCaps)
	for protocol, points := range values {
		s := domain.NewDailySeries()
		for day, v := range points {
			s.Set(d(day), decimal.NewFromInt(v))
		}
		out[protocol] = s
	}
	return out
}

func find(t *testing.T, scores []domain.ComparativeScore, protocol, start string) domain.ComparativeScore {
	t.Helper()
	for _, sc := range scores {
		if sc.ProtocolID == protocol && sc.PeriodStart.Equal(d(start)) {
			return sc
		}
	}
	t.Fatalf("score %s %s not found", protocol, start)
	return domain.ComparativeScore{}
}

func TestScore_RevenueToMcapRatio(t *testing.T) {
	buckets := []domain.PeriodBucket{quarter("a", "2023-01-01", "900")}
	mc := caps(map[string]map[string]int64{"a": {"2023-01-15": 1000, "2023-03-31": 9000, "2023-04-02": 1}})

	scores, issues := New(Options{}).Score(buckets, mc, PeerGroups{"a": "DEX"})
	require.Empty(t, issues)
	require.Len(t, scores, 1)
	assert.True(t, scores[0].MarketCapUSD.Valid)
	assert.True(t, scores[0].MarketCapUSD.Decimal.Equal(decimal.NewFromInt(9000)), "uses the latest value inside the period")
	assert.True(t, scores[0].RevenueToMcapRatio.Decimal.Equal(decimal.RequireFromString("0.1")))
}

func TestScore_ZeroMarketCapIsNull(t *testing.T) {
	buckets := []domain.PeriodBucket{quarter("b", "2023-01-01", "900")}
	mc := caps(map[string]map[string]int64{"b": {"2023-02-01": 0}})

	scores, issues := New(Options{}).Score(buckets, mc, PeerGroups{"b": "Lending"})
	require.Len(t, scores, 1)
	assert.False(t, scores[0].RevenueToMcapRatio.Valid)
	assert.Equal(t, domain.ReasonMissingMarketCap, scores[0].NullReason(domain.FieldRevenueToMcap))
	require.Len(t, issues, 1)
	assert.Equal(t, domain.IssueMissingMarketCap, issues[0].Kind)
	assert.Equal(t, "b", issues[0].ProtocolID)

	scores, issues = New(Options{}).Score(buckets, nil, PeerGroups{"b": "Lending"})
	assert.False(t, scores[0].MarketCapUSD.Valid)
	assert.Equal(t, domain.ReasonMissingMarketCap, scores[0].NullReason(domain.FieldMarketCap))
	require.Len(t, issues, 1)
}

func TestScore_QoQGrowth(t *testing.T) {
	q1 := quarter("a", "2023-01-01", "900")
	q2 := quarter("a", "2023-04-01", "1080")
	q3 := quarter("a", "2023-07-01", "500")
	q3.IsPartial = true
	q4 := quarter("a", "2023-10-01", "100")

	zeroPrev := quarter("z", "2023-01-01", "0")
	zeroNext := quarter("z", "2023-04-01", "50")

	scores, _ := New(Options{}).Score([]domain.PeriodBucket{q1, q2, q3, q4, zeroPrev, zeroNext}, nil, PeerGroups{"a": "DEX", "z": "DEX"})

	first := find(t, scores, "a", "2023-01-01")
	assert.False(t, first.QoQGrowthPct.Valid)
	assert.Equal(t, domain.ReasonNoPreviousQuarter, first.NullReason(domain.FieldQoQGrowth))

	second := find(t, scores, "a", "2023-04-01")
	require.True(t, second.QoQGrowthPct.Valid)
	assert.True(t, second.QoQGrowthPct.Decimal.Equal(decimal.NewFromInt(20)), second.QoQGrowthPct.Decimal.String())

	partial := find(t, scores, "a", "2023-07-01")
	assert.False(t, partial.QoQGrowthPct.Valid)
	assert.Equal(t, domain.ReasonPartialPeriod, partial.NullReason(domain.FieldQoQGrowth))

	afterPartial := find(t, scores, "a", "2023-10-01")
	assert.False(t, afterPartial.QoQGrowthPct.Valid, "a complete quarter is never compared to a partial one")
	assert.Equal(t, domain.ReasonPartialPeriod, afterPartial.NullReason(domain.FieldQoQGrowth))

	fromZero := find(t, scores, "z", "2023-04-01")
	assert.False(t, fromZero.QoQGrowthPct.Valid)
	assert.Equal(t, domain.ReasonZeroPreviousTotal, fromZero.NullReason(domain.FieldQoQGrowth))
}

func TestScore_QoQOnlyForQuarters(t *testing.T) {
	month := quarter("a", "2023-01-01", "10")
	month.Kind = domain.PeriodMonth
	month.PeriodEnd = d("2023-02-01")

	scores, _ := New(Options{}).Score([]domain.PeriodBucket{month}, nil, PeerGroups{"a": "DEX"})
	require.Len(t, scores, 1)
	assert.Equal(t, domain.ReasonNotQuarterly, scores[0].NullReason(domain.FieldQoQGrowth))
	assert.Equal(t, domain.RatingNA, scores[0].Rating)
}

func TestScore_Sustainability(t *testing.T) {
	b := quarter("a", "2023-01-01", "100")
	b.SustainableRevenueUSD = decimal.NewFromInt(60)
	b.IncentivizedRevenueUSD = decimal.NewFromInt(20)
	b.UnknownRevenueUSD = decimal.NewFromInt(20)

	scores, _ := New(Options{}).Score([]domain.PeriodBucket{b}, nil, PeerGroups{"a": "DEX"})
	sc := scores[0]
	require.True(t, sc.SustainabilityScore.Valid)
	assert.True(t, sc.SustainabilityScore.Decimal.Equal(decimal.NewFromInt(75)), "unknown is excluded from the denominator")
	assert.True(t, sc.UnknownRevenueShare.Decimal.Equal(decimal.RequireFromString("0.2")))
	assert.True(t, sc.HasFlag(domain.FlagUnknownRevenueDisclosed))
	assert.False(t, sc.ConcentrationUnknown)
}

func TestScore_ConcentrationPenalty(t *testing.T) {
	b := quarter("a", "2023-01-01", "100")
	b.Counterparties = 2

	scores, _ := New(Options{MinCounterparties: 4}).Score([]domain.PeriodBucket{b}, nil, PeerGroups{"a": "DEX"})
	assert.True(t, scores[0].SustainabilityScore.Decimal.Equal(decimal.NewFromInt(50)))
	assert.True(t, scores[0].HasFlag(domain.FlagConcentrationPenalty))

	b.CounterpartiesKnown = false
	scores, _ = New(Options{MinCounterparties: 4}).Score([]domain.PeriodBucket{b}, nil, PeerGroups{"a": "DEX"})
	assert.True(t, scores[0].SustainabilityScore.Decimal.Equal(decimal.NewFromInt(100)), "penalty skipped when counterparties are unknown")
	assert.True(t, scores[0].ConcentrationUnknown)
}

func TestScore_NoClassifiedRevenue(t *testing.T) {
	b := quarter("a", "2023-01-01", "0")
	scores, _ := New(Options{}).Score([]domain.PeriodBucket{b}, nil, PeerGroups{"a": "DEX"})
	assert.False(t, scores[0].SustainabilityScore.Valid)
	assert.False(t, scores[0].UnknownRevenueShare.Valid)
	assert.Equal(t, domain.ReasonNoClassifiedRevenue, scores[0].NullReason(domain.FieldSustainability))
}

func TestScore_MissingSectorDropsProtocol(t *testing.T) {
	buckets := []domain.PeriodBucket{
		quarter("a", "2023-01-01", "1"),
		quarter("orphan", "2023-01-01", "1"),
		quarter("orphan", "2023-04-01", "1"),
	}
	scores, issues := New(Options{}).Score(buckets, nil, PeerGroups{"a": "DEX"})
	require.Len(t, scores, 1)
	assert.Equal(t, "a", scores[0].ProtocolID)

	var sectorIssues int
	for _, is := range issues {
		if is.Kind == domain.IssueIncompatiblePeerGroup {
			sectorIssues++
		}
	}
	assert.Equal(t, 1, sectorIssues)
}

func TestScore_PeerRankWithinSector(t *testing.T) {
	buckets := []domain.PeriodBucket{
		quarter("uni", "2023-01-01", "500"),
		quarter("curve", "2023-01-01", "700"),
		quarter("aave", "2023-01-01", "100"),
	}
	scores, _ := New(Options{}).Score(buckets, nil, PeerGroups{"uni": "DEX", "curve": "DEX", "aave": "Lending"})

	assert.Equal(t, 1, find(t, scores, "curve", "2023-01-01").PeerRank)
	assert.Equal(t, 2, find(t, scores, "uni", "2023-01-01").PeerRank)
	aave := find(t, scores, "aave", "2023-01-01")
	assert.Equal(t, 1, aave.PeerRank)
	assert.Equal(t, 1, aave.PeerSize)
}

func TestRankAndCompareRefuseCrossSector(t *testing.T) {
	buckets := []domain.PeriodBucket{
		quarter("protocol-a", "2023-01-01", "900"),
		quarter("protocol-c", "2023-01-01", "300"),
		quarter("protocol-d", "2023-01-01", "1200"),
	}
	scores, _ := New(Options{}).Score(buckets, nil, PeerGroups{"protocol-a": "DEX", "protocol-c": "Lending", "protocol-d": "DEX"})

	_, err := Rank(scores, []string{"protocol-a", "protocol-c"})
	require.ErrorIs(t, err, domain.ErrIncompatiblePeerGroup)

	_, err = Compare(scores, domain.PeriodQuarter, "protocol-a", "protocol-c")
	require.ErrorIs(t, err, domain.ErrIncompatiblePeerGroup)

	ranked, err := Rank(scores, []string{"protocol-a", "protocol-d"})
	require.NoError(t, err)
	require.Len(t, ranked, 2)
	assert.Equal(t, "protocol-d", ranked[0].ProtocolID)

	cmp, err := Compare(scores, domain.PeriodQuarter, "protocol-a", "protocol-d")
	require.NoError(t, err)
	assert.True(t, cmp.RevenueDiffUSD.Equal(decimal.NewFromInt(-300)))
	assert.False(t, cmp.RatioDiff.Valid)
}

func TestRating(t *testing.T) {
	n := func(v int64) decimal.NullDecimal { return decimal.NewNullDecimal(decimal.NewFromInt(v)) }
	assert.Equal(t, domain.RatingExcellent, Rating(n(80), n(11)))
	assert.Equal(t, domain.RatingGood, Rating(n(80), n(5)))
	assert.Equal(t, domain.RatingAverage, Rating(n(30), n(-5)))
	assert.Equal(t, domain.RatingBelowAverage, Rating(n(10), n(50)))
	assert.Equal(t, domain.RatingNA, Rating(decimal.NullDecimal{}, n(5)))
}

func TestScore_AnnualizedRevenue(t *testing.T) {
	b := quarter("a", "2023-01-01", "900")
	scores, _ := New(Options{}).Score([]domain.PeriodBucket{b}, nil, PeerGroups{"a": "DEX"})
	assert.True(t, scores[0].AnnualizedRevenueUSD.Equal(decimal.NewFromInt(3650)))
}
