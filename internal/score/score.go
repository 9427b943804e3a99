// Package score derives comparable per-protocol metrics from period buckets.
package score

import (
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// DefaultMinCounterparties is the counterparty count below which sustainability is penalised.
const DefaultMinCounterparties = 5

var (
	hundred    = decimal.NewFromInt(100)
	daysInYear = decimal.NewFromInt(365)
)

// MarketCaps resolves a protocol token's market cap for a period.
type MarketCaps interface {
	MarketCapAt(protocolID string, from, to time.Time) (decimal.Decimal, bool)
}

// SeriesMarketCaps serves market caps from daily series, taking the latest value inside the period.
type SeriesMarketCaps map[string]*domain.DailySeries

// MarketCapAt implements MarketCaps.
func (m SeriesMarketCaps) MarketCapAt(protocolID string, from, to time.Time) (decimal.Decimal, bool) {
	v, _, ok := m[protocolID].LatestIn(from, to)
	return v, ok
}

// PeerGroups maps protocol ids onto their sector.
type PeerGroups map[string]string

// Options tune the scorer.
type Options struct {
	MinCounterparties int
}

// Scorer computes ComparativeScores.
type Scorer struct {
	minCounterparties int
}

// New returns a Scorer; non-positive MinCounterparties falls back to DefaultMinCounterparties.
func New(opts Options) *Scorer {
	if opts.MinCounterparties <= 0 {
		opts.MinCounterparties = DefaultMinCounterparties
	}
	return &Scorer{minCounterparties: opts.MinCounterparties}
}

type periodKey struct {
	protocol string
	kind     domain.PeriodKind
	start    time.Time
}

// Score builds one score per bucket. Scoped problems are returned as issues; protocols without a sector are
// dropped.
func (s *Scorer) Score(buckets []domain.PeriodBucket, caps MarketCaps, peers PeerGroups) ([]domain.ComparativeScore, []domain.Issue) {
	var issues []domain.Issue

	index := make(map[periodKey]domain.PeriodBucket, len(buckets))
	for _, b := range buckets {
		index[periodKey{b.ProtocolID, b.Kind, b.PeriodStart}] = b
	}

	missingSector := make(map[string]struct{})
	scores := make([]domain.ComparativeScore, 0, len(buckets))
	for _, b := range buckets {
		sector := peers[b.ProtocolID]
		if sector == "" {
			if _, seen := missingSector[b.ProtocolID]; !seen {
				missingSector[b.ProtocolID] = struct{}{}
				err := fmt.Errorf("%w: protocol %s has no sector", domain.ErrIncompatiblePeerGroup, b.ProtocolID)
				issues = append(issues, domain.NewIssue(err, b.ProtocolID))
			}
			continue
		}

		sc := domain.ComparativeScore{
			ProtocolID:           b.ProtocolID,
			Sector:               sector,
			Kind:                 b.Kind,
			PeriodStart:          b.PeriodStart,
			PeriodEnd:            b.PeriodEnd,
			IsPartial:            b.IsPartial,
			TotalRevenueUSD:      b.TotalRevenueUSD,
			AnnualizedRevenueUSD: b.AvgDailyRevenueUSD.Mul(daysInYear),
			NullReasons:          make(map[string]string),
		}

		if issue, ok := s.marketCap(&sc, b, caps); !ok {
			issues = append(issues, issue)
		}
		s.growth(&sc, b, index)
		s.sustainability(&sc, b)
		sc.Rating = Rating(sc.SustainabilityScore, sc.QoQGrowthPct)
		if sc.Rating == domain.RatingNA {
			sc.NullReasons[domain.FieldRating] = domain.ReasonMissingInputs
		}
		scores = append(scores, sc)
	}

	assignPeerRanks(scores)
	return scores, issues
}

func (s *Scorer) marketCap(sc *domain.ComparativeScore, b domain.PeriodBucket, caps MarketCaps) (domain.Issue, bool) {
	var (
		mcap decimal.Decimal
		ok   bool
	)
	if caps != nil {
		mcap, ok = caps.MarketCapAt(b.ProtocolID, b.PeriodStart, b.PeriodEnd)
	}
	if ok && mcap.IsPositive() {
		sc.MarketCapUSD = decimal.NewNullDecimal(mcap)
		sc.RevenueToMcapRatio = decimal.NewNullDecimal(b.TotalRevenueUSD.Div(mcap))
		return domain.Issue{}, true
	}

	if ok {
		// A zero cap is reported but never divided by.
		sc.MarketCapUSD = decimal.NewNullDecimal(mcap)
	} else {
		sc.NullReasons[domain.FieldMarketCap] = domain.ReasonMissingMarketCap
	}
	sc.NullReasons[domain.FieldRevenueToMcap] = domain.ReasonMissingMarketCap

	err := fmt.Errorf("%w: %s %s", domain.ErrMissingMarketCap, b.ProtocolID, b.Label())
	issue := domain.NewIssue(err, b.ProtocolID)
	issue.PeriodKind = b.Kind
	issue.PeriodStart = b.PeriodStart
	issue.Field = domain.FieldRevenueToMcap
	return issue, false
}

func (s *Scorer) growth(sc *domain.ComparativeScore, b domain.PeriodBucket, index map[periodKey]domain.PeriodBucket) {
	if b.Kind != domain.PeriodQuarter {
		sc.NullReasons[domain.FieldQoQGrowth] = domain.ReasonNotQuarterly
		return
	}
	if b.IsPartial {
		sc.NullReasons[domain.FieldQoQGrowth] = domain.ReasonPartialPeriod
		return
	}
	prev, ok := index[periodKey{b.ProtocolID, b.Kind, b.PeriodStart.AddDate(0, -3, 0)}]
	switch {
	case !ok:
		sc.NullReasons[domain.FieldQoQGrowth] = domain.ReasonNoPreviousQuarter
	case prev.IsPartial:
		sc.NullReasons[domain.FieldQoQGrowth] = domain.ReasonPartialPeriod
	case prev.TotalRevenueUSD.IsZero():
		sc.NullReasons[domain.FieldQoQGrowth] = domain.ReasonZeroPreviousTotal
	default:
		pct := b.TotalRevenueUSD.Sub(prev.TotalRevenueUSD).Div(prev.TotalRevenueUSD).Mul(hundred)
		sc.QoQGrowthPct = decimal.NewNullDecimal(pct.Round(4))
	}
}

func (s *Scorer) sustainability(sc *domain.ComparativeScore, b domain.PeriodBucket) {
	if b.TotalRevenueUSD.IsPositive() {
		share := b.UnknownRevenueUSD.Div(b.TotalRevenueUSD)
		sc.UnknownRevenueShare = decimal.NewNullDecimal(share.Round(4))
		if b.UnknownRevenueUSD.IsPositive() {
			sc.Flags = append(sc.Flags, domain.FlagUnknownRevenueDisclosed)
		}
	}

	classified := b.SustainableRevenueUSD.Add(b.IncentivizedRevenueUSD)
	if !classified.IsPositive() {
		sc.NullReasons[domain.FieldSustainability] = domain.ReasonNoClassifiedRevenue
		return
	}

	value := b.SustainableRevenueUSD.Div(classified).Mul(hundred)
	if !b.CounterpartiesKnown {
		sc.ConcentrationUnknown = true
		sc.Flags = append(sc.Flags, domain.FlagConcentrationUnknown)
	} else if b.Counterparties < uint64(s.minCounterparties) {
		factor := decimal.NewFromInt(int64(b.Counterparties)).Div(decimal.NewFromInt(int64(s.minCounterparties)))
		value = value.Mul(factor)
		sc.Flags = append(sc.Flags, domain.FlagConcentrationPenalty)
	}
	sc.SustainabilityScore = decimal.NewNullDecimal(value.Round(4))
}

// Rating maps sustainability and QoQ growth onto the comparison-table grade.
func Rating(sustainability, qoq decimal.NullDecimal) string {
	if !sustainability.Valid || !qoq.Valid {
		return domain.RatingNA
	}
	s, g := sustainability.Decimal, qoq.Decimal
	switch {
	case s.GreaterThanOrEqual(decimal.NewFromInt(75)) && g.GreaterThan(decimal.NewFromInt(10)):
		return domain.RatingExcellent
	case s.GreaterThanOrEqual(decimal.NewFromInt(50)) && g.IsPositive():
		return domain.RatingGood
	case s.GreaterThanOrEqual(decimal.NewFromInt(25)):
		return domain.RatingAverage
	default:
		return domain.RatingBelowAverage
	}
}

type rankKey struct {
	sector string
	kind   domain.PeriodKind
	start  time.Time
}

// assignPeerRanks ranks by total revenue inside each (sector, period). Ties share ordering by protocol id.
func assignPeerRanks(scores []domain.ComparativeScore) {
	groups := make(map[rankKey][]int)
	for i, sc := range scores {
		k := rankKey{sc.Sector, sc.Kind, sc.PeriodStart}
		groups[k] = append(groups[k], i)
	}
	for _, idx := range groups {
		sort.Slice(idx, func(a, b int) bool {
			sa, sb := scores[idx[a]], scores[idx[b]]
			if c := sa.TotalRevenueUSD.Cmp(sb.TotalRevenueUSD); c != 0 {
				return c > 0
			}
			return sa.ProtocolID < sb.ProtocolID
		})
		for rank, i := range idx {
			scores[i].PeerRank = rank + 1
			scores[i].PeerSize = len(idx)
		}
	}
}
