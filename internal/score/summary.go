package score

import (
	"sort"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// Summarize builds the comparison and chain contribution rows of a run. excluded maps the ids of protocols whose
// output was withheld onto the reason; their rows carry no figures.
//
// Window totals come from the coarsest period kind present, which tiles the window once. The annualized figure
// uses the days covered up to the as-of cut, matching ComparativeScore.AnnualizedRevenueUSD.
func Summarize(protocols []domain.ProtocolInfo, buckets []domain.PeriodBucket, scores []domain.ComparativeScore, excluded map[string]string) domain.Summary {
	window := windowBuckets(buckets)

	type totals struct {
		derived, reported decimal.Decimal
		observations      int
		reportedRows      int
		days              int
	}
	byProtocol := make(map[string]*totals)
	for _, b := range window {
		t, ok := byProtocol[b.ProtocolID]
		if !ok {
			t = &totals{derived: decimal.Zero, reported: decimal.Zero}
			byProtocol[b.ProtocolID] = t
		}
		t.derived = t.derived.Add(b.TotalRevenueUSD)
		t.reported = t.reported.Add(b.ReportedRevenueUSD)
		t.observations += b.ObservationCount
		t.reportedRows += b.ReportedObservations
		t.days += b.DaysCovered
	}

	var sum domain.Summary
	sum.Comparison = make([]domain.ComparisonRow, 0, len(protocols))
	for _, p := range protocols {
		row := domain.ComparisonRow{
			ProtocolID:  p.ID,
			Name:        p.Name,
			Sector:      p.Sector,
			TokenType:   p.TokenType,
			Rating:      domain.RatingNA,
			NullReasons: make(map[string]string),
		}
		if reason, ok := excluded[p.ID]; ok {
			row.Excluded = reason
			for _, f := range comparisonFields {
				row.NullReasons[f] = reason
			}
			sum.Comparison = append(sum.Comparison, row)
			continue
		}

		t := byProtocol[p.ID]
		switch {
		case t == nil || t.days == 0:
			row.NullReasons[domain.FieldDerivedRevenue] = domain.ReasonNoCoverage
			row.NullReasons[domain.FieldAnnualizedRevenue] = domain.ReasonNoCoverage
		case t.observations == 0:
			row.NullReasons[domain.FieldDerivedRevenue] = domain.ReasonNoObservations
			row.NullReasons[domain.FieldAnnualizedRevenue] = domain.ReasonNoObservations
		default:
			row.DerivedRevenueUSD = decimal.NewNullDecimal(t.derived)
			annual := t.derived.Div(decimal.NewFromInt(int64(t.days))).Mul(daysInYear).Round(2)
			row.AnnualizedRevenueUSD = decimal.NewNullDecimal(annual)
		}
		if t != nil && t.reportedRows > 0 {
			row.ReportedRevenueUSD = decimal.NewNullDecimal(t.reported)
		} else {
			row.NullReasons[domain.FieldReportedRevenue] = domain.ReasonNoReportedRevenue
		}

		if s, ok := headlineScore(scores, p.ID); ok {
			row.Period = s.Label()
			row.MarketCapUSD = s.MarketCapUSD
			row.QoQGrowthPct = s.QoQGrowthPct
			row.SustainabilityScore = s.SustainabilityScore
			row.Rating = s.Rating
			row.PeerRank = s.PeerRank
			row.PeerSize = s.PeerSize
			for _, f := range scoreFields {
				if reason := s.NullReason(f); reason != "" {
					row.NullReasons[f] = reason
				}
			}
		} else {
			for _, f := range scoreFields {
				row.NullReasons[f] = domain.ReasonMissingInputs
			}
		}
		sum.Comparison = append(sum.Comparison, row)
	}

	sum.Contributions = contributions(window, excluded)
	return sum
}

var (
	scoreFields = []string{
		domain.FieldMarketCap, domain.FieldQoQGrowth, domain.FieldSustainability, domain.FieldRating,
	}
	comparisonFields = append([]string{
		domain.FieldDerivedRevenue, domain.FieldReportedRevenue, domain.FieldAnnualizedRevenue,
	}, scoreFields...)
)

func contributions(window []domain.PeriodBucket, excluded map[string]string) []domain.ChainContribution {
	byProtocol := make(map[string]map[string]decimal.Decimal)
	for _, b := range window {
		if _, skip := excluded[b.ProtocolID]; skip {
			continue
		}
		chains, ok := byProtocol[b.ProtocolID]
		if !ok {
			chains = make(map[string]decimal.Decimal)
			byProtocol[b.ProtocolID] = chains
		}
		for chain, v := range b.RevenueByChain {
			chains[chain] = chains[chain].Add(v)
		}
	}

	ids := make([]string, 0, len(byProtocol))
	for id := range byProtocol {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []domain.ChainContribution
	for _, id := range ids {
		chains := byProtocol[id]
		total := decimal.Zero
		for _, v := range chains {
			total = total.Add(v)
		}
		part := make([]domain.ChainContribution, 0, len(chains))
		for chain, v := range chains {
			c := domain.ChainContribution{ProtocolID: id, ChainID: chain, RevenueUSD: v}
			if total.IsPositive() {
				c.SharePct = decimal.NewNullDecimal(v.Div(total).Mul(hundred).Round(2))
			}
			part = append(part, c)
		}
		sort.Slice(part, func(i, j int) bool {
			if cmp := part[i].RevenueUSD.Cmp(part[j].RevenueUSD); cmp != 0 {
				return cmp > 0
			}
			return part[i].ChainID < part[j].ChainID
		})
		out = append(out, part...)
	}
	return out
}

// windowBuckets returns the buckets of the coarsest kind present.
func windowBuckets(buckets []domain.PeriodBucket) []domain.PeriodBucket {
	for i := len(domain.AllPeriodKinds) - 1; i >= 0; i-- {
		kind := domain.AllPeriodKinds[i]
		var out []domain.PeriodBucket
		for _, b := range buckets {
			if b.Kind == kind {
				out = append(out, b)
			}
		}
		if len(out) > 0 {
			return out
		}
	}
	return nil
}

// headlineScore picks the score the comparison table quotes: the latest complete quarter, then the latest
// quarter, then the same rule over year, month and day scores.
func headlineScore(scores []domain.ComparativeScore, protocolID string) (domain.ComparativeScore, bool) {
	kinds := []domain.PeriodKind{domain.PeriodQuarter, domain.PeriodYear, domain.PeriodMonth, domain.PeriodDay}
	for _, kind := range kinds {
		var latest, latestComplete *domain.ComparativeScore
		for i := range scores {
			s := &scores[i]
			if s.ProtocolID != protocolID || s.Kind != kind {
				continue
			}
			if latest == nil || s.PeriodStart.After(latest.PeriodStart) {
				latest = s
			}
			if !s.IsPartial && (latestComplete == nil || s.PeriodStart.After(latestComplete.PeriodStart)) {
				latestComplete = s
			}
		}
		if latestComplete != nil {
			return *latestComplete, true
		}
		if latest != nil {
			return *latest, true
		}
	}
	return domain.ComparativeScore{}, false
}
