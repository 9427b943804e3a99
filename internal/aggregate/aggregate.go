// Package aggregate buckets classified records into calendar periods.
package aggregate

import (
	"sort"
	"time"

	"github.com/axiomhq/hyperloglog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// Options bound the aggregation.
type Options struct {
	// Start and End delimit the analysed window, End exclusive. Zero values are derived from the records.
	Start time.Time
	End   time.Time
	// AsOf is the first day that is not yet complete. Zero disables the cut.
	AsOf time.Time
	// Protocols receive zero-filled buckets even when no record was seen for them.
	Protocols []string
}

type bucketKey struct {
	protocol string
	start    time.Time
}

type accumulator struct {
	bucket       domain.PeriodBucket
	sketch       *hyperloglog.Sketch
	revenueRows  int
	attributable int
}

func newAccumulator(protocol string, kind domain.PeriodKind, start time.Time) *accumulator {
	return &accumulator{
		bucket: domain.PeriodBucket{
			ProtocolID:             protocol,
			Kind:                   kind,
			PeriodStart:            start,
			PeriodEnd:              domain.PeriodEnd(kind, start),
			TotalRevenueUSD:        decimal.Zero,
			SustainableRevenueUSD:  decimal.Zero,
			IncentivizedRevenueUSD: decimal.Zero,
			UnknownRevenueUSD:      decimal.Zero,
			TotalFeesUSD:           decimal.Zero,
			ReportedRevenueUSD:     decimal.Zero,
			AvgDailyRevenueUSD:     decimal.Zero,
			RevenueByChain:         make(map[string]decimal.Decimal),
		},
		sketch: hyperloglog.New14(),
	}
}

func (a *accumulator) add(rec domain.ClassifiedRecord) {
	b := &a.bucket
	b.ObservationCount++
	b.TotalFeesUSD = b.TotalFeesUSD.Add(rec.FeesUSD())
	b.ReportedRevenueUSD = b.ReportedRevenueUSD.Add(rec.ReportedRevenueUSD)
	if rec.Category == domain.CategoryRevenue {
		b.ReportedObservations++
	}

	if _, ok := b.RevenueByChain[rec.ChainID]; !ok {
		b.RevenueByChain[rec.ChainID] = decimal.Zero
	}
	if rec.RevenueUSD.IsZero() {
		return
	}

	switch rec.Quality {
	case domain.QualitySustainable:
		b.SustainableRevenueUSD = b.SustainableRevenueUSD.Add(rec.RevenueUSD)
	case domain.QualityIncentivized:
		b.IncentivizedRevenueUSD = b.IncentivizedRevenueUSD.Add(rec.RevenueUSD)
	default:
		b.UnknownRevenueUSD = b.UnknownRevenueUSD.Add(rec.RevenueUSD)
	}
	b.RevenueByChain[rec.ChainID] = b.RevenueByChain[rec.ChainID].Add(rec.RevenueUSD)

	a.revenueRows++
	if rec.Counterparty != "" {
		a.attributable++
		a.sketch.Insert([]byte(rec.Counterparty))
	}
}

func (a *accumulator) finish(window domain.Window, asOf time.Time) domain.PeriodBucket {
	b := a.bucket
	b.TotalRevenueUSD = b.SustainableRevenueUSD.Add(b.IncentivizedRevenueUSD).Add(b.UnknownRevenueUSD)

	from := maxTime(b.PeriodStart, window.Start)
	to := minTime(b.PeriodEnd, window.End)
	if !asOf.IsZero() {
		to = minTime(to, asOf)
	}
	b.DaysCovered = domain.DaysBetween(from, to)
	if b.DaysCovered > 0 {
		b.AvgDailyRevenueUSD = b.TotalRevenueUSD.Div(decimal.NewFromInt(int64(b.DaysCovered)))
	}

	b.IsPartial = b.PeriodStart.Before(window.Start) ||
		b.PeriodEnd.After(window.End) ||
		(!asOf.IsZero() && b.PeriodEnd.After(asOf))

	b.CounterpartiesKnown = a.revenueRows > 0 && a.attributable == a.revenueRows
	if a.attributable > 0 {
		b.Counterparties = a.sketch.Estimate()
	}
	return b
}

// Aggregate sums records into one bucket per protocol and period intersecting the window. Days without records
// count as zero-revenue days.
func Aggregate(records []domain.ClassifiedRecord, kind domain.PeriodKind, opts Options) []domain.PeriodBucket {
	window := resolveWindow(records, opts)
	if !window.Start.Before(window.End) {
		return nil
	}
	asOf := time.Time{}
	if !opts.AsOf.IsZero() {
		asOf = domain.Day(opts.AsOf)
	}

	protocols := make(map[string]struct{}, len(opts.Protocols))
	for _, p := range opts.Protocols {
		protocols[p] = struct{}{}
	}
	for _, rec := range records {
		protocols[rec.ProtocolID] = struct{}{}
	}

	accs := make(map[bucketKey]*accumulator)
	for p := range protocols {
		for start := domain.PeriodStart(kind, window.Start); start.Before(window.End); start = domain.PeriodEnd(kind, start) {
			accs[bucketKey{protocol: p, start: start}] = newAccumulator(p, kind, start)
		}
	}

	for _, rec := range records {
		if !window.Contains(rec.Day) {
			continue
		}
		acc, ok := accs[bucketKey{protocol: rec.ProtocolID, start: domain.PeriodStart(kind, rec.Day)}]
		if !ok {
			continue
		}
		acc.add(rec)
	}

	out := make([]domain.PeriodBucket, 0, len(accs))
	for _, acc := range accs {
		out = append(out, acc.finish(window, asOf))
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ProtocolID != out[j].ProtocolID {
			return out[i].ProtocolID < out[j].ProtocolID
		}
		return out[i].PeriodStart.Before(out[j].PeriodStart)
	})
	return out
}

func resolveWindow(records []domain.ClassifiedRecord, opts Options) domain.Window {
	w := domain.Window{Start: opts.Start, End: opts.End}
	if !w.Start.IsZero() && !w.End.IsZero() {
		return domain.Window{Start: domain.Day(w.Start), End: domain.Day(w.End)}
	}
	var first, last time.Time
	for i, rec := range records {
		if i == 0 || rec.Day.Before(first) {
			first = rec.Day
		}
		if i == 0 || rec.Day.After(last) {
			last = rec.Day
		}
	}
	if w.Start.IsZero() {
		w.Start = first
	}
	if w.End.IsZero() && !last.IsZero() {
		w.End = last.AddDate(0, 0, 1)
	}
	return domain.Window{Start: domain.Day(w.Start), End: domain.Day(w.End)}
}

func maxTime(a, b time.Time) time.Time {
	if a.After(b) {
		return a
	}
	return b
}

func minTime(a, b time.Time) time.Time {
	if a.Before(b) {
		return a
	}
	return b
}
