package domain

import (
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// PriceLookup resolves the USD price of an asset on a given UTC day.
type PriceLookup interface {
	PriceAt(asset string, day time.Time) (decimal.Decimal, bool)
}

// Series kinds of the daily market data kept in caches.
const (
	SeriesPrice     = "price"
	SeriesMarketCap = "market_cap"
)

// DailySeries is a sparse per-day value series.
type DailySeries struct {
	points map[time.Time]decimal.Decimal
}

// NewDailySeries returns an empty series.
func NewDailySeries() *DailySeries {
	return &DailySeries{points: make(map[time.Time]decimal.Decimal)}
}

// Set stores v for the day containing t. Later writes for the same day win.
func (s *DailySeries) Set(t time.Time, v decimal.Decimal) {
	s.points[Day(t)] = v
}

// At returns the value recorded for the day containing t.
func (s *DailySeries) At(t time.Time) (decimal.Decimal, bool) {
	if s == nil {
		return decimal.Decimal{}, false
	}
	v, ok := s.points[Day(t)]
	return v, ok
}

// Len reports the number of days with a value.
func (s *DailySeries) Len() int {
	if s == nil {
		return 0
	}
	return len(s.points)
}

// Days returns the recorded days in ascending order.
func (s *DailySeries) Days() []time.Time {
	if s == nil {
		return nil
	}
	out := make([]time.Time, 0, len(s.points))
	for d := range s.points {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// LatestIn returns the value of the latest day within [from, to).
func (s *DailySeries) LatestIn(from, to time.Time) (decimal.Decimal, time.Time, bool) {
	if s == nil {
		return decimal.Decimal{}, time.Time{}, false
	}
	var (
		best    time.Time
		value   decimal.Decimal
		matched bool
	)
	for d, v := range s.points {
		if d.Before(from) || !d.Before(to) {
			continue
		}
		if !matched || d.After(best) {
			best, value, matched = d, v, true
		}
	}
	return value, best, matched
}

// PriceTable holds one DailySeries per asset symbol.
type PriceTable struct {
	series map[string]*DailySeries
}

// NewPriceTable returns an empty table.
func NewPriceTable() *PriceTable {
	return &PriceTable{series: make(map[string]*DailySeries)}
}

func assetKey(asset string) string {
	return strings.ToUpper(strings.TrimSpace(asset))
}

// Set records a price for asset on the day containing t.
func (p *PriceTable) Set(asset string, t time.Time, price decimal.Decimal) {
	key := assetKey(asset)
	s, ok := p.series[key]
	if !ok {
		s = NewDailySeries()
		p.series[key] = s
	}
	s.Set(t, price)
}

// Merge copies every point of series into the asset's series.
func (p *PriceTable) Merge(asset string, series *DailySeries) {
	if series == nil {
		return
	}
	for _, d := range series.Days() {
		v, _ := series.At(d)
		p.Set(asset, d, v)
	}
}

// PriceAt implements PriceLookup with an exact day match.
func (p *PriceTable) PriceAt(asset string, day time.Time) (decimal.Decimal, bool) {
	if p == nil {
		return decimal.Decimal{}, false
	}
	return p.series[assetKey(asset)].At(day)
}

// Assets lists the symbols present in the table.
func (p *PriceTable) Assets() []string {
	out := make([]string, 0, len(p.series))
	for k := range p.series {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

var _ PriceLookup = (*PriceTable)(nil)
