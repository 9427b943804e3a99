package domain

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Null reasons rendered next to empty score fields.
const (
	ReasonMissingMarketCap    = "missing_market_cap"
	ReasonNoPreviousQuarter   = "no_previous_quarter"
	ReasonPartialPeriod       = "partial_period"
	ReasonZeroPreviousTotal   = "zero_previous_total"
	ReasonNotQuarterly        = "not_quarterly"
	ReasonNoClassifiedRevenue = "no_classified_revenue"
	ReasonNoRevenue           = "no_revenue"
	ReasonMissingInputs       = "missing_inputs"
)

// Flags attached to scores.
const (
	FlagUnknownRevenueDisclosed = "unknown_revenue_disclosed"
	FlagConcentrationUnknown    = "concentration_unknown"
	FlagConcentrationPenalty    = "concentration_penalty"
)

// Score field names used as NullReasons keys.
const (
	FieldMarketCap      = "market_cap_usd"
	FieldRevenueToMcap  = "revenue_to_mcap_ratio"
	FieldQoQGrowth      = "qoq_growth_pct"
	FieldSustainability = "sustainability_score"
	FieldRating         = "rating"
)

// PeriodBucket sums classified records for one protocol and period.
type PeriodBucket struct {
	ProtocolID  string
	Kind        PeriodKind
	PeriodStart time.Time
	PeriodEnd   time.Time

	TotalRevenueUSD        decimal.Decimal
	SustainableRevenueUSD  decimal.Decimal
	IncentivizedRevenueUSD decimal.Decimal
	UnknownRevenueUSD      decimal.Decimal
	TotalFeesUSD           decimal.Decimal
	ReportedRevenueUSD     decimal.Decimal

	ObservationCount     int
	// ReportedObservations counts upstream revenue-category records. Zero means no reported revenue exists.
	ReportedObservations int
	DaysCovered          int
	AvgDailyRevenueUSD   decimal.Decimal
	IsPartial            bool

	RevenueByChain      map[string]decimal.Decimal
	Counterparties      uint64
	CounterpartiesKnown bool
}

// Label is the human readable period name.
func (b PeriodBucket) Label() string {
	return PeriodLabel(b.Kind, b.PeriodStart)
}

// Chains returns chain ids with revenue, sorted by name.
func (b PeriodBucket) Chains() []string {
	out := make([]string, 0, len(b.RevenueByChain))
	for chain := range b.RevenueByChain {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}

// Rating buckets taken from the protocol comparison table.
const (
	RatingExcellent    = "Excellent"
	RatingGood         = "Good"
	RatingAverage      = "Average"
	RatingBelowAverage = "Below Average"
	RatingNA           = "N/A"
)

// ComparativeScore holds the cross-protocol metrics for one bucket. Nullable fields use decimal.NullDecimal and
// record their reason in NullReasons.
type ComparativeScore struct {
	ProtocolID  string
	Sector      string
	Kind        PeriodKind
	PeriodStart time.Time
	PeriodEnd   time.Time
	IsPartial   bool

	TotalRevenueUSD      decimal.Decimal
	AnnualizedRevenueUSD decimal.Decimal
	MarketCapUSD         decimal.NullDecimal
	RevenueToMcapRatio   decimal.NullDecimal
	QoQGrowthPct         decimal.NullDecimal
	SustainabilityScore  decimal.NullDecimal
	UnknownRevenueShare  decimal.NullDecimal
	ConcentrationUnknown bool

	PeerRank int
	PeerSize int
	Rating   string

	// Flags disclose caveats on non-null fields, e.g. unknown_revenue_disclosed.
	Flags       []string
	NullReasons map[string]string
}

// HasFlag reports whether flag was raised on the score.
func (s ComparativeScore) HasFlag(flag string) bool {
	for _, f := range s.Flags {
		if f == flag {
			return true
		}
	}
	return false
}

// Label is the human readable period name.
func (s ComparativeScore) Label() string {
	return PeriodLabel(s.Kind, s.PeriodStart)
}

// NullReason returns the recorded reason for a null field, if any.
func (s ComparativeScore) NullReason(field string) string {
	if s.NullReasons == nil {
		return ""
	}
	return s.NullReasons[field]
}
