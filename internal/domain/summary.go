package domain

import "github.com/shopspring/decimal"

// Reasons a comparison figure is null. Exclusion reasons also land in ComparisonRow.Excluded.
const (
	ReasonNoClassificationRule = "no_classification_rule"
	ReasonNoSector             = "no_sector"
	ReasonNoObservations       = "no_observations"
	ReasonNoReportedRevenue    = "no_reported_revenue"
	ReasonNoCoverage           = "no_coverage"
)

// Comparison field names used as NullReasons keys next to the score fields.
const (
	FieldDerivedRevenue    = "derived_revenue_usd"
	FieldReportedRevenue   = "reported_revenue_usd"
	FieldAnnualizedRevenue = "annualized_revenue_usd"
)

// ComparisonRow is one line of the cross-protocol comparison table. It quotes the window totals and the
// headline score of a protocol.
type ComparisonRow struct {
	ProtocolID string
	Name       string
	Sector     string
	TokenType  string
	// Excluded names why the protocol's output was withheld. Every figure of an excluded row is null.
	Excluded string

	// Period labels the score that market cap, growth and rating come from.
	Period               string
	DerivedRevenueUSD    decimal.NullDecimal
	ReportedRevenueUSD   decimal.NullDecimal
	AnnualizedRevenueUSD decimal.NullDecimal
	MarketCapUSD         decimal.NullDecimal
	QoQGrowthPct         decimal.NullDecimal
	SustainabilityScore  decimal.NullDecimal
	Rating               string
	PeerRank             int
	PeerSize             int
	NullReasons          map[string]string
}

// DisplayName is the name shown in tables, falling back to the id.
func (r ComparisonRow) DisplayName() string {
	if r.Name != "" {
		return r.Name
	}
	return r.ProtocolID
}

// NullReason returns the recorded reason for a null field, if any.
func (r ComparisonRow) NullReason(field string) string {
	if r.NullReasons == nil {
		return ""
	}
	return r.NullReasons[field]
}

// ChainContribution is one chain's share of a protocol's window revenue.
type ChainContribution struct {
	ProtocolID string
	ChainID    string
	RevenueUSD decimal.Decimal
	SharePct   decimal.NullDecimal
}

// Summary holds the report-ready rows of a run.
type Summary struct {
	Comparison    []ComparisonRow
	Contributions []ChainContribution
}

func copySummary(in Summary) Summary {
	out := Summary{
		Comparison:    make([]ComparisonRow, len(in.Comparison)),
		Contributions: append([]ChainContribution(nil), in.Contributions...),
	}
	for i, r := range in.Comparison {
		if r.NullReasons != nil {
			m := make(map[string]string, len(r.NullReasons))
			for k, v := range r.NullReasons {
				m[k] = v
			}
			r.NullReasons = m
		}
		out.Comparison[i] = r
	}
	return out
}
