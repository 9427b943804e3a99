package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// RunRecord summarises one persisted pipeline run.
type RunRecord struct {
	ID          string
	GeneratedAt time.Time
	WindowStart time.Time
	WindowEnd   time.Time
	Protocols   []domain.ProtocolInfo
	BucketCount int
	ScoreCount  int
	IssueCount  int
	CreatedAt   time.Time

	summary []byte
}

// protocolJSON is the jsonb shape of runs.protocols.
type protocolJSON struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Sector    string   `json:"sector"`
	TokenType string   `json:"token_type"`
	Chains    []string `json:"chains,omitempty"`
}

func toProtocolJSON(in []domain.ProtocolInfo) []protocolJSON {
	out := make([]protocolJSON, 0, len(in))
	for _, p := range in {
		out = append(out, protocolJSON{ID: p.ID, Name: p.Name, Sector: p.Sector, TokenType: p.TokenType, Chains: p.Chains})
	}
	return out
}

func fromProtocolJSON(in []protocolJSON) []domain.ProtocolInfo {
	out := make([]domain.ProtocolInfo, 0, len(in))
	for _, p := range in {
		out = append(out, domain.ProtocolInfo{ID: p.ID, Name: p.Name, Sector: p.Sector, TokenType: p.TokenType, Chains: p.Chains})
	}
	return out
}

// summaryJSON is the jsonb shape of runs.summary. Null decimals encode as JSON null.
type summaryJSON struct {
	Comparison    []comparisonJSON   `json:"comparison"`
	Contributions []contributionJSON `json:"contributions"`
}

type comparisonJSON struct {
	ProtocolID           string              `json:"protocol_id"`
	Name                 string              `json:"name,omitempty"`
	Sector               string              `json:"sector,omitempty"`
	TokenType            string              `json:"token_type,omitempty"`
	Excluded             string              `json:"excluded,omitempty"`
	Period               string              `json:"period,omitempty"`
	DerivedRevenueUSD    decimal.NullDecimal `json:"derived_revenue_usd"`
	ReportedRevenueUSD   decimal.NullDecimal `json:"reported_revenue_usd"`
	AnnualizedRevenueUSD decimal.NullDecimal `json:"annualized_revenue_usd"`
	MarketCapUSD         decimal.NullDecimal `json:"market_cap_usd"`
	QoQGrowthPct         decimal.NullDecimal `json:"qoq_growth_pct"`
	SustainabilityScore  decimal.NullDecimal `json:"sustainability_score"`
	Rating               string              `json:"rating"`
	PeerRank             int                 `json:"peer_rank"`
	PeerSize             int                 `json:"peer_size"`
	NullReasons          map[string]string   `json:"null_reasons,omitempty"`
}

type contributionJSON struct {
	ProtocolID string              `json:"protocol_id"`
	ChainID    string              `json:"chain_id"`
	RevenueUSD decimal.Decimal     `json:"revenue_usd"`
	SharePct   decimal.NullDecimal `json:"share_pct"`
}

func toSummaryJSON(in domain.Summary) summaryJSON {
	out := summaryJSON{
		Comparison:    make([]comparisonJSON, 0, len(in.Comparison)),
		Contributions: make([]contributionJSON, 0, len(in.Contributions)),
	}
	for _, r := range in.Comparison {
		out.Comparison = append(out.Comparison, comparisonJSON(r))
	}
	for _, c := range in.Contributions {
		out.Contributions = append(out.Contributions, contributionJSON(c))
	}
	return out
}

func (s summaryJSON) toDomain() domain.Summary {
	var out domain.Summary
	for _, r := range s.Comparison {
		out.Comparison = append(out.Comparison, domain.ComparisonRow(r))
	}
	for _, c := range s.Contributions {
		out.Contributions = append(out.Contributions, domain.ChainContribution(c))
	}
	return out
}
