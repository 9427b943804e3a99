package server

import (
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

type snapshotView struct {
	RunID       string         `json:"run_id"`
	GeneratedAt string         `json:"generated_at"`
	WindowStart string         `json:"window_start"`
	WindowEnd   string         `json:"window_end"`
	Protocols   []protocolView `json:"protocols"`
	Buckets     []bucketView   `json:"buckets"`
	Scores      []scoreView    `json:"scores"`
	Issues      []issueView    `json:"issues"`
}

type protocolView struct {
	ID        string   `json:"id"`
	Name      string   `json:"name"`
	Sector    string   `json:"sector"`
	TokenType string   `json:"token_type"`
	Chains    []string `json:"chains"`
}

type bucketView struct {
	ProtocolID             string                     `json:"protocol_id"`
	Kind                   string                     `json:"period_kind"`
	Period                 string                     `json:"period"`
	IsPartial              bool                       `json:"is_partial"`
	TotalRevenueUSD        decimal.Decimal            `json:"total_revenue_usd"`
	SustainableRevenueUSD  decimal.Decimal            `json:"sustainable_revenue_usd"`
	IncentivizedRevenueUSD decimal.Decimal            `json:"incentivized_revenue_usd"`
	UnknownRevenueUSD      decimal.Decimal            `json:"unknown_revenue_usd"`
	TotalFeesUSD           decimal.Decimal            `json:"total_fees_usd"`
	ReportedRevenueUSD     decimal.Decimal            `json:"reported_revenue_usd"`
	ReportedObservations   int                        `json:"reported_observations"`
	DaysCovered            int                        `json:"days_covered"`
	AvgDailyRevenueUSD     decimal.Decimal            `json:"avg_daily_revenue_usd"`
	RevenueByChain         map[string]decimal.Decimal `json:"revenue_by_chain,omitempty"`
	Counterparties         *uint64                    `json:"counterparties"`
}

type scoreView struct {
	ProtocolID           string              `json:"protocol_id"`
	Sector               string              `json:"sector"`
	Kind                 string              `json:"period_kind"`
	Period               string              `json:"period"`
	IsPartial            bool                `json:"is_partial"`
	TotalRevenueUSD      decimal.Decimal     `json:"total_revenue_usd"`
	AnnualizedRevenueUSD decimal.Decimal     `json:"annualized_revenue_usd"`
	MarketCapUSD         decimal.NullDecimal `json:"market_cap_usd"`
	RevenueToMcapRatio   decimal.NullDecimal `json:"revenue_to_mcap_ratio"`
	QoQGrowthPct         decimal.NullDecimal `json:"qoq_growth_pct"`
	SustainabilityScore  decimal.NullDecimal `json:"sustainability_score"`
	UnknownRevenueShare  decimal.NullDecimal `json:"unknown_revenue_share"`
	ConcentrationUnknown bool                `json:"concentration_unknown"`
	PeerRank             int                 `json:"peer_rank"`
	PeerSize             int                 `json:"peer_size"`
	Rating               string              `json:"rating"`
	Flags                []string            `json:"flags,omitempty"`
	NullReasons          map[string]string   `json:"null_reasons,omitempty"`
}

type issueView struct {
	Kind       string `json:"kind"`
	ProtocolID string `json:"protocol_id,omitempty"`
	ChainID    string `json:"chain_id,omitempty"`
	Source     string `json:"source,omitempty"`
	Period     string `json:"period,omitempty"`
	Field      string `json:"field,omitempty"`
	Detail     string `json:"detail"`
}

func newSnapshotView(snap *domain.Snapshot) snapshotView {
	window := snap.Window()
	v := snapshotView{
		RunID:       snap.RunID(),
		GeneratedAt: snap.GeneratedAt().Format("2006-01-02T15:04:05Z"),
		WindowStart: window.Start.Format(domain.DayLayout),
		WindowEnd:   window.End.AddDate(0, 0, -1).Format(domain.DayLayout),
		Protocols:   []protocolView{},
		Buckets:     []bucketView{},
		Scores:      []scoreView{},
		Issues:      []issueView{},
	}
	for _, p := range snap.Protocols() {
		v.Protocols = append(v.Protocols, protocolView{ID: p.ID, Name: p.Name, Sector: p.Sector, TokenType: p.TokenType, Chains: p.Chains})
	}
	for _, b := range snap.Buckets() {
		bv := bucketView{
			ProtocolID:             b.ProtocolID,
			Kind:                   string(b.Kind),
			Period:                 b.Label(),
			IsPartial:              b.IsPartial,
			TotalRevenueUSD:        b.TotalRevenueUSD,
			SustainableRevenueUSD:  b.SustainableRevenueUSD,
			IncentivizedRevenueUSD: b.IncentivizedRevenueUSD,
			UnknownRevenueUSD:      b.UnknownRevenueUSD,
			TotalFeesUSD:           b.TotalFeesUSD,
			ReportedRevenueUSD:     b.ReportedRevenueUSD,
			ReportedObservations:   b.ReportedObservations,
			DaysCovered:            b.DaysCovered,
			AvgDailyRevenueUSD:     b.AvgDailyRevenueUSD,
			RevenueByChain:         b.RevenueByChain,
		}
		if b.CounterpartiesKnown {
			n := b.Counterparties
			bv.Counterparties = &n
		}
		v.Buckets = append(v.Buckets, bv)
	}
	for _, s := range snap.Scores() {
		v.Scores = append(v.Scores, scoreView{
			ProtocolID:           s.ProtocolID,
			Sector:               s.Sector,
			Kind:                 string(s.Kind),
			Period:               s.Label(),
			IsPartial:            s.IsPartial,
			TotalRevenueUSD:      s.TotalRevenueUSD,
			AnnualizedRevenueUSD: s.AnnualizedRevenueUSD,
			MarketCapUSD:         s.MarketCapUSD,
			RevenueToMcapRatio:   s.RevenueToMcapRatio,
			QoQGrowthPct:         s.QoQGrowthPct,
			SustainabilityScore:  s.SustainabilityScore,
			UnknownRevenueShare:  s.UnknownRevenueShare,
			ConcentrationUnknown: s.ConcentrationUnknown,
			PeerRank:             s.PeerRank,
			PeerSize:             s.PeerSize,
			Rating:               s.Rating,
			Flags:                s.Flags,
			NullReasons:          s.NullReasons,
		})
	}
	for _, is := range snap.Issues() {
		iv := issueView{
			Kind:       string(is.Kind),
			ProtocolID: is.ProtocolID,
			ChainID:    is.ChainID,
			Source:     is.Source,
			Field:      is.Field,
			Detail:     is.Detail,
		}
		if is.PeriodKind != "" && !is.PeriodStart.IsZero() {
			iv.Period = domain.PeriodLabel(is.PeriodKind, is.PeriodStart)
		}
		v.Issues = append(v.Issues, iv)
	}
	return v
}
