package report

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"crypto-revenue-analyzer/internal/domain"
)

// File names written by CSVWriter.
const (
	BucketsFile       = "period_buckets.csv"
	ScoresFile        = "comparative_scores.csv"
	ContributionsFile = "revenue_contributions.csv"
	IssuesFile        = "issues.csv"
	ComparisonFile    = "comparison.csv"
)

// CSVWriter writes one CSV file per snapshot table into a directory.
type CSVWriter struct {
	dir    string
	basis  Basis
	logger zerolog.Logger
}

var _ Emitter = (*CSVWriter)(nil)

// NewCSVWriter creates a writer targeting dir.
func NewCSVWriter(dir string, basis Basis, logger zerolog.Logger) *CSVWriter {
	return &CSVWriter{dir: dir, basis: basis, logger: logger.With().Str("component", "report_csv").Logger()}
}

// Emit implements Emitter.
func (w *CSVWriter) Emit(ctx context.Context, snap *domain.Snapshot) error {
	if err := ensureDir(w.dir); err != nil {
		return err
	}

	tables := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{BucketsFile, bucketHeader, bucketRows(snap)},
		{ScoresFile, scoreHeader, scoreRows(snap)},
		{ContributionsFile, contributionHeader, contributionRows(snap)},
		{IssuesFile, issueHeader, issueRows(snap)},
		{ComparisonFile, comparisonHeader, comparisonRows(snap, w.basis)},
	}
	for _, t := range tables {
		if err := ctx.Err(); err != nil {
			return err
		}
		path := filepath.Join(w.dir, t.name)
		if err := writeCSV(path, t.header, t.rows); err != nil {
			return fmt.Errorf("write %s: %w", t.name, err)
		}
		w.logger.Debug().Str("path", path).Int("rows", len(t.rows)).Msg("csv written")
	}

	w.logger.Info().Str("dir", w.dir).Str("run_id", snap.RunID()).Msg("csv report written")
	return nil
}

func writeCSV(path string, header []string, rows [][]string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if err := writer.Write(header); err != nil {
		return err
	}
	if err := writer.WriteAll(rows); err != nil {
		return err
	}
	return writer.Error()
}

var bucketHeader = []string{
	"protocol_id", "period_kind", "period", "period_start", "period_end", "is_partial",
	"total_revenue_usd", "sustainable_revenue_usd", "incentivized_revenue_usd", "unknown_revenue_usd",
	"total_fees_usd", "reported_revenue_usd", "reported_observations", "observation_count", "days_covered",
	"avg_daily_revenue_usd",
	"counterparties",
}

func bucketRows(snap *domain.Snapshot) [][]string {
	buckets := snap.Buckets()
	rows := make([][]string, 0, len(buckets))
	for _, b := range buckets {
		counterparties := naCell("counterparties_unknown")
		if b.CounterpartiesKnown {
			counterparties = strconv.FormatUint(b.Counterparties, 10)
		}
		rows = append(rows, []string{
			b.ProtocolID,
			string(b.Kind),
			b.Label(),
			b.PeriodStart.Format(domain.DayLayout),
			b.PeriodEnd.Format(domain.DayLayout),
			strconv.FormatBool(b.IsPartial),
			b.TotalRevenueUSD.String(),
			b.SustainableRevenueUSD.String(),
			b.IncentivizedRevenueUSD.String(),
			b.UnknownRevenueUSD.String(),
			b.TotalFeesUSD.String(),
			b.ReportedRevenueUSD.String(),
			strconv.Itoa(b.ReportedObservations),
			strconv.Itoa(b.ObservationCount),
			strconv.Itoa(b.DaysCovered),
			b.AvgDailyRevenueUSD.StringFixed(2),
			counterparties,
		})
	}
	return rows
}

var scoreHeader = []string{
	"protocol_id", "sector", "period_kind", "period", "period_start", "period_end", "is_partial",
	"total_revenue_usd", "annualized_revenue_usd", "market_cap_usd", "revenue_to_mcap_ratio", "qoq_growth_pct",
	"sustainability_score", "unknown_revenue_share", "concentration_unknown", "peer_rank", "peer_size", "rating",
	"flags",
}

func scoreRows(snap *domain.Snapshot) [][]string {
	scores := snap.Scores()
	rows := make([][]string, 0, len(scores))
	for _, s := range scores {
		rows = append(rows, []string{
			s.ProtocolID,
			s.Sector,
			string(s.Kind),
			s.Label(),
			s.PeriodStart.Format(domain.DayLayout),
			s.PeriodEnd.Format(domain.DayLayout),
			strconv.FormatBool(s.IsPartial),
			s.TotalRevenueUSD.String(),
			s.AnnualizedRevenueUSD.StringFixed(2),
			nullCell(s.MarketCapUSD, s.NullReason(domain.FieldMarketCap), 2),
			nullCell(s.RevenueToMcapRatio, s.NullReason(domain.FieldRevenueToMcap), 6),
			nullCell(s.QoQGrowthPct, s.NullReason(domain.FieldQoQGrowth), 2),
			nullCell(s.SustainabilityScore, s.NullReason(domain.FieldSustainability), 2),
			nullCell(s.UnknownRevenueShare, "", 4),
			strconv.FormatBool(s.ConcentrationUnknown),
			strconv.Itoa(s.PeerRank),
			strconv.Itoa(s.PeerSize),
			ratingCell(s.Rating, s.NullReason(domain.FieldRating)),
			strings.Join(s.Flags, ";"),
		})
	}
	return rows
}

var contributionHeader = []string{"protocol_id", "chain_id", "revenue_usd", "share_pct"}

func contributionRows(snap *domain.Snapshot) [][]string {
	contributions := snap.Contributions()
	rows := make([][]string, 0, len(contributions))
	for _, c := range contributions {
		rows = append(rows, []string{
			c.ProtocolID,
			c.ChainID,
			c.RevenueUSD.StringFixed(2),
			nullCell(c.SharePct, domain.ReasonNoRevenue, 2),
		})
	}
	return rows
}

var issueHeader = []string{"kind", "protocol_id", "chain_id", "source", "period_kind", "period_start", "field", "detail"}

func issueRows(snap *domain.Snapshot) [][]string {
	issues := snap.Issues()
	rows := make([][]string, 0, len(issues))
	for _, is := range issues {
		start := ""
		if !is.PeriodStart.IsZero() {
			start = is.PeriodStart.Format(domain.DayLayout)
		}
		rows = append(rows, []string{
			string(is.Kind),
			is.ProtocolID,
			is.ChainID,
			is.Source,
			string(is.PeriodKind),
			start,
			is.Field,
			is.Detail,
		})
	}
	return rows
}

var comparisonHeader = []string{
	"protocol", "sector", "period", "market_cap_usd", "annual_revenue_usd", "annual_revenue_basis",
	"derived_revenue_usd", "reported_revenue_usd", "qoq_growth_pct", "sustainability_score", "token_type",
	"peer_rank", "rating",
}

func comparisonRows(snap *domain.Snapshot, basis Basis) [][]string {
	table := snap.Comparison()
	rows := make([][]string, 0, len(table))
	for _, r := range table {
		rank := naCell(r.Excluded)
		if r.PeerSize > 0 {
			rank = fmt.Sprintf("%d/%d", r.PeerRank, r.PeerSize)
		}
		annual, reason := AnnualRevenue(r, basis)
		rows = append(rows, []string{
			r.DisplayName(),
			r.Sector,
			r.Period,
			nullCell(r.MarketCapUSD, r.NullReason(domain.FieldMarketCap), 2),
			nullCell(annual, reason, 2),
			string(basis),
			nullCell(r.DerivedRevenueUSD, r.NullReason(domain.FieldDerivedRevenue), 2),
			nullCell(r.ReportedRevenueUSD, r.NullReason(domain.FieldReportedRevenue), 2),
			nullCell(r.QoQGrowthPct, r.NullReason(domain.FieldQoQGrowth), 2),
			nullCell(r.SustainabilityScore, r.NullReason(domain.FieldSustainability), 2),
			r.TokenType,
			rank,
			ratingCell(r.Rating, r.NullReason(domain.FieldRating)),
		})
	}
	return rows
}

func ratingCell(rating, reason string) string {
	if rating == "" || rating == domain.RatingNA {
		return naCell(reason)
	}
	return rating
}
