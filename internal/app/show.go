package app

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
	"crypto-revenue-analyzer/internal/report"
	"crypto-revenue-analyzer/internal/storage"
)

// ShowOptions configure the show command.
type ShowOptions struct {
	// Runs lists archived runs instead of printing a snapshot.
	Runs  bool
	Limit int
	// RunID selects an archived snapshot. Empty means the latest.
	RunID string
	// Issues prints the issue list below the comparison table.
	Issues bool
	Basis  string
}

// Show prints archived runs or the comparison table of one snapshot.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("database not configured; cannot show runs")
	}
	if closeStore != nil {
		defer closeStore()
	}

	if opts.Runs {
		runs, err := store.ListRuns(ctx, opts.Limit)
		if err != nil {
			return err
		}
		if len(runs) == 0 {
			fmt.Fprintln(os.Stdout, "no runs found")
			return nil
		}
		printRuns(os.Stdout, runs)
		return nil
	}

	basis := a.basis()
	if opts.Basis != "" {
		if basis, err = report.ParseBasis(opts.Basis); err != nil {
			return err
		}
	}

	snap, err := a.loadSnapshot(ctx, store, opts.RunID)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stdout, "run %s  window %s  generated %s\n\n", snap.RunID(), snap.Window(), snap.GeneratedAt().UTC().Format(time.RFC3339))
	printComparison(os.Stdout, snap, basis)
	if opts.Issues && len(snap.Issues()) > 0 {
		fmt.Fprintln(os.Stdout)
		printIssues(os.Stdout, snap.Issues())
	}
	return nil
}

func printRuns(w io.Writer, runs []storage.RunRecord) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Run\tGenerated (UTC)\tWindow\tProtocols\tBuckets\tScores\tIssues")
	for _, run := range runs {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s..%s\t%d\t%d\t%d\t%d\n",
			run.ID,
			run.GeneratedAt.UTC().Format(time.RFC3339),
			run.WindowStart.Format(domain.DayLayout),
			run.WindowEnd.AddDate(0, 0, -1).Format(domain.DayLayout),
			len(run.Protocols),
			run.BucketCount,
			run.ScoreCount,
			run.IssueCount,
		)
	}
	writer.Flush()
}

func printComparison(w io.Writer, snap *domain.Snapshot, basis report.Basis) {
	rows := snap.Comparison()
	if len(rows) == 0 {
		fmt.Fprintln(w, "no protocols in snapshot")
		return
	}

	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Protocol\tSector\tPeriod\tMarket Cap\tAnnual Revenue (%s)\tQoQ%%\tSustainability\tRating\tRank\n", basis)
	for _, row := range rows {
		rank := "-"
		if row.Excluded != "" {
			rank = "excluded (" + row.Excluded + ")"
		} else if row.PeerRank > 0 {
			rank = fmt.Sprintf("%d/%d", row.PeerRank, row.PeerSize)
		}
		annual, reason := report.AnnualRevenue(row, basis)
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			row.DisplayName(),
			orDash(row.Sector),
			orDash(row.Period),
			formatNull(row.MarketCapUSD, row.NullReason(domain.FieldMarketCap), 0),
			formatNull(annual, reason, 2),
			formatNull(row.QoQGrowthPct, row.NullReason(domain.FieldQoQGrowth), 2),
			formatNull(row.SustainabilityScore, row.NullReason(domain.FieldSustainability), 3),
			row.Rating,
			rank,
		)
	}
	writer.Flush()
}

func printIssues(w io.Writer, issues []domain.Issue) {
	writer := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Kind\tProtocol\tChain\tSource\tPeriod\tDetail")
	for _, is := range issues {
		period := ""
		if is.PeriodKind != "" && !is.PeriodStart.IsZero() {
			period = domain.PeriodLabel(is.PeriodKind, is.PeriodStart)
		}
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\n",
			is.Kind,
			orDash(is.ProtocolID),
			orDash(is.ChainID),
			orDash(is.Source),
			orDash(period),
			sanitizeInline(is.Detail),
		)
	}
	writer.Flush()
}

func formatNull(v decimal.NullDecimal, reason string, places int32) string {
	if v.Valid {
		return v.Decimal.StringFixed(places)
	}
	if reason == "" {
		return "n/a"
	}
	return "n/a (" + reason + ")"
}

func orDash(v string) string {
	if v == "" {
		return "-"
	}
	return v
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
