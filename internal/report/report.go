package report

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"crypto-revenue-analyzer/internal/domain"
)

// Emitter publishes a finished snapshot somewhere. Emitters never recompute figures.
type Emitter interface {
	Emit(ctx context.Context, snap *domain.Snapshot) error
}

// Multi fans a snapshot out to several emitters. Every emitter runs even when an earlier one fails.
type Multi []Emitter

// Emit implements Emitter.
func (m Multi) Emit(ctx context.Context, snap *domain.Snapshot) error {
	var errs []error
	for _, e := range m {
		if e == nil {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := e.Emit(ctx, snap); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Basis selects which annual revenue figure the comparison table shows.
type Basis string

const (
	// BasisDerived sums the classified revenue over the window.
	BasisDerived Basis = "derived"
	// BasisReported sums the upstream revenue series.
	BasisReported Basis = "reported"
	// BasisAnnualized projects the average daily revenue over 365 days.
	BasisAnnualized Basis = "annualized"
)

// ParseBasis validates a basis name. Empty means derived.
func ParseBasis(v string) (Basis, error) {
	switch Basis(strings.ToLower(strings.TrimSpace(v))) {
	case "", BasisDerived:
		return BasisDerived, nil
	case BasisReported:
		return BasisReported, nil
	case BasisAnnualized:
		return BasisAnnualized, nil
	}
	return "", fmt.Errorf("unknown annual revenue basis %q", v)
}

// Format names accepted in Options.Formats.
const (
	FormatCSV  = "csv"
	FormatXLSX = "xlsx"
	FormatPNG  = "png"
)

// Options configure the file emitters.
type Options struct {
	Dir     string
	Formats []string
	Basis   Basis
}

// New builds the file emitters named in opts.Formats.
func New(opts Options, logger zerolog.Logger) (Multi, error) {
	if opts.Dir == "" {
		return nil, errors.New("report.dir is required")
	}
	basis, err := ParseBasis(string(opts.Basis))
	if err != nil {
		return nil, err
	}

	var out Multi
	seen := make(map[string]bool)
	for _, f := range opts.Formats {
		f = strings.ToLower(strings.TrimSpace(f))
		if seen[f] {
			continue
		}
		seen[f] = true
		switch f {
		case FormatCSV:
			out = append(out, NewCSVWriter(opts.Dir, basis, logger))
		case FormatXLSX:
			out = append(out, NewWorkbook(opts.Dir, basis, logger))
		case FormatPNG:
			out = append(out, NewCharts(opts.Dir, basis, logger))
		default:
			return nil, fmt.Errorf("unknown report format %q", f)
		}
	}
	return out, nil
}

// AnnualRevenue picks the figure basis selects from a comparison row, with the reason when it is null.
func AnnualRevenue(row domain.ComparisonRow, basis Basis) (decimal.NullDecimal, string) {
	switch basis {
	case BasisReported:
		return row.ReportedRevenueUSD, row.NullReason(domain.FieldReportedRevenue)
	case BasisAnnualized:
		return row.AnnualizedRevenueUSD, row.NullReason(domain.FieldAnnualizedRevenue)
	}
	return row.DerivedRevenueUSD, row.NullReason(domain.FieldDerivedRevenue)
}

// nullCell renders a nullable decimal, or "n/a (<reason>)" when it is null.
func nullCell(v decimal.NullDecimal, reason string, places int32) string {
	if v.Valid {
		return v.Decimal.StringFixed(places)
	}
	return naCell(reason)
}

func naCell(reason string) string {
	if reason == "" {
		return "n/a"
	}
	return "n/a (" + reason + ")"
}

func ensureDir(dir string) error {
	if dir == "" || dir == "." {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
