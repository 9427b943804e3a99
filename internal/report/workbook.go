package report

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"
	"github.com/xuri/excelize/v2"

	"crypto-revenue-analyzer/internal/domain"
)

// WorkbookFile is the name of the XLSX report.
const WorkbookFile = "revenue_report.xlsx"

// Sheet names, in workbook order.
const (
	SheetComparison    = "Comparison"
	SheetBuckets       = "Buckets"
	SheetScores        = "Scores"
	SheetContributions = "Chains"
	SheetIssues        = "Issues"
)

// Workbook renders the snapshot as a multi-sheet XLSX file.
type Workbook struct {
	dir    string
	basis  Basis
	logger zerolog.Logger
}

var _ Emitter = (*Workbook)(nil)

func NewWorkbook(dir string, basis Basis, logger zerolog.Logger) *Workbook {
	return &Workbook{dir: dir, basis: basis, logger: logger.With().Str("component", "report_xlsx").Logger()}
}

// Emit implements Emitter.
func (w *Workbook) Emit(ctx context.Context, snap *domain.Snapshot) error {
	if err := ensureDir(w.dir); err != nil {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	header, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{Type: "pattern", Pattern: 1, Color: []string{"DDEBF7"}},
	})
	if err != nil {
		return fmt.Errorf("xlsx header style: %w", err)
	}

	sheets := []struct {
		name   string
		header []string
		rows   [][]string
	}{
		{SheetComparison, comparisonSheetHeader(w.basis), comparisonRows(snap, w.basis)},
		{SheetBuckets, bucketHeader, bucketRows(snap)},
		{SheetScores, scoreHeader, scoreRows(snap)},
		{SheetContributions, contributionHeader, contributionRows(snap)},
		{SheetIssues, issueHeader, issueRows(snap)},
	}
	for i, s := range sheets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if i == 0 {
			if err := f.SetSheetName("Sheet1", s.name); err != nil {
				return fmt.Errorf("xlsx rename sheet: %w", err)
			}
		} else if _, err := f.NewSheet(s.name); err != nil {
			return fmt.Errorf("xlsx new sheet %s: %w", s.name, err)
		}
		if err := writeSheet(f, s.name, header, s.header, s.rows); err != nil {
			return fmt.Errorf("xlsx sheet %s: %w", s.name, err)
		}
	}
	f.SetActiveSheet(0)

	if err := w.writeMeta(f, snap); err != nil {
		return err
	}

	path := filepath.Join(w.dir, WorkbookFile)
	if err := f.SaveAs(path); err != nil {
		return fmt.Errorf("save workbook: %w", err)
	}
	w.logger.Info().Str("path", path).Str("run_id", snap.RunID()).Msg("workbook written")
	return nil
}

func (w *Workbook) writeMeta(f *excelize.File, snap *domain.Snapshot) error {
	return f.SetDocProps(&excelize.DocProperties{
		Title:       "Protocol revenue " + snap.Window().String(),
		Subject:     "run " + snap.RunID(),
		Description: "annual revenue basis: " + string(w.basis),
		Created:     snap.GeneratedAt().Format("2006-01-02T15:04:05Z"),
	})
}

func writeSheet(f *excelize.File, sheet string, style int, header []string, rows [][]string) error {
	if err := setRow(f, sheet, 1, header); err != nil {
		return err
	}
	if err := f.SetRowStyle(sheet, 1, 1, style); err != nil {
		return err
	}
	for i, row := range rows {
		if err := setRow(f, sheet, i+2, row); err != nil {
			return err
		}
	}
	last, err := excelize.ColumnNumberToName(len(header))
	if err != nil {
		return err
	}
	if err := f.SetColWidth(sheet, "A", last, 18); err != nil {
		return err
	}
	return f.SetPanes(sheet, &excelize.Panes{Freeze: true, YSplit: 1, TopLeftCell: "A2", ActivePane: "bottomLeft"})
}

func setRow(f *excelize.File, sheet string, row int, values []string) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return err
	}
	cells := make([]interface{}, len(values))
	for i, v := range values {
		cells[i] = v
	}
	return f.SetSheetRow(sheet, cell, &cells)
}

// comparisonSheetHeader names the annual revenue column after the configured basis.
func comparisonSheetHeader(basis Basis) []string {
	header := append([]string(nil), comparisonHeader...)
	for i, h := range header {
		if h == "annual_revenue_usd" {
			header[i] = fmt.Sprintf("annual_revenue_usd (%s)", basis)
		}
	}
	return header
}
