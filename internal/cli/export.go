package cli

import (
	"github.com/spf13/cobra"

	"crypto-revenue-analyzer/internal/app"
)

var (
	exportRunID   string
	exportOut     string
	exportFormats []string
	exportBasis   string
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Render an archived run as CSV, XLSX and/or PNG",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			RunID:   exportRunID,
			Out:     exportOut,
			Formats: exportFormats,
			Basis:   exportBasis,
		}
		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportRunID, "run", "", "Run id to export (default: latest)")
	exportCmd.Flags().StringVar(&exportOut, "out", "", "Output directory (defaults to report.dir)")
	exportCmd.Flags().StringSliceVar(&exportFormats, "formats", nil, "Formats to write: csv,xlsx,png (defaults to report.formats)")
	exportCmd.Flags().StringVar(&exportBasis, "basis", "", "Annual revenue basis: derived, reported or annualized")
}
