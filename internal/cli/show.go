package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"crypto-revenue-analyzer/internal/app"
)

var (
	showRuns   bool
	showLimit  int
	showRunID  string
	showIssues bool
	showBasis  string
)

var showCmd = &cobra.Command{
	Use:   "show",
	Short: "Display archived runs or a run's comparison table",
	RunE: func(cmd *cobra.Command, args []string) error {
		if showRuns && showLimit <= 0 {
			return fmt.Errorf("--limit must be greater than zero")
		}

		opts := app.ShowOptions{
			Runs:   showRuns,
			Limit:  showLimit,
			RunID:  showRunID,
			Issues: showIssues,
			Basis:  showBasis,
		}

		return getApp().Show(cmd.Context(), opts)
	},
}

func init() {
	showCmd.Flags().BoolVar(&showRuns, "runs", false, "List archived runs")
	showCmd.Flags().IntVar(&showLimit, "limit", 20, "Number of runs to list")
	showCmd.Flags().StringVar(&showRunID, "run", "", "Run id to display (default: latest)")
	showCmd.Flags().BoolVar(&showIssues, "issues", false, "Print recorded issues")
	showCmd.Flags().StringVar(&showBasis, "basis", "", "Annual revenue basis: derived, reported or annualized")
}
