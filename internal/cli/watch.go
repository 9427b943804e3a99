package cli

import (
	"github.com/spf13/cobra"

	"crypto-revenue-analyzer/internal/app"
)

var (
	watchProtocols []string
	watchPeriods   []string
	watchOut       string
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Rerun the analysis on the configured schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Watch(cmd.Context(), app.WatchOptions{
			Protocols: watchProtocols,
			Periods:   watchPeriods,
			Out:       watchOut,
		})
	},
}

func init() {
	watchCmd.Flags().StringSliceVar(&watchProtocols, "protocols", nil, "Protocol ids to include (default: all configured)")
	watchCmd.Flags().StringSliceVar(&watchPeriods, "periods", nil, "Period kinds to aggregate: day,month,quarter,year")
	watchCmd.Flags().StringVar(&watchOut, "out", "", "Report directory (defaults to report.dir)")
}
