package cli

import (
	"github.com/spf13/cobra"

	"crypto-revenue-analyzer/internal/app"
)

var (
	runScope      scopeFlags
	runUseCache   bool
	runSkipReport bool
	runOut        string
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run one analysis pass and write the reports",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := runScope.scope()
		if err != nil {
			return err
		}
		scope.UseCache = runUseCache

		opts := app.RunOptions{
			RunScope:   scope,
			SkipReport: runSkipReport,
			Out:        runOut,
		}
		return getApp().Run(cmd.Context(), opts)
	},
}

func init() {
	runScope.register(runCmd)
	runCmd.Flags().BoolVar(&runUseCache, "use-cache", false, "Replay cached observations instead of calling the sources")
	runCmd.Flags().BoolVar(&runSkipReport, "skip-report", false, "Do not write report files")
	runCmd.Flags().StringVar(&runOut, "out", "", "Report directory (defaults to report.dir)")
}
