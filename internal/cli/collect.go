package cli

import (
	"github.com/spf13/cobra"

	"crypto-revenue-analyzer/internal/app"
)

var (
	collectScope scopeFlags
	collectPurge bool
)

var collectCmd = &cobra.Command{
	Use:   "collect",
	Short: "Fetch observations into the local cache without scoring",
	RunE: func(cmd *cobra.Command, args []string) error {
		scope, err := collectScope.scope()
		if err != nil {
			return err
		}

		opts := app.CollectOptions{
			RunScope:   scope,
			PurgeCache: collectPurge,
		}
		return getApp().Collect(cmd.Context(), opts)
	},
}

func init() {
	collectScope.register(collectCmd)
	collectCmd.Flags().BoolVar(&collectPurge, "purge-cache", false, "Drop cached upstream responses before fetching")
}
