package cli

import (
	"github.com/spf13/cobra"
)

var digestRunID string

var digestCmd = &cobra.Command{
	Use:   "digest",
	Short: "重新推送某次运行的摘要",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SendDigest(cmd.Context(), digestRunID)
	},
}

func init() {
	digestCmd.Flags().StringVar(&digestRunID, "run", "", "归档运行 ID（默认最新一次）")
}
