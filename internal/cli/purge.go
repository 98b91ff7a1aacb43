package cli

import (
	"time"

	"github.com/spf13/cobra"

	"lendwatch/internal/app"
)

var (
	purgeOlderThan time.Duration
	purgeDryRun    bool
)

var purgeCmd = &cobra.Command{
	Use:   "purge",
	Short: "清理超过保留窗口的快照与告警历史",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.PurgeOptions{
			OlderThan: purgeOlderThan,
			DryRun:    purgeDryRun,
		}

		return getApp().Purge(cmd.Context(), opts)
	},
}

func init() {
	purgeCmd.Flags().DurationVar(&purgeOlderThan, "older-than", 90*24*time.Hour, "保留窗口，早于该时长的数据会被删除")
	purgeCmd.Flags().BoolVar(&purgeDryRun, "dry-run", false, "只打印将要删除的范围，不执行删除")
}
