package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"lendwatch/internal/app"
)

var (
	simulateLTVs []float64
	simulateSend bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "以合成的 LTV 序列模拟告警流程",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(simulateLTVs) == 0 {
			return errors.New("--ltv 至少需要一个值")
		}

		opts := app.SimulateOptions{
			LTVs: simulateLTVs,
			Send: simulateSend,
		}

		return getApp().SimulateAlert(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().Float64SliceVar(&simulateLTVs, "ltv", nil, "每个周期的 LTV 百分比，可重复或逗号分隔")
	simulateCmd.Flags().BoolVar(&simulateSend, "send", false, "把 ALERT 级通知真正发送到配置的通道")
}
