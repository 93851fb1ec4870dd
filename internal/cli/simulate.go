package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var (
	simulateSymbol string
	simulateLevel  string
	simulateVol    float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "模拟一次波动告警并推送通知",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" {
			return errors.New("--symbol 不能为空")
		}
		return getApp().SimulateAlert(cmd.Context(), simulateSymbol, simulateLevel, simulateVol)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "交易对, 例如 BTCUSDT")
	simulateCmd.Flags().StringVar(&simulateLevel, "level", "EXPLOSIVE", "告警级别")
	simulateCmd.Flags().Float64Var(&simulateVol, "vol5m", 0, "五分钟波动幅度 (百分比)")
}
