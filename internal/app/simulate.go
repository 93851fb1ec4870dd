package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/Todd838/Coin-Insights/internal/alerting"
	"github.com/Todd838/Coin-Insights/internal/market"
)

// SimulateAlert 以给定的交易对和级别模拟一次告警通知。
func (a *App) SimulateAlert(ctx context.Context, symbol, level string, vol5m float64) error {
	if !a.Config.Alerting.Enabled {
		return errors.New("alerting 未启用")
	}

	switch level {
	case market.LevelExplosive, market.LevelHot, market.LevelLow, market.LevelStagnant:
	default:
		return fmt.Errorf("未知告警级别: %s", level)
	}

	notifier := a.newNotifier()
	if notifier == nil {
		return errors.New("未配置任何告警通道")
	}

	note := alerting.Notification{
		Symbol: symbol,
		Level:  level,
		Vol5m:  decimal.NewFromFloat(vol5m),
		At:     time.Now().UTC(),
	}
	return notifier.Notify(ctx, note)
}
