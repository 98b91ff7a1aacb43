package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/shopspring/decimal"

	"lendwatch/internal/alerting"
	"lendwatch/internal/position"
)

// SimulateAlert 以合成的 LTV 序列驱动告警决策引擎，打印每个周期产生的
// 通知意图。--send 时会把 ALERT 真正推送到配置的通道。
func (a *App) SimulateAlert(ctx context.Context, opts SimulateOptions) error {
	if len(opts.LTVs) == 0 {
		return errors.New("至少需要一个 LTV 值")
	}

	var notifiers []alerting.Notifier
	if opts.Send {
		if !a.Config.Alerting.Enabled {
			return errors.New("alerting 未启用")
		}
		notifiers = a.newNotifiers()
		if len(notifiers) == 0 {
			return errors.New("未配置任何告警通道")
		}
	}

	thresholds := alerting.Thresholds{
		WarningPercent:  decimal.NewFromFloat(a.Config.Alerting.WarningThresholdPct),
		CriticalPercent: decimal.NewFromFloat(a.Config.Alerting.CriticalThresholdPct),
	}
	subject := alerting.Subject{
		Wallet:   "0xsimulated",
		Label:    "simulated",
		Protocol: "alphalend",
	}
	engine := alerting.NewEngine(thresholds, subject)

	var state alerting.State
	start := time.Now().UTC()
	for i, ltv := range opts.LTVs {
		at := start.Add(time.Duration(i) * time.Minute)
		snap := syntheticSnapshot(ltv, at)

		intents, next := engine.Decide(snap, state, at)
		state = next

		for _, intent := range intents {
			fmt.Fprintf(os.Stdout, "cycle %d  ltv=%.2f%%  band=%s  %s: %s\n", i+1, ltv, intent.Band, intent.Class, intent.Title)
			if opts.Send && intent.Class == alerting.ChannelAlert {
				for _, notifier := range notifiers {
					if err := notifier.Send(ctx, intent); err != nil {
						a.Logger.Error().Err(err).Str("notifier", notifier.Name()).Msg("模拟告警发送失败")
					}
				}
			}
		}
	}

	return nil
}

// syntheticSnapshot builds a priced snapshot carrying the requested LTV
// against $10,000 of collateral.
func syntheticSnapshot(ltv float64, at time.Time) position.Snapshot {
	collateral := decimal.NewFromInt(10_000)
	debt := collateral.Mul(decimal.NewFromFloat(ltv)).Div(decimal.NewFromInt(100))
	liq := decimal.NewFromInt(85)

	snap := position.Snapshot{
		PositionID:                  "simulated-position",
		Wallet:                      "0xsimulated",
		Protocol:                    "alphalend",
		PerCollateralUSD:            map[string]decimal.Decimal{"USDC": collateral},
		PerDebtUSD:                  map[string]decimal.Decimal{"SUI": debt},
		TotalCollateralUSD:          collateral,
		TotalDebtUSD:                debt,
		LTVPercent:                  decimal.NewFromFloat(ltv),
		LiquidationThresholdPercent: liq,
		EvaluatedAt:                 at,
	}
	if debt.IsZero() {
		snap.HealthFactorUnbounded = true
	} else {
		snap.HealthFactor = collateral.Mul(liq).Div(decimal.NewFromInt(100)).Div(debt)
		snap.IsLiquidatable = snap.HealthFactor.LessThan(decimal.NewFromInt(1))
	}
	snap.IsHealthy = !snap.IsLiquidatable
	return snap
}
