package position

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"lendwatch/internal/oracle"
)

// ErrStalePrice is returned when a consumed price is older than the
// configured bound. A stale price must never flow into a snapshot.
var ErrStalePrice = errors.New("position: stale price")

var dec100 = decimal.NewFromInt(100)

// Evaluate prices a position against the given table and derives its risk
// metrics. The function is deterministic in its inputs; now is the evaluation
// instant used for both staleness checks and the snapshot timestamp.
//
// Every symbol referenced by a leg must be present in prices, and every
// consumed price must be younger than maxPriceAge (a non-positive maxPriceAge
// disables the check).
func Evaluate(p Position, prices oracle.PriceTable, liquidationThresholdPercent decimal.Decimal, maxPriceAge time.Duration, now time.Time) (Snapshot, error) {
	snap := Snapshot{
		PositionID:                  p.ID,
		Wallet:                      p.Wallet,
		Protocol:                    p.Protocol,
		PerCollateralUSD:            make(map[string]decimal.Decimal, len(p.Collaterals)),
		PerDebtUSD:                  make(map[string]decimal.Decimal, len(p.Debts)),
		LiquidationThresholdPercent: liquidationThresholdPercent,
		EvaluatedAt:                 now,
	}

	price := func(symbol string) (oracle.PricePoint, error) {
		point, ok := prices.Lookup(symbol)
		if !ok {
			return oracle.PricePoint{}, fmt.Errorf("%w: no price for %s", oracle.ErrPriceUnavailable, symbol)
		}
		if maxPriceAge > 0 {
			if age := now.Sub(point.PublishTime); age > maxPriceAge {
				return oracle.PricePoint{}, fmt.Errorf("%w: %s published %s ago (max %s)", ErrStalePrice, symbol, age.Truncate(time.Second), maxPriceAge)
			}
		}
		return point, nil
	}

	for _, leg := range p.Collaterals {
		point, err := price(leg.Symbol)
		if err != nil {
			return Snapshot{}, err
		}
		usd := leg.Quantity().Mul(point.PriceUSD)
		snap.PerCollateralUSD[leg.Symbol] = snap.PerCollateralUSD[leg.Symbol].Add(usd)
		snap.TotalCollateralUSD = snap.TotalCollateralUSD.Add(usd)
	}

	for _, leg := range p.Debts {
		point, err := price(leg.Symbol)
		if err != nil {
			return Snapshot{}, err
		}
		usd := leg.Quantity().Mul(point.PriceUSD)
		snap.PerDebtUSD[leg.Symbol] = snap.PerDebtUSD[leg.Symbol].Add(usd)
		snap.TotalDebtUSD = snap.TotalDebtUSD.Add(usd)
	}

	switch {
	case snap.TotalCollateralUSD.IsZero() && snap.TotalDebtUSD.IsZero():
		snap.LTVPercent = decimal.Zero
	case snap.TotalCollateralUSD.IsZero():
		// Live debt with nothing backing it. The ratio has no finite value.
		snap.LTVUnbounded = true
	default:
		snap.LTVPercent = snap.TotalDebtUSD.Div(snap.TotalCollateralUSD).Mul(dec100)
	}

	if snap.TotalDebtUSD.IsZero() {
		snap.HealthFactorUnbounded = true
		snap.IsLiquidatable = false
	} else {
		adjusted := snap.TotalCollateralUSD.Mul(liquidationThresholdPercent).Div(dec100)
		snap.HealthFactor = adjusted.Div(snap.TotalDebtUSD)
		snap.IsLiquidatable = snap.HealthFactor.LessThan(decimal.NewFromInt(1))
	}
	snap.IsHealthy = !snap.IsLiquidatable

	return snap, nil
}
