package position

import (
	"time"

	"github.com/shopspring/decimal"
)

// Snapshot is a fully priced view of a position at one instant. All monetary
// fields are USD. Values keep full decimal precision; rounding happens only
// at display time via the Format helpers.
type Snapshot struct {
	PositionID string
	Wallet     string
	Protocol   string

	PerCollateralUSD map[string]decimal.Decimal
	PerDebtUSD       map[string]decimal.Decimal

	TotalCollateralUSD decimal.Decimal
	TotalDebtUSD       decimal.Decimal

	// LTVPercent is meaningless when LTVUnbounded is set (zero collateral
	// against live debt). Same for HealthFactor and HealthFactorUnbounded
	// (no debt means nothing to liquidate).
	LTVPercent            decimal.Decimal
	LTVUnbounded          bool
	HealthFactor          decimal.Decimal
	HealthFactorUnbounded bool

	LiquidationThresholdPercent decimal.Decimal

	IsHealthy      bool
	IsLiquidatable bool

	EvaluatedAt time.Time
}

// FormatLTV renders the loan-to-value ratio to two decimal places.
func (s Snapshot) FormatLTV() string {
	if s.LTVUnbounded {
		return "N/A"
	}
	return s.LTVPercent.StringFixed(2) + "%"
}

// FormatHealthFactor renders the health factor to four decimal places.
func (s Snapshot) FormatHealthFactor() string {
	if s.HealthFactorUnbounded {
		return "N/A"
	}
	return s.HealthFactor.StringFixed(4)
}
