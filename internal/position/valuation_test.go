package position

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"lendwatch/internal/oracle"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func freshPrices(now time.Time) oracle.PriceTable {
	return oracle.PriceTable{
		"USDC": {PriceUSD: dec("1.00"), PublishTime: now},
		"XBTC": {PriceUSD: dec("65209.32"), PublishTime: now},
		"SUI":  {PriceUSD: dec("0.92"), PublishTime: now},
	}
}

func examplePosition() Position {
	return Position{
		ID:       "0xpos",
		Wallet:   "0xwallet",
		Protocol: "alphalend",
		Collaterals: []CollateralLeg{
			{Symbol: "USDC", RawShares: dec("3937740000"), Ratio: dec("1"), Decimals: 6},
			{Symbol: "XBTC", RawShares: dec("1600000"), Ratio: dec("1.0625"), Decimals: 8},
		},
		Debts: []DebtLeg{
			{Symbol: "SUI", RawAmount: dec("2601000000000"), Decimals: 9},
		},
	}
}

func TestEvaluateExamplePosition(t *testing.T) {
	now := time.Now()
	snap, err := Evaluate(examplePosition(), freshPrices(now), dec("85"), 5*time.Minute, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	if !snap.TotalCollateralUSD.Equal(dec("5046.29844")) {
		t.Fatalf("total collateral = %s", snap.TotalCollateralUSD)
	}
	if !snap.TotalDebtUSD.Equal(dec("2392.92")) {
		t.Fatalf("total debt = %s", snap.TotalDebtUSD)
	}
	if got := snap.FormatLTV(); got != "47.42%" {
		t.Fatalf("ltv = %s", got)
	}
	if got := snap.FormatHealthFactor(); got != "1.7925" {
		t.Fatalf("health factor = %s", got)
	}
	if !snap.IsHealthy || snap.IsLiquidatable {
		t.Fatalf("position should be healthy: %+v", snap)
	}
}

func TestEvaluateTotalsMatchComponents(t *testing.T) {
	now := time.Now()
	p := examplePosition()
	// A second deposit of the same asset must aggregate, not overwrite.
	p.Collaterals = append(p.Collaterals, CollateralLeg{
		Symbol: "USDC", RawShares: dec("1000000"), Ratio: dec("1.5"), Decimals: 6,
	})

	snap, err := Evaluate(p, freshPrices(now), dec("85"), 0, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}

	var collateralSum decimal.Decimal
	for _, v := range snap.PerCollateralUSD {
		collateralSum = collateralSum.Add(v)
	}
	if !collateralSum.Equal(snap.TotalCollateralUSD) {
		t.Fatalf("collateral components %s != total %s", collateralSum, snap.TotalCollateralUSD)
	}

	var debtSum decimal.Decimal
	for _, v := range snap.PerDebtUSD {
		debtSum = debtSum.Add(v)
	}
	if !debtSum.Equal(snap.TotalDebtUSD) {
		t.Fatalf("debt components %s != total %s", debtSum, snap.TotalDebtUSD)
	}

	if !snap.PerCollateralUSD["USDC"].Equal(dec("3939.24")) {
		t.Fatalf("aggregated USDC leg = %s", snap.PerCollateralUSD["USDC"])
	}
}

func TestEvaluateDebtWithoutCollateral(t *testing.T) {
	now := time.Now()
	p := Position{
		ID:    "0xpos",
		Debts: []DebtLeg{{Symbol: "SUI", RawAmount: dec("100000000000"), Decimals: 9}},
	}

	snap, err := Evaluate(p, freshPrices(now), dec("85"), 0, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !snap.LTVUnbounded {
		t.Fatal("ltv must be unbounded with zero collateral and live debt")
	}
	if !snap.IsLiquidatable || snap.IsHealthy {
		t.Fatalf("unbacked debt must be liquidatable: %+v", snap)
	}
	if got := snap.FormatLTV(); got != "N/A" {
		t.Fatalf("unbounded ltv renders as %s", got)
	}
}

func TestEvaluateEmptyPosition(t *testing.T) {
	now := time.Now()
	snap, err := Evaluate(Position{ID: "0xpos"}, oracle.PriceTable{}, dec("85"), 0, now)
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !snap.LTVPercent.IsZero() || snap.LTVUnbounded {
		t.Fatalf("empty position ltv = %s (unbounded=%v)", snap.LTVPercent, snap.LTVUnbounded)
	}
	if !snap.HealthFactorUnbounded {
		t.Fatal("no debt means the health factor is unbounded")
	}
	if !snap.IsHealthy {
		t.Fatal("empty position is healthy")
	}
	if got := snap.FormatHealthFactor(); got != "N/A" {
		t.Fatalf("unbounded health factor renders as %s", got)
	}
}

func TestEvaluateStalePrice(t *testing.T) {
	now := time.Now()
	prices := freshPrices(now)
	prices["SUI"] = oracle.PricePoint{PriceUSD: dec("0.92"), PublishTime: now.Add(-10 * time.Minute)}

	_, err := Evaluate(examplePosition(), prices, dec("85"), 5*time.Minute, now)
	if !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}
}

func TestEvaluateMissingPrice(t *testing.T) {
	now := time.Now()
	prices := freshPrices(now)
	delete(prices, "XBTC")

	_, err := Evaluate(examplePosition(), prices, dec("85"), 0, now)
	if !errors.Is(err, oracle.ErrPriceUnavailable) {
		t.Fatalf("missing price must be a hard error, got %v", err)
	}
}

func TestCollateralQuantityMonotonic(t *testing.T) {
	base := CollateralLeg{Symbol: "USDC", RawShares: dec("1000000"), Ratio: dec("1"), Decimals: 6}

	moreShares := base
	moreShares.RawShares = dec("2000000")
	if !base.Quantity().LessThan(moreShares.Quantity()) {
		t.Fatal("quantity must grow with the share count")
	}

	higherRatio := base
	higherRatio.Ratio = dec("1.2")
	if !base.Quantity().LessThan(higherRatio.Quantity()) {
		t.Fatal("quantity must grow with the exchange ratio")
	}
}
