package position

import (
	"github.com/shopspring/decimal"
)

// CollateralLeg is one deposit recorded as interest-bearing shares. The raw
// share count and its scale come straight off the chain object; Ratio is the
// share-to-asset exchange ratio resolved from the market record, starting at
// 1 and accruing over time.
type CollateralLeg struct {
	Symbol    string
	CoinType  string
	RawShares decimal.Decimal
	Ratio     decimal.Decimal
	Decimals  int32
}

// Quantity converts the raw share count into the underlying token amount.
func (l CollateralLeg) Quantity() decimal.Decimal {
	return l.RawShares.Mul(l.Ratio).Shift(-l.Decimals)
}

// DebtLeg is one borrowed amount. No share conversion applies.
type DebtLeg struct {
	Symbol    string
	CoinType  string
	RawAmount decimal.Decimal
	Decimals  int32
}

// Quantity converts the raw owed amount into the token amount.
func (l DebtLeg) Quantity() decimal.Decimal {
	return l.RawAmount.Shift(-l.Decimals)
}

// Position is the protocol-agnostic view of one lending position, produced
// fresh each cycle by a protocol adapter. It carries no state across cycles.
type Position struct {
	ID          string
	Wallet      string
	Protocol    string
	Collaterals []CollateralLeg
	Debts       []DebtLeg
}

// Empty reports whether the position has no collateral and no debt. A freshly
// opened position parses to an empty Position, not an error.
func (p Position) Empty() bool {
	return len(p.Collaterals) == 0 && len(p.Debts) == 0
}

// Symbols returns the distinct token symbols across all legs, in first-seen
// order. This is the batch handed to the price oracle.
func (p Position) Symbols() []string {
	seen := make(map[string]struct{}, len(p.Collaterals)+len(p.Debts))
	var out []string
	add := func(sym string) {
		if _, ok := seen[sym]; ok {
			return
		}
		seen[sym] = struct{}{}
		out = append(out, sym)
	}
	for _, l := range p.Collaterals {
		add(l.Symbol)
	}
	for _, l := range p.Debts {
		add(l.Symbol)
	}
	return out
}
