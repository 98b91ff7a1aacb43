package oracle

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// ErrPriceUnavailable is returned when the oracle cannot produce a price for
// every requested symbol. Callers must treat the whole batch as failed.
var ErrPriceUnavailable = errors.New("oracle: price unavailable")

// PricePoint is one symbol's price as published by the oracle network.
type PricePoint struct {
	PriceUSD    decimal.Decimal
	Confidence  decimal.Decimal
	PublishTime time.Time
}

// PriceTable maps token symbols to their latest price points. A table is
// complete: it contains every symbol that was requested, or it does not exist.
type PriceTable map[string]PricePoint

// Lookup returns the price point for symbol and whether it is present.
func (t PriceTable) Lookup(symbol string) (PricePoint, bool) {
	p, ok := t[symbol]
	return p, ok
}

// Symbols returns the symbols covered by the table.
func (t PriceTable) Symbols() []string {
	out := make([]string, 0, len(t))
	for s := range t {
		out = append(out, s)
	}
	return out
}

// Oracle fetches prices for a batch of token symbols.
type Oracle interface {
	Prices(ctx context.Context, symbols []string) (PriceTable, error)
}
