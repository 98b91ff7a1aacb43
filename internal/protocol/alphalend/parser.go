package alphalend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"lendwatch/internal/position"
)

// ErrParse is returned when a chain object does not match the expected
// AlphaLend schema.
var ErrParse = errors.New("alphalend: parse error")

const defaultDecimals = 9

// xtoken ratios are fixed-point with 18 fractional digits; the raw value
// 10^18 means a 1:1 share-to-asset ratio.
const ratioScale = -18

// TokenSymbol extracts the display symbol from a fully qualified coin type,
// e.g. "0x2::sui::SUI" yields "SUI". Types without a module path are
// uppercased as-is.
func TokenSymbol(coinType string) string {
	if i := strings.LastIndex(coinType, "::"); i >= 0 {
		return strings.ToUpper(coinType[i+2:])
	}
	return strings.ToUpper(coinType)
}

func decimalsFor(symbol string, overrides map[string]int32) int32 {
	if d, ok := overrides[symbol]; ok {
		return d
	}
	return defaultDecimals
}

// flexString decodes a JSON value that nodes encode either as a quoted
// string or a bare number.
type flexString string

func (f *flexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*f = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	*f = flexString(b)
	return nil
}

func (f flexString) decimal() (decimal.Decimal, error) {
	if f == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(f))
}

func (f flexString) uint64() (uint64, error) {
	if f == "" {
		return 0, nil
	}
	return strconv.ParseUint(string(f), 10, 64)
}

type coinType struct {
	Fields struct {
		Name string `json:"name"`
	} `json:"fields"`
}

type collateralEntry struct {
	Fields struct {
		Key   flexString `json:"key"`
		Value flexString `json:"value"`
	} `json:"fields"`
}

type loanEntry struct {
	Fields struct {
		Amount   flexString `json:"amount"`
		CoinType coinType   `json:"coin_type"`
	} `json:"fields"`
}

type positionFields struct {
	Collaterals struct {
		Fields struct {
			Contents []collateralEntry `json:"contents"`
		} `json:"fields"`
	} `json:"collaterals"`
	Loans []loanEntry `json:"loans"`
}

// UnwrapDynamicField peels the dynamic-field envelope off an object's
// content, returning the wrapped value's fields.
func UnwrapDynamicField(content json.RawMessage) (json.RawMessage, error) {
	var envelope struct {
		Fields struct {
			Value struct {
				Fields json.RawMessage `json:"fields"`
			} `json:"value"`
		} `json:"fields"`
	}
	if err := json.Unmarshal(content, &envelope); err != nil {
		return nil, fmt.Errorf("%w: dynamic field envelope: %v", ErrParse, err)
	}
	if len(envelope.Fields.Value.Fields) == 0 {
		return nil, fmt.Errorf("%w: dynamic field carries no value", ErrParse)
	}
	return envelope.Fields.Value.Fields, nil
}

// MarketInfo is the slice of an AlphaLend market record the parser needs:
// which coin the market holds and the current share exchange ratio.
type MarketInfo struct {
	CoinType string
	Ratio    decimal.Decimal
}

// ParseMarket decodes an unwrapped market record. The xtoken ratio appears
// either as a bare fixed-point integer or wrapped in a fields/value struct,
// depending on node version.
func ParseMarket(fields json.RawMessage) (MarketInfo, error) {
	var raw struct {
		CoinType    coinType        `json:"coin_type"`
		XTokenRatio json.RawMessage `json:"xtoken_ratio"`
	}
	if err := json.Unmarshal(fields, &raw); err != nil {
		return MarketInfo{}, fmt.Errorf("%w: market record: %v", ErrParse, err)
	}

	ratio, err := parseXTokenRatio(raw.XTokenRatio)
	if err != nil {
		return MarketInfo{}, err
	}

	return MarketInfo{CoinType: raw.CoinType.Fields.Name, Ratio: ratio}, nil
}

func parseXTokenRatio(raw json.RawMessage) (decimal.Decimal, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return decimal.NewFromInt(1), nil
	}

	var value flexString
	if raw[0] == '{' {
		var wrapped struct {
			Fields struct {
				Value flexString `json:"value"`
			} `json:"fields"`
		}
		if err := json.Unmarshal(raw, &wrapped); err != nil {
			return decimal.Decimal{}, fmt.Errorf("%w: xtoken_ratio: %v", ErrParse, err)
		}
		value = wrapped.Fields.Value
	} else if err := json.Unmarshal(raw, &value); err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: xtoken_ratio: %v", ErrParse, err)
	}

	if value == "" {
		return decimal.NewFromInt(1), nil
	}
	fixed, err := value.decimal()
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("%w: xtoken_ratio %q: %v", ErrParse, value, err)
	}
	return fixed.Shift(ratioScale), nil
}

// CollateralMarketIDs lists the distinct market IDs an unwrapped position
// references, in first-seen order. The adapter resolves these in one pass
// before parsing.
func CollateralMarketIDs(fields json.RawMessage) ([]uint64, error) {
	var raw positionFields
	if err := json.Unmarshal(fields, &raw); err != nil {
		return nil, fmt.Errorf("%w: position record: %v", ErrParse, err)
	}

	seen := make(map[uint64]struct{})
	var ids []uint64
	for _, entry := range raw.Collaterals.Fields.Contents {
		id, err := entry.Fields.Key.uint64()
		if err != nil {
			return nil, fmt.Errorf("%w: collateral market id %q: %v", ErrParse, entry.Fields.Key, err)
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids, nil
}

// ParsePosition decodes an unwrapped position record into the normalized
// model. markets must cover the IDs reported by CollateralMarketIDs; a
// missing market leaves the leg's asset unresolved rather than dropping it,
// so pricing fails loudly downstream. ParsePosition is pure and performs
// no I/O.
func ParsePosition(positionID string, fields json.RawMessage, markets map[uint64]MarketInfo, decimalOverrides map[string]int32) (position.Position, error) {
	var raw positionFields
	if err := json.Unmarshal(fields, &raw); err != nil {
		return position.Position{}, fmt.Errorf("%w: position record: %v", ErrParse, err)
	}

	pos := position.Position{ID: positionID}

	for _, entry := range raw.Collaterals.Fields.Contents {
		marketID, err := entry.Fields.Key.uint64()
		if err != nil {
			return position.Position{}, fmt.Errorf("%w: collateral market id %q: %v", ErrParse, entry.Fields.Key, err)
		}
		shares, err := entry.Fields.Value.decimal()
		if err != nil {
			return position.Position{}, fmt.Errorf("%w: collateral shares %q: %v", ErrParse, entry.Fields.Value, err)
		}

		market := markets[marketID]
		name := market.CoinType
		if name == "" {
			name = "Unknown"
		}
		ratio := market.Ratio
		if ratio.IsZero() {
			ratio = decimal.NewFromInt(1)
		}

		symbol := TokenSymbol(name)
		pos.Collaterals = append(pos.Collaterals, position.CollateralLeg{
			Symbol:    symbol,
			CoinType:  name,
			RawShares: shares,
			Ratio:     ratio,
			Decimals:  decimalsFor(symbol, decimalOverrides),
		})
	}

	for _, entry := range raw.Loans {
		amount, err := entry.Fields.Amount.decimal()
		if err != nil {
			return position.Position{}, fmt.Errorf("%w: loan amount %q: %v", ErrParse, entry.Fields.Amount, err)
		}

		name := entry.Fields.CoinType.Fields.Name
		if name == "" {
			name = "Unknown"
		}

		symbol := TokenSymbol(name)
		pos.Debts = append(pos.Debts, position.DebtLeg{
			Symbol:    symbol,
			CoinType:  name,
			RawAmount: amount,
			Decimals:  decimalsFor(symbol, decimalOverrides),
		})
	}

	return pos, nil
}
