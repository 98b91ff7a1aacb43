// Package alphalend integrates the AlphaLend lending protocol on Sui.
// Discovery and table lookups live in Adapter; decoding is pure and lives
// in the parser.
package alphalend

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"lendwatch/internal/position"
	"lendwatch/internal/protocol"
	"lendwatch/internal/sui"
)

const (
	positionKeyType = "0x2::object::ID"
	marketKeyType   = "u64"
)

// ChainClient is the slice of the chain RPC surface the adapter uses.
type ChainClient interface {
	GetOwnedObjects(ctx context.Context, owner string) ([]sui.ObjectRef, error)
	GetObject(ctx context.Context, objectID string) (sui.ObjectRef, error)
	GetDynamicFieldObject(ctx context.Context, parentID, keyType, keyValue string) (sui.ObjectRef, error)
}

// Options locate the AlphaLend deployment and carry per-token metadata.
type Options struct {
	PackageID        string
	PositionsTableID string
	MarketsTableID   string
	TokenDecimals    map[string]int32
}

// Adapter fetches AlphaLend positions for a wallet. Market records are
// cached for the adapter's lifetime; ratios drift slowly enough that a
// process restart refreshes them often enough.
type Adapter struct {
	opts   Options
	logger zerolog.Logger
	client ChainClient

	mu      sync.Mutex
	markets map[uint64]MarketInfo
}

// New constructs an AlphaLend adapter.
func New(client ChainClient, opts Options, logger zerolog.Logger) *Adapter {
	return &Adapter{
		opts:    opts,
		logger:  logger.With().Str("component", "alphalend").Logger(),
		client:  client,
		markets: make(map[uint64]MarketInfo),
	}
}

// Name implements protocol.Adapter.
func (a *Adapter) Name() string {
	return "alphalend"
}

// FetchPositions discovers the wallet's PositionCap objects and resolves
// each to a normalized position.
func (a *Adapter) FetchPositions(ctx context.Context, wallet string) ([]position.Position, error) {
	objects, err := a.client.GetOwnedObjects(ctx, wallet)
	if err != nil {
		return nil, err
	}

	var caps []string
	for _, obj := range objects {
		if a.isPositionCap(obj.Type) {
			caps = append(caps, obj.ObjectID)
		}
	}
	a.logger.Debug().Str("wallet", wallet).Int("caps", len(caps)).Msg("position capabilities discovered")

	var positions []position.Position
	for _, capID := range caps {
		pos, ok, err := a.fetchPosition(ctx, wallet, capID)
		if err != nil {
			return nil, err
		}
		if ok {
			positions = append(positions, pos)
		}
	}
	return positions, nil
}

// isPositionCap matches the PositionCap type name in either naming style,
// or any type from the configured package.
func (a *Adapter) isPositionCap(objType string) bool {
	lower := strings.ToLower(objType)
	if strings.Contains(lower, "positioncap") || strings.Contains(lower, "position_cap") {
		return true
	}
	return a.opts.PackageID != "" && strings.Contains(objType, a.opts.PackageID)
}

func (a *Adapter) fetchPosition(ctx context.Context, wallet, capID string) (position.Position, bool, error) {
	capObj, err := a.client.GetObject(ctx, capID)
	if err != nil {
		return position.Position{}, false, err
	}

	var capContent struct {
		Fields struct {
			PositionID string `json:"position_id"`
		} `json:"fields"`
	}
	if len(capObj.Content) > 0 {
		// The type filter is deliberately loose; objects without a
		// position_id are simply not caps.
		_ = json.Unmarshal(capObj.Content, &capContent)
	}
	positionID := capContent.Fields.PositionID
	if positionID == "" {
		a.logger.Debug().Str("object_id", capID).Msg("owned object carries no position id, skipping")
		return position.Position{}, false, nil
	}

	entry, err := a.client.GetDynamicFieldObject(ctx, a.opts.PositionsTableID, positionKeyType, positionID)
	if err != nil {
		return position.Position{}, false, err
	}
	if entry.ObjectID == "" || len(entry.Content) == 0 {
		a.logger.Warn().Str("position_id", positionID).Msg("position missing from positions table")
		return position.Position{}, false, nil
	}

	fields, err := UnwrapDynamicField(entry.Content)
	if err != nil {
		return position.Position{}, false, err
	}

	ids, err := CollateralMarketIDs(fields)
	if err != nil {
		return position.Position{}, false, err
	}
	markets, err := a.resolveMarkets(ctx, ids)
	if err != nil {
		return position.Position{}, false, err
	}

	pos, err := ParsePosition(positionID, fields, markets, a.opts.TokenDecimals)
	if err != nil {
		return position.Position{}, false, err
	}

	pos.Wallet = wallet
	pos.Protocol = a.Name()
	return pos, true, nil
}

// resolveMarkets returns market info for each id, fetching only the ones
// not already cached. One table lookup per distinct uncached market.
func (a *Adapter) resolveMarkets(ctx context.Context, ids []uint64) (map[uint64]MarketInfo, error) {
	out := make(map[uint64]MarketInfo, len(ids))
	var missing []uint64

	a.mu.Lock()
	for _, id := range ids {
		if m, ok := a.markets[id]; ok {
			out[id] = m
		} else {
			missing = append(missing, id)
		}
	}
	a.mu.Unlock()

	for _, id := range missing {
		obj, err := a.client.GetDynamicFieldObject(ctx, a.opts.MarketsTableID, marketKeyType, strconv.FormatUint(id, 10))
		if err != nil {
			return nil, err
		}
		if obj.ObjectID == "" || len(obj.Content) == 0 {
			a.logger.Warn().Uint64("market_id", id).Msg("market missing from markets table")
			continue
		}

		fields, err := UnwrapDynamicField(obj.Content)
		if err != nil {
			return nil, err
		}
		info, err := ParseMarket(fields)
		if err != nil {
			return nil, err
		}

		out[id] = info
		a.mu.Lock()
		a.markets[id] = info
		a.mu.Unlock()
	}
	return out, nil
}

var (
	_ protocol.Adapter = (*Adapter)(nil)
	_ ChainClient      = (*sui.Client)(nil)
)
