package alphalend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/rs/zerolog"

	"lendwatch/internal/sui"
)

type stubChain struct {
	owned    []sui.ObjectRef
	ownedErr error
	objects  map[string]sui.ObjectRef
	// dynamic fields keyed by "<parent>/<keyValue>"
	fields      map[string]sui.ObjectRef
	marketCalls map[string]int
}

func (s *stubChain) GetOwnedObjects(ctx context.Context, owner string) ([]sui.ObjectRef, error) {
	return s.owned, s.ownedErr
}

func (s *stubChain) GetObject(ctx context.Context, objectID string) (sui.ObjectRef, error) {
	obj, ok := s.objects[objectID]
	if !ok {
		return sui.ObjectRef{}, fmt.Errorf("object %s not found", objectID)
	}
	return obj, nil
}

func (s *stubChain) GetDynamicFieldObject(ctx context.Context, parentID, keyType, keyValue string) (sui.ObjectRef, error) {
	if keyType == marketKeyType {
		if s.marketCalls == nil {
			s.marketCalls = make(map[string]int)
		}
		s.marketCalls[keyValue]++
	}
	return s.fields[parentID+"/"+keyValue], nil
}

func wrapDynamicField(objectID, inner string) sui.ObjectRef {
	content := fmt.Sprintf(`{"dataType":"moveObject","fields":{"name":{},"value":{"type":"t","fields":%s}}}`, inner)
	return sui.ObjectRef{ObjectID: objectID, Type: "0x2::dynamic_field::Field", Content: json.RawMessage(content)}
}

func testAdapter(chain ChainClient) *Adapter {
	return New(chain, Options{
		PackageID:        "0xa1fa",
		PositionsTableID: "0xpositions",
		MarketsTableID:   "0xmarkets",
		TokenDecimals:    map[string]int32{"USDC": 6},
	}, zerolog.Nop())
}

func TestFetchPositions(t *testing.T) {
	chain := &stubChain{
		owned: []sui.ObjectRef{
			{ObjectID: "0xcoin", Type: "0x2::coin::Coin<0x2::sui::SUI>"},
			{ObjectID: "0xcap", Type: "0xa1fa::position::PositionCap"},
		},
		objects: map[string]sui.ObjectRef{
			"0xcap": {
				ObjectID: "0xcap",
				Content:  json.RawMessage(`{"dataType":"moveObject","fields":{"position_id":"0xpos"}}`),
			},
		},
		fields: map[string]sui.ObjectRef{
			"0xpositions/0xpos": wrapDynamicField("0xentry", `{
				"collaterals": {"fields": {"contents": [
					{"fields": {"key": "7", "value": "1000000"}},
					{"fields": {"key": "7", "value": "2000000"}}
				]}},
				"loans": [{"fields": {"amount": "500000000", "coin_type": {"fields": {"name": "0x2::sui::SUI"}}}}]
			}`),
			"0xmarkets/7": wrapDynamicField("0xmarket7", `{
				"coin_type": {"fields": {"name": "0xabc::coin::USDC"}},
				"xtoken_ratio": "1000000000000000000"
			}`),
		},
	}

	a := testAdapter(chain)

	positions, err := a.FetchPositions(context.Background(), "0xwallet")
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("expected one position, got %d", len(positions))
	}

	pos := positions[0]
	if pos.ID != "0xpos" || pos.Wallet != "0xwallet" || pos.Protocol != "alphalend" {
		t.Fatalf("position identity = %+v", pos)
	}
	if len(pos.Collaterals) != 2 || len(pos.Debts) != 1 {
		t.Fatalf("leg counts = %d/%d", len(pos.Collaterals), len(pos.Debts))
	}
	if pos.Collaterals[0].Symbol != "USDC" || pos.Collaterals[0].Decimals != 6 {
		t.Fatalf("collateral leg = %+v", pos.Collaterals[0])
	}

	if chain.marketCalls["7"] != 1 {
		t.Fatalf("shared market must be fetched once, got %d calls", chain.marketCalls["7"])
	}

	// A second pass hits the market cache.
	if _, err := a.FetchPositions(context.Background(), "0xwallet"); err != nil {
		t.Fatalf("second FetchPositions: %v", err)
	}
	if chain.marketCalls["7"] != 1 {
		t.Fatalf("market cache missed, %d calls", chain.marketCalls["7"])
	}
}

func TestFetchPositionsSkipsNonCaps(t *testing.T) {
	chain := &stubChain{
		owned: []sui.ObjectRef{
			// Matches the package filter but is not a cap.
			{ObjectID: "0xbadge", Type: "0xa1fa::rewards::Badge"},
		},
		objects: map[string]sui.ObjectRef{
			"0xbadge": {
				ObjectID: "0xbadge",
				Content:  json.RawMessage(`{"dataType":"moveObject","fields":{"points":"12"}}`),
			},
		},
	}

	positions, err := testAdapter(chain).FetchPositions(context.Background(), "0xwallet")
	if err != nil {
		t.Fatalf("FetchPositions: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("non-cap object must be skipped, got %+v", positions)
	}
}

func TestFetchPositionsMissingTableEntry(t *testing.T) {
	chain := &stubChain{
		owned: []sui.ObjectRef{{ObjectID: "0xcap", Type: "0xa1fa::position::PositionCap"}},
		objects: map[string]sui.ObjectRef{
			"0xcap": {
				ObjectID: "0xcap",
				Content:  json.RawMessage(`{"dataType":"moveObject","fields":{"position_id":"0xgone"}}`),
			},
		},
		fields: map[string]sui.ObjectRef{},
	}

	positions, err := testAdapter(chain).FetchPositions(context.Background(), "0xwallet")
	if err != nil {
		t.Fatalf("a vanished table entry should not abort the fetch: %v", err)
	}
	if len(positions) != 0 {
		t.Fatalf("expected no positions, got %+v", positions)
	}
}

func TestFetchPositionsPropagatesClientErrors(t *testing.T) {
	wantErr := errors.New("rpc down")
	chain := &stubChain{ownedErr: wantErr}

	_, err := testAdapter(chain).FetchPositions(context.Background(), "0xwallet")
	if !errors.Is(err, wantErr) {
		t.Fatalf("client errors must propagate, got %v", err)
	}
}

func TestFetchPositionsMalformedPosition(t *testing.T) {
	chain := &stubChain{
		owned: []sui.ObjectRef{{ObjectID: "0xcap", Type: "0xa1fa::position::PositionCap"}},
		objects: map[string]sui.ObjectRef{
			"0xcap": {
				ObjectID: "0xcap",
				Content:  json.RawMessage(`{"dataType":"moveObject","fields":{"position_id":"0xpos"}}`),
			},
		},
		fields: map[string]sui.ObjectRef{
			"0xpositions/0xpos": wrapDynamicField("0xentry", `{
				"collaterals": {"fields": {"contents": [{"fields": {"key": "oops", "value": "1"}}]}},
				"loans": []
			}`),
		},
	}

	_, err := testAdapter(chain).FetchPositions(context.Background(), "0xwallet")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("schema mismatch must surface as ErrParse, got %v", err)
	}
}
