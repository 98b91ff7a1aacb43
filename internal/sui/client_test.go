package sui

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

func rpcHandler(t *testing.T, result any) http.HandlerFunc {
	t.Helper()
	return func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode rpc request: %v", err)
		}
		if req.JSONRPC != "2.0" {
			t.Fatalf("expected jsonrpc 2.0 envelope, got %q", req.JSONRPC)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": result})
	}
}

func TestCallFallbackOrdering(t *testing.T) {
	var firstHits, thirdHits atomic.Int32

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		firstHits.Add(1)
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	malformed := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("{not json"))
	}))
	defer malformed.Close()

	good := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		thirdHits.Add(1)
		rpcHandler(t, map[string]string{"value": "42"})(w, r)
	}))
	defer good.Close()

	c := NewClient(Options{
		Endpoints: []string{slow.URL, malformed.URL, good.URL},
		Timeout:   50 * time.Millisecond,
	}, noopLogger(), nil)

	result, err := c.Call(context.Background(), "sui_getObject", []any{"0x1"})
	if err != nil {
		t.Fatalf("expected third endpoint to serve the call: %v", err)
	}

	var decoded map[string]string
	if err := json.Unmarshal(result, &decoded); err != nil {
		t.Fatalf("decode result: %v", err)
	}
	if decoded["value"] != "42" {
		t.Fatalf("unexpected result: %#v", decoded)
	}

	// Order is fixed: the next call must start from the primary again.
	if _, err := c.Call(context.Background(), "sui_getObject", []any{"0x1"}); err != nil {
		t.Fatalf("second call failed: %v", err)
	}
	if firstHits.Load() != 2 {
		t.Fatalf("primary endpoint should be attempted on every call, hits=%d", firstHits.Load())
	}
	if thirdHits.Load() != 2 {
		t.Fatalf("fallback endpoint should have served both calls, hits=%d", thirdHits.Load())
	}
}

func TestCallAllEndpointsFail(t *testing.T) {
	badStatus := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer badStatus.Close()

	rpcErr := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32000, "message": "node down"},
		})
	}))
	defer rpcErr.Close()

	c := NewClient(Options{
		Endpoints: []string{badStatus.URL, rpcErr.URL, "http://127.0.0.1:1"},
		Timeout:   200 * time.Millisecond,
	}, noopLogger(), nil)

	_, err := c.Call(context.Background(), "sui_getObject", []any{"0x1"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable after exhausting endpoints, got %v", err)
	}
}

func TestCallErrorShapedBodyAdvances(t *testing.T) {
	erroring := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"error": map[string]any{"code": -32602, "message": "invalid params"},
		})
	}))
	defer erroring.Close()

	good := httptest.NewServer(rpcHandler(t, "ok"))
	defer good.Close()

	c := NewClient(Options{Endpoints: []string{erroring.URL, good.URL}, Timeout: time.Second}, noopLogger(), nil)

	result, err := c.Call(context.Background(), "suix_getDynamicFields", []any{"0x2", nil, nil})
	if err != nil {
		t.Fatalf("error-shaped body should advance to the fallback: %v", err)
	}
	var s string
	if err := json.Unmarshal(result, &s); err != nil || s != "ok" {
		t.Fatalf("unexpected result %s (err %v)", result, err)
	}
}

func TestGetOwnedObjectsPaginates(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)

		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Method != "suix_getOwnedObjects" {
			t.Fatalf("unexpected method %s", req.Method)
		}

		page := map[string]any{
			"data": []map[string]any{
				{"data": map[string]any{"objectId": "0xaaa", "type": "0xpkg::position::PositionCap"}},
			},
			"nextCursor":  "cursor-1",
			"hasNextPage": true,
		}
		if n > 1 {
			if req.Params[2] != "cursor-1" {
				t.Fatalf("second page should carry the cursor, got %v", req.Params[2])
			}
			page = map[string]any{
				"data": []map[string]any{
					{"data": map[string]any{"objectId": "0xbbb", "type": "0x2::coin::Coin"}},
				},
				"hasNextPage": false,
			}
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": 1, "result": page})
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoints: []string{srv.URL}, Timeout: time.Second}, noopLogger(), nil)

	objects, err := c.GetOwnedObjects(context.Background(), "0xwallet")
	if err != nil {
		t.Fatalf("GetOwnedObjects: %v", err)
	}
	if len(objects) != 2 {
		t.Fatalf("expected both pages collected, got %d objects", len(objects))
	}
	if objects[0].ObjectID != "0xaaa" || objects[1].ObjectID != "0xbbb" {
		t.Fatalf("unexpected objects: %#v", objects)
	}
}

func TestGetDynamicFieldObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req rpcRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		key, ok := req.Params[1].(map[string]any)
		if !ok || key["type"] != "u64" || key["value"] != "3" {
			t.Fatalf("unexpected key param: %#v", req.Params[1])
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"jsonrpc": "2.0", "id": 1,
			"result": map[string]any{
				"data": map[string]any{
					"objectId": "0xmarket3",
					"type":     "0xpkg::market::Market",
					"content":  map[string]any{"dataType": "moveObject", "fields": map[string]any{"k": "v"}},
				},
			},
		})
	}))
	defer srv.Close()

	c := NewClient(Options{Endpoints: []string{srv.URL}, Timeout: time.Second}, noopLogger(), nil)

	obj, err := c.GetDynamicFieldObject(context.Background(), "0xtable", "u64", "3")
	if err != nil {
		t.Fatalf("GetDynamicFieldObject: %v", err)
	}
	if obj.ObjectID != "0xmarket3" {
		t.Fatalf("unexpected object: %#v", obj)
	}
	if len(obj.Content) == 0 {
		t.Fatal("content should be preserved for the adapter")
	}
}
