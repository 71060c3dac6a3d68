package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/google/uuid"
	"go.mau.fi/util/ptr"

	"github.com/webboard/wsprobe/pkg/wsrpc"
)

// Battery returns the fixed verification sequence run against a
// webboard endpoint.
func Battery() []Scenario {
	echoPayload := map[string]any{
		"message": "Hello, WebSocket!",
		"number":  42,
		"nested":  map[string]any{"list": []any{1, "two", nil, true}},
	}
	return []Scenario{
		{
			Name:   "ping returns pong",
			Method: "ping",
			Check: func(result json.RawMessage) error {
				var pong struct {
					Pong bool `json:"pong"`
				}
				if err := json.Unmarshal(result, &pong); err != nil {
					return fmt.Errorf("unmarshal ping result: %w", err)
				}
				if !pong.Pong {
					return fmt.Errorf("expected pong=true, got %s", result)
				}
				return nil
			},
		},
		{
			Name:   "echo round-trips a nested payload",
			Method: "echo",
			Params: echoPayload,
			Check:  deepEqualCheck(echoPayload),
		},
		{
			Name:   "add sums two numbers",
			Method: "add",
			Params: []float64{15, 27},
			Check: func(result json.RawMessage) error {
				var sum float64
				if err := json.Unmarshal(result, &sum); err != nil {
					return fmt.Errorf("unmarshal add result: %w", err)
				}
				if sum != 42 {
					return fmt.Errorf("expected 42, got %v", sum)
				}
				return nil
			},
		},
		{
			Name:   "getServerInfo identifies the server",
			Method: "getServerInfo",
			Check: func(result json.RawMessage) error {
				var info struct {
					Name           string `json:"name"`
					JSONRPCVersion string `json:"jsonrpc_version"`
				}
				if err := json.Unmarshal(result, &info); err != nil {
					return fmt.Errorf("unmarshal server info: %w", err)
				}
				if info.Name != "webboard" {
					return fmt.Errorf("expected name webboard, got %q", info.Name)
				}
				if info.JSONRPCVersion != "2.0" {
					return fmt.Errorf("expected jsonrpc_version 2.0, got %q", info.JSONRPCVersion)
				}
				return nil
			},
		},
		{
			Name:       "unknown method yields method-not-found",
			Method:     "nonexistent_method",
			ExpectCode: ptr.Ptr(wsrpc.CodeMethodNotFound),
		},
		{
			Name:       "add with one operand yields invalid-params",
			Method:     "add",
			Params:     []float64{1},
			ExpectCode: ptr.Ptr(wsrpc.CodeInvalidParams),
		},
		{
			Name: "notification burst produces no responses",
			Run:  notificationBurst,
		},
		{
			Name:   "explicit string id correlates",
			Method: "ping",
			ID:     uuid.NewString(),
			Check: func(result json.RawMessage) error {
				var pong struct {
					Pong bool `json:"pong"`
				}
				if err := json.Unmarshal(result, &pong); err != nil {
					return fmt.Errorf("unmarshal ping result: %w", err)
				}
				if !pong.Pong {
					return fmt.Errorf("expected pong=true, got %s", result)
				}
				return nil
			},
		},
	}
}

// notificationBurst sends 100 notifications and then one request; the
// only frame back must be that request's response, and the pending
// table must drain.
func notificationBurst(ctx context.Context, client *wsrpc.Client) error {
	for i := 0; i < 100; i++ {
		if err := client.Notify(ctx, "echo", map[string]any{"notify": i}); err != nil {
			return fmt.Errorf("notification %d: %w", i, err)
		}
	}
	var pong struct {
		Pong bool `json:"pong"`
	}
	if err := client.Call(ctx, "ping", nil, &pong); err != nil {
		return fmt.Errorf("trailing request: %w", err)
	}
	if !pong.Pong {
		return fmt.Errorf("trailing request got no pong")
	}
	if n := client.PendingCalls(); n != 0 {
		return fmt.Errorf("%d calls still pending after the burst", n)
	}
	return nil
}

// deepEqualCheck asserts the result is deep-equal to want after both
// sides pass through JSON (so number and map representations line up).
func deepEqualCheck(want any) func(json.RawMessage) error {
	return func(result json.RawMessage) error {
		normalized, err := json.Marshal(want)
		if err != nil {
			return fmt.Errorf("marshal expectation: %w", err)
		}
		var wantVal, gotVal any
		if err := json.Unmarshal(normalized, &wantVal); err != nil {
			return fmt.Errorf("normalize expectation: %w", err)
		}
		if err := json.Unmarshal(result, &gotVal); err != nil {
			return fmt.Errorf("unmarshal result: %w", err)
		}
		if !reflect.DeepEqual(gotVal, wantVal) {
			return fmt.Errorf("round-trip mismatch:\nsent: %s\ngot:  %s", normalized, result)
		}
		return nil
	}
}
