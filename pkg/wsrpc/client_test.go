package wsrpc_test

import (
	"context"
	"encoding/json"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/webboard/wsprobe/pkg/wsrpc"
	"github.com/webboard/wsprobe/pkg/wsrpc/wsrpctest"
)

func startClient(t *testing.T) (*wsrpc.Client, *wsrpctest.Server) {
	t.Helper()
	srv := wsrpctest.NewServer()
	t.Cleanup(srv.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	t.Cleanup(cancel)

	log := zerolog.New(zerolog.NewTestWriter(t))
	session, err := wsrpc.DialSession(ctx, srv.URL(), log)
	if err != nil {
		t.Fatalf("DialSession: %v", err)
	}
	client := wsrpc.NewClient(session, log)
	t.Cleanup(func() { _ = client.Close() })
	return client, srv
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestClient_Ping(t *testing.T) {
	client, _ := startClient(t)

	var result struct {
		Pong      bool  `json:"pong"`
		Timestamp int64 `json:"timestamp"`
	}
	if err := client.Call(testContext(t), "ping", nil, &result); err != nil {
		t.Fatalf("Call(ping): %v", err)
	}
	if !result.Pong {
		t.Fatalf("expected pong=true, got %+v", result)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("expected empty pending table, got %d entries", got)
	}
}

func TestClient_EchoRoundTrip(t *testing.T) {
	client, _ := startClient(t)

	payload := map[string]any{
		"message": "Hello, WebSocket!",
		"number":  float64(42),
		"nested":  map[string]any{"list": []any{float64(1), "two", nil, true}},
		"null":    nil,
	}
	var got any
	if err := client.Call(testContext(t), "echo", payload, &got); err != nil {
		t.Fatalf("Call(echo): %v", err)
	}
	if !reflect.DeepEqual(got, map[string]any(payload)) {
		t.Fatalf("echo mismatch:\nsent: %#v\ngot:  %#v", payload, got)
	}
}

func TestClient_Add(t *testing.T) {
	client, _ := startClient(t)

	var sum float64
	if err := client.Call(testContext(t), "add", []float64{15, 27}, &sum); err != nil {
		t.Fatalf("Call(add): %v", err)
	}
	if sum != 42 {
		t.Fatalf("expected 42, got %v", sum)
	}
}

func TestClient_AddInvalidParams(t *testing.T) {
	client, _ := startClient(t)

	err := client.Call(testContext(t), "add", []float64{1}, nil)
	var remote *wsrpc.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != wsrpc.CodeInvalidParams {
		t.Fatalf("expected code %d, got %d", wsrpc.CodeInvalidParams, remote.Code)
	}
}

func TestClient_MethodNotFound(t *testing.T) {
	client, _ := startClient(t)

	err := client.Call(testContext(t), "nonexistent_method", nil, nil)
	var remote *wsrpc.RemoteError
	if !errors.As(err, &remote) {
		t.Fatalf("expected RemoteError, got %v", err)
	}
	if remote.Code != wsrpc.CodeMethodNotFound {
		t.Fatalf("expected code %d, got %d", wsrpc.CodeMethodNotFound, remote.Code)
	}
}

func TestClient_GetServerInfo(t *testing.T) {
	client, _ := startClient(t)

	var info struct {
		Name           string   `json:"name"`
		JSONRPCVersion string   `json:"jsonrpc_version"`
		Capabilities   []string `json:"capabilities"`
	}
	if err := client.Call(testContext(t), "getServerInfo", nil, &info); err != nil {
		t.Fatalf("Call(getServerInfo): %v", err)
	}
	if info.Name != "webboard" || info.JSONRPCVersion != "2.0" {
		t.Fatalf("unexpected server info: %+v", info)
	}
}

// Two concurrent calls whose responses arrive out of send order must
// each get their own result.
func TestClient_CallCorrelation(t *testing.T) {
	client, srv := startClient(t)

	srv.Register("slowecho", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		time.Sleep(80 * time.Millisecond)
		return params, nil
	})

	ctx := testContext(t)
	var gotSlow, gotFast struct {
		Name string `json:"name"`
	}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := client.Call(ctx, "slowecho", map[string]any{"name": "slow"}, &gotSlow); err != nil {
			t.Errorf("slowecho Call: %v", err)
		}
	}()
	go func() {
		defer wg.Done()
		if err := client.Call(ctx, "echo", map[string]any{"name": "fast"}, &gotFast); err != nil {
			t.Errorf("echo Call: %v", err)
		}
	}()
	wg.Wait()

	if gotSlow.Name != "slow" {
		t.Fatalf("slow call got %+v", gotSlow)
	}
	if gotFast.Name != "fast" {
		t.Fatalf("fast call got %+v", gotFast)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("expected empty pending table, got %d entries", got)
	}
}

func TestClient_ExplicitStringID(t *testing.T) {
	client, _ := startClient(t)

	var result struct {
		Pong bool `json:"pong"`
	}
	if err := client.CallWithID(testContext(t), "corr-abc123", "ping", nil, &result); err != nil {
		t.Fatalf("CallWithID: %v", err)
	}
	if !result.Pong {
		t.Fatalf("expected pong=true, got %+v", result)
	}
}

func TestClient_RejectsNonScalarID(t *testing.T) {
	client, _ := startClient(t)

	err := client.CallWithID(testContext(t), []int{1, 2}, "ping", nil, nil)
	var perr *wsrpc.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

// A second call reusing an outstanding explicit id must fail without
// disturbing the first call's pending entry.
func TestClient_DuplicateOutstandingID(t *testing.T) {
	client, srv := startClient(t)

	release := make(chan struct{})
	t.Cleanup(func() { close(release) })
	srv.Register("block", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		<-release
		return map[string]any{"ok": true}, nil
	})

	ctx := testContext(t)
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- client.CallWithID(ctx, 7, "block", nil, nil)
	}()
	waitFor(t, "first call to register", func() bool { return client.PendingCalls() == 1 })

	err := client.CallWithID(ctx, 7, "ping", nil, nil)
	var perr *wsrpc.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError for duplicate id, got %v", err)
	}
	if got := client.PendingCalls(); got != 1 {
		t.Fatalf("duplicate id disturbed the pending table: %d entries", got)
	}

	release <- struct{}{}
	if err := <-firstDone; err != nil {
		t.Fatalf("first call failed: %v", err)
	}
}

// 100 notifications must produce zero frames back; the one request
// after them gets exactly its own response.
func TestClient_NotificationsProduceNoResponse(t *testing.T) {
	client, _ := startClient(t)

	var orphans int
	var orphanMu sync.Mutex
	client.OnOrphan(func(resp wsrpc.Response) {
		orphanMu.Lock()
		orphans++
		orphanMu.Unlock()
	})

	ctx := testContext(t)
	for i := 0; i < 100; i++ {
		if err := client.Notify(ctx, "echo", map[string]any{"notify": i}); err != nil {
			t.Fatalf("Notify %d: %v", i, err)
		}
	}
	var result struct {
		Pong bool `json:"pong"`
	}
	if err := client.Call(ctx, "ping", nil, &result); err != nil {
		t.Fatalf("Call(ping): %v", err)
	}
	if !result.Pong {
		t.Fatalf("expected pong=true, got %+v", result)
	}

	orphanMu.Lock()
	defer orphanMu.Unlock()
	if orphans != 0 {
		t.Fatalf("notifications produced %d stray responses", orphans)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("expected empty pending table, got %d entries", got)
	}
}

func TestClient_OrphanedResponse(t *testing.T) {
	client, srv := startClient(t)

	orphanCh := make(chan wsrpc.Response, 1)
	client.OnOrphan(func(resp wsrpc.Response) { orphanCh <- resp })

	if err := srv.Push([]byte(`{"jsonrpc":"2.0","result":1,"id":999}`)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case resp := <-orphanCh:
		if string(resp.ID) != "999" {
			t.Fatalf("unexpected orphan id %s", resp.ID)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("orphan was never surfaced")
	}

	// The connection survives an orphan.
	if err := client.Call(testContext(t), "ping", nil, nil); err != nil {
		t.Fatalf("Call after orphan: %v", err)
	}
}

func TestClient_ServerPushedNotification(t *testing.T) {
	client, srv := startClient(t)

	notifCh := make(chan string, 1)
	client.OnNotification(func(method string, params json.RawMessage) {
		notifCh <- method
	})

	if err := srv.Push([]byte(`{"jsonrpc":"2.0","method":"board/update","params":{"seq":1}}`)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	select {
	case method := <-notifCh:
		if method != "board/update" {
			t.Fatalf("unexpected notification method %q", method)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("notification was never dispatched")
	}
}

// Garbage from the peer is a DecodeError: the call in flight fails
// with it instead of hanging.
func TestClient_DecodeErrorFailsPendingCall(t *testing.T) {
	client, srv := startClient(t)

	never := make(chan struct{})
	t.Cleanup(func() { close(never) })
	srv.Register("hang", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		<-never
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		done <- client.Call(testContext(t), "hang", nil, nil)
	}()
	waitFor(t, "call to register", func() bool { return client.PendingCalls() == 1 })

	if err := srv.Push([]byte("this is not json")); err != nil {
		t.Fatalf("Push: %v", err)
	}
	err := <-done
	var derr *wsrpc.DecodeError
	if !errors.As(err, &derr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("pending table not drained: %d entries", got)
	}
}

// A frame carrying both result and error is delivered to the matching
// waiter as a ProtocolError, not as a result.
func TestClient_ResponseWithResultAndError(t *testing.T) {
	client, srv := startClient(t)

	never := make(chan struct{})
	t.Cleanup(func() { close(never) })
	srv.Register("hang", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		<-never
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		done <- client.CallWithID(testContext(t), 55, "hang", nil, nil)
	}()
	waitFor(t, "call to register", func() bool { return client.PendingCalls() == 1 })

	frame := `{"jsonrpc":"2.0","id":55,"result":1,"error":{"code":-32603,"message":"both"}}`
	if err := srv.Push([]byte(frame)); err != nil {
		t.Fatalf("Push: %v", err)
	}
	err := <-done
	var perr *wsrpc.ProtocolError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProtocolError, got %v", err)
	}
}

func TestClient_CloseFailsPendingCalls(t *testing.T) {
	client, srv := startClient(t)

	never := make(chan struct{})
	t.Cleanup(func() { close(never) })
	srv.Register("hang", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		<-never
		return nil, nil
	})

	done := make(chan error, 1)
	go func() {
		done <- client.Call(testContext(t), "hang", nil, nil)
	}()
	waitFor(t, "call to register", func() bool { return client.PendingCalls() == 1 })

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := <-done
	var terr *wsrpc.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
	if got := client.PendingCalls(); got != 0 {
		t.Fatalf("pending table not drained: %d entries", got)
	}
}

func TestClient_CloseIdempotent(t *testing.T) {
	client, _ := startClient(t)

	if err := client.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := client.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}

func TestClient_SendAfterCloseFails(t *testing.T) {
	client, _ := startClient(t)

	if err := client.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	err := client.Notify(testContext(t), "echo", nil)
	var terr *wsrpc.TransportError
	if !errors.As(err, &terr) {
		t.Fatalf("expected TransportError, got %v", err)
	}
}

// Auto ids must be unique for the life of the session and usable for
// raw-result calls.
func TestClient_RawResult(t *testing.T) {
	client, _ := startClient(t)

	var raw json.RawMessage
	if err := client.Call(testContext(t), "echo", []any{1, "two"}, &raw); err != nil {
		t.Fatalf("Call(echo): %v", err)
	}
	if string(raw) != `[1,"two"]` {
		t.Fatalf("unexpected raw result %s", raw)
	}
}
