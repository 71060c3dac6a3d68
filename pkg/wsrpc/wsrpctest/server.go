// Package wsrpctest runs an in-process WebSocket JSON-RPC server with
// the webboard builtin methods, so client and harness tests exchange
// real frames instead of talking to mocks.
package wsrpctest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/webboard/wsprobe/pkg/wsrpc"
)

// Handler implements one method. Returning a non-nil error object
// produces an error response.
type Handler func(params json.RawMessage) (any, *wsrpc.ErrorObject)

type Server struct {
	httpSrv *httptest.Server

	methodsMu sync.RWMutex
	methods   map[string]Handler

	connMu sync.Mutex
	conn   *websocket.Conn
	wmu    *sync.Mutex
}

// NewServer starts a server with the webboard builtins registered.
// Callers own shutdown via Close (t.Cleanup is the usual home).
func NewServer() *Server {
	s := &Server{
		methods: make(map[string]Handler),
	}
	s.registerBuiltins()
	s.httpSrv = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// URL returns the ws:// endpoint.
func (s *Server) URL() string {
	return strings.Replace(s.httpSrv.URL, "http://", "ws://", 1) + "/live"
}

func (s *Server) Close() {
	s.httpSrv.Close()
}

// Register adds or replaces a method handler.
func (s *Server) Register(method string, fn Handler) {
	s.methodsMu.Lock()
	s.methods[method] = fn
	s.methodsMu.Unlock()
}

// Push writes a raw frame to the connected client, bypassing the
// request/response flow. Used to inject orphans and garbage.
func (s *Server) Push(frame []byte) error {
	s.connMu.Lock()
	conn, wmu := s.conn, s.wmu
	s.connMu.Unlock()
	if conn == nil {
		return fmt.Errorf("no client connected")
	}
	wmu.Lock()
	defer wmu.Unlock()
	return conn.Write(context.Background(), websocket.MessageText, frame)
}

// DropClient closes the connected client's socket from the server
// side, simulating the peer going away mid-session.
func (s *Server) DropClient() {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		_ = conn.Close(websocket.StatusGoingAway, "server shutdown")
	}
}

func (s *Server) registerBuiltins() {
	s.Register("ping", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		return map[string]any{"pong": true, "timestamp": time.Now().Unix()}, nil
	})
	s.Register("echo", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		if len(params) == 0 {
			return json.RawMessage("null"), nil
		}
		return params, nil
	})
	s.Register("add", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		var numbers []float64
		if err := json.Unmarshal(params, &numbers); err != nil {
			return nil, &wsrpc.ErrorObject{
				Code:    wsrpc.CodeInvalidParams,
				Message: "Parameters must be an array of numbers",
			}
		}
		if len(numbers) != 2 {
			return nil, &wsrpc.ErrorObject{
				Code:    wsrpc.CodeInvalidParams,
				Message: "Exactly two numbers required",
			}
		}
		return numbers[0] + numbers[1], nil
	})
	s.Register("getServerInfo", func(params json.RawMessage) (any, *wsrpc.ErrorObject) {
		return map[string]any{
			"name":            "webboard",
			"version":         "0.1.0",
			"jsonrpc_version": "2.0",
			"capabilities":    []string{"echo", "ping", "add", "getServerInfo"},
		}, nil
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.CloseNow()
	conn.SetReadLimit(1 << 22)

	wmu := &sync.Mutex{}
	s.connMu.Lock()
	s.conn, s.wmu = conn, wmu
	s.connMu.Unlock()

	ctx := r.Context()
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		if typ != websocket.MessageText {
			continue
		}
		// Handlers run per request so a slow method never blocks the
		// read loop; responses interleave out of send order.
		go s.handle(ctx, conn, wmu, data)
	}
}

func (s *Server) handle(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex, data []byte) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		s.reply(ctx, conn, wmu, wsrpc.Response{
			JSONRPC: wsrpc.Version,
			ID:      json.RawMessage("null"),
			Error:   &wsrpc.ErrorObject{Code: wsrpc.CodeParseError, Message: "Parse error"},
		})
		return
	}

	var req wsrpc.Request
	_ = json.Unmarshal(data, &req)
	id := req.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}

	if req.JSONRPC != wsrpc.Version || req.Method == "" || strings.HasPrefix(req.Method, "rpc.") {
		if len(req.ID) == 0 {
			return
		}
		s.reply(ctx, conn, wmu, wsrpc.Response{
			JSONRPC: wsrpc.Version,
			ID:      id,
			Error:   &wsrpc.ErrorObject{Code: wsrpc.CodeInvalidRequest, Message: "Invalid Request"},
		})
		return
	}

	s.methodsMu.RLock()
	handler := s.methods[req.Method]
	s.methodsMu.RUnlock()

	// Notification: run the handler if there is one, never reply.
	if len(req.ID) == 0 {
		if handler != nil {
			_, _ = handler(req.Params)
		}
		return
	}

	if handler == nil {
		s.reply(ctx, conn, wmu, wsrpc.Response{
			JSONRPC: wsrpc.Version,
			ID:      id,
			Error: &wsrpc.ErrorObject{
				Code:    wsrpc.CodeMethodNotFound,
				Message: fmt.Sprintf("Method '%s' not found", req.Method),
			},
		})
		return
	}

	result, errObj := handler(req.Params)
	if errObj != nil {
		s.reply(ctx, conn, wmu, wsrpc.Response{JSONRPC: wsrpc.Version, ID: id, Error: errObj})
		return
	}
	rawResult, err := json.Marshal(result)
	if err != nil {
		s.reply(ctx, conn, wmu, wsrpc.Response{
			JSONRPC: wsrpc.Version,
			ID:      id,
			Error:   &wsrpc.ErrorObject{Code: wsrpc.CodeInternalError, Message: "Internal error"},
		})
		return
	}
	s.reply(ctx, conn, wmu, wsrpc.Response{JSONRPC: wsrpc.Version, ID: id, Result: rawResult})
}

func (s *Server) reply(ctx context.Context, conn *websocket.Conn, wmu *sync.Mutex, resp wsrpc.Response) {
	frame, err := json.Marshal(resp)
	if err != nil {
		return
	}
	wmu.Lock()
	defer wmu.Unlock()
	_ = conn.Write(ctx, websocket.MessageText, frame)
}
