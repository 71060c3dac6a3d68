package wsrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// Client speaks JSON-RPC 2.0 over a Session. One goroutine reads
// frames off the transport and wakes the caller whose id matches;
// concurrent outstanding calls are safe because matching is by id,
// never by send order.
type Client struct {
	session *Session
	log     zerolog.Logger

	writeMu sync.Mutex

	nextID atomic.Int64

	// pending is the sole shared table between callers and the read
	// loop. Every id in it was generated (or registered) by this
	// client and not yet matched; entries are removed exactly once.
	pendingMu sync.Mutex
	pending   map[string]*pendingCall

	notifMu   sync.RWMutex
	notifSubs []func(method string, params json.RawMessage)

	orphanMu   sync.RWMutex
	orphanSubs []func(resp Response)

	closed   atomic.Bool
	readDone chan struct{}
}

type pendingCall struct {
	ch chan callOutcome
}

type callOutcome struct {
	resp Response
	err  error
}

// NewClient wraps an open session and starts the receive loop. The
// client owns the session from here on; Close tears both down.
func NewClient(session *Session, log zerolog.Logger) *Client {
	c := &Client{
		session:  session,
		log:      log,
		pending:  make(map[string]*pendingCall),
		readDone: make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// Close tears down the session. Every outstanding call fails with a
// TransportError; nothing is left suspended. Safe to call twice.
func (c *Client) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	err := c.session.Close()
	<-c.readDone
	return err
}

// OnNotification subscribes to server-pushed frames carrying a method
// member. The reference server never pushes, but the wire format
// allows it.
func (c *Client) OnNotification(fn func(method string, params json.RawMessage)) {
	if fn == nil {
		return
	}
	c.notifMu.Lock()
	c.notifSubs = append(c.notifSubs, fn)
	c.notifMu.Unlock()
}

// OnOrphan subscribes to responses whose id matched no outstanding
// call. Orphans are always logged as anomalies; they are never handed
// to a different waiter.
func (c *Client) OnOrphan(fn func(resp Response)) {
	if fn == nil {
		return
	}
	c.orphanMu.Lock()
	c.orphanSubs = append(c.orphanSubs, fn)
	c.orphanMu.Unlock()
}

// PendingCalls reports the number of outstanding requests. Zero after
// a clean disconnect; anything else means responses were lost.
func (c *Client) PendingCalls() int {
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	return len(c.pending)
}

// Call sends a request with an auto-assigned id and blocks until the
// matching response arrives. A response carrying an error object comes
// back as *RemoteError; out, when non-nil, receives the decoded
// result (pass *json.RawMessage to keep it raw).
func (c *Client) Call(ctx context.Context, method string, params, out any) error {
	id := c.nextID.Add(1)
	rawID, _ := json.Marshal(id)
	return c.call(ctx, rawID, method, params, out)
}

// CallWithID sends a request with a caller-chosen id (number or
// string). Keeping explicit ids unique among outstanding calls is the
// caller's job; a duplicate fails immediately without touching the
// existing entry.
func (c *Client) CallWithID(ctx context.Context, id any, method string, params, out any) error {
	rawID, err := json.Marshal(id)
	if err != nil {
		return fmt.Errorf("marshal id: %w", err)
	}
	if len(rawID) == 0 || !(rawID[0] == '"' || rawID[0] == '-' || (rawID[0] >= '0' && rawID[0] <= '9')) {
		return &ProtocolError{Reason: fmt.Sprintf("request id must be a number or string, got %s", rawID)}
	}
	return c.call(ctx, rawID, method, params, out)
}

// Notify sends a request with no id. The peer must not reply; Notify
// returns as soon as the frame is on the wire.
func (c *Client) Notify(ctx context.Context, method string, params any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Request{
		JSONRPC: Version,
		Method:  method,
		Params:  rawParams,
	})
	if err != nil {
		return fmt.Errorf("marshal notification: %w", err)
	}
	c.log.Debug().Str("method", method).RawJSON("frame", frame).Msg("Sending notification")
	return c.send(ctx, frame)
}

func (c *Client) call(ctx context.Context, rawID json.RawMessage, method string, params, out any) error {
	rawParams, err := marshalParams(params)
	if err != nil {
		return err
	}
	frame, err := json.Marshal(Request{
		JSONRPC: Version,
		Method:  method,
		Params:  rawParams,
		ID:      rawID,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	key := idKey(rawID)
	pc := &pendingCall{ch: make(chan callOutcome, 1)}
	c.pendingMu.Lock()
	if _, exists := c.pending[key]; exists {
		c.pendingMu.Unlock()
		return &ProtocolError{Reason: fmt.Sprintf("id %s already has an outstanding call", rawID)}
	}
	c.pending[key] = pc
	c.pendingMu.Unlock()

	c.log.Debug().Str("method", method).RawJSON("frame", frame).Msg("Sending request")
	if err := c.send(ctx, frame); err != nil {
		c.unregister(key)
		return err
	}

	var outcome callOutcome
	select {
	case outcome = <-pc.ch:
	case <-ctx.Done():
		c.unregister(key)
		return ctx.Err()
	}
	if outcome.err != nil {
		return outcome.err
	}
	if outcome.resp.Error != nil {
		return &RemoteError{
			Code:    outcome.resp.Error.Code,
			Message: outcome.resp.Error.Message,
			Data:    outcome.resp.Error.Data,
		}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(outcome.resp.Result, out); err != nil {
		return fmt.Errorf("unmarshal result: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, frame []byte) error {
	if c.closed.Load() {
		return &TransportError{Op: "send", Err: ErrSessionClosed}
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.session.Send(ctx, frame)
}

func (c *Client) unregister(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// readLoop is the only reader of the session. It runs until the
// transport fails or the client closes, then fails every pending call
// so no caller hangs.
func (c *Client) readLoop() {
	defer close(c.readDone)
	for {
		data, err := c.session.Receive(context.Background())
		if err != nil {
			if c.closed.Load() {
				err = &TransportError{Op: "receive", Err: ErrSessionClosed}
			}
			c.teardown(err)
			return
		}
		if fatal := c.handleFrame(data); fatal != nil {
			c.closed.Store(true)
			_ = c.session.Close()
			c.teardown(fatal)
			return
		}
	}
}

// handleFrame routes one incoming frame. A non-nil return is a
// connection-fatal defect (the peer is not speaking JSON).
func (c *Client) handleFrame(data []byte) error {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(data, &probe); err != nil {
		derr := &DecodeError{Raw: data, Err: err}
		c.log.Error().Err(derr).Msg("Peer sent an unparseable frame")
		return derr
	}

	if _, hasMethod := probe["method"]; hasMethod {
		var req Request
		if err := json.Unmarshal(data, &req); err != nil {
			c.log.Warn().RawJSON("frame", data).Msg("Malformed server-pushed frame")
			return nil
		}
		if len(req.ID) > 0 {
			// Server-initiated requests are outside the probe's
			// protocol; surfaced for diagnosis, never answered.
			c.log.Warn().Str("method", req.Method).RawJSON("id", req.ID).
				Msg("Ignoring server-initiated request")
		}
		c.dispatchNotification(req.Method, req.Params)
		return nil
	}

	var resp Response
	if err := json.Unmarshal(data, &resp); err != nil {
		c.deliverAnomaly(probe["id"], &ProtocolError{Reason: "malformed response envelope", Raw: data})
		return nil
	}
	_, hasResult := probe["result"]
	_, hasError := probe["error"]
	switch {
	case hasResult == hasError:
		c.deliverAnomaly(resp.ID, &ProtocolError{
			Reason: "response must carry exactly one of result and error",
			Raw:    data,
		})
	case resp.JSONRPC != Version:
		c.deliverAnomaly(resp.ID, &ProtocolError{
			Reason: fmt.Sprintf("missing or unsupported jsonrpc version tag %q", resp.JSONRPC),
			Raw:    data,
		})
	default:
		c.deliver(resp, data)
	}
	return nil
}

// deliver hands a well-formed response to exactly the caller whose id
// matches, removing the pending entry. An id with no waiter is an
// orphan: logged and observable, never matched to someone else.
func (c *Client) deliver(resp Response, raw []byte) {
	pc := c.resolve(resp.ID)
	if pc == nil {
		c.log.Warn().RawJSON("frame", raw).Msg("Orphaned response, no matching request")
		c.dispatchOrphan(resp)
		return
	}
	c.log.Debug().RawJSON("frame", raw).Msg("Received response")
	pc.ch <- callOutcome{resp: resp}
}

// deliverAnomaly surfaces an envelope violation to the matching waiter
// when there is one, otherwise records it as an anomaly.
func (c *Client) deliverAnomaly(id json.RawMessage, perr *ProtocolError) {
	if pc := c.resolve(id); pc != nil {
		pc.ch <- callOutcome{err: perr}
		return
	}
	c.log.Warn().Err(perr).Msg("Protocol violation in unmatched frame")
}

func (c *Client) resolve(id json.RawMessage) *pendingCall {
	if len(id) == 0 {
		return nil
	}
	key := idKey(id)
	c.pendingMu.Lock()
	defer c.pendingMu.Unlock()
	pc, ok := c.pending[key]
	if !ok {
		return nil
	}
	delete(c.pending, key)
	return pc
}

// teardown fails every pending call with the given error and empties
// the table.
func (c *Client) teardown(err error) {
	c.pendingMu.Lock()
	stranded := c.pending
	c.pending = make(map[string]*pendingCall)
	c.pendingMu.Unlock()
	for key, pc := range stranded {
		c.log.Debug().Str("id", key).Err(err).Msg("Failing pending call on teardown")
		pc.ch <- callOutcome{err: err}
	}
}

func (c *Client) dispatchNotification(method string, params json.RawMessage) {
	c.notifMu.RLock()
	subs := append([]func(string, json.RawMessage){}, c.notifSubs...)
	c.notifMu.RUnlock()
	for _, fn := range subs {
		fn(method, params)
	}
}

func (c *Client) dispatchOrphan(resp Response) {
	c.orphanMu.RLock()
	subs := append([]func(Response){}, c.orphanSubs...)
	c.orphanMu.RUnlock()
	for _, fn := range subs {
		fn(resp)
	}
}

func marshalParams(params any) (json.RawMessage, error) {
	if params == nil {
		return nil, nil
	}
	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return raw, nil
}
