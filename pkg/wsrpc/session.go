package wsrpc

import (
	"context"
	"sync/atomic"

	"github.com/coder/websocket"
	"github.com/rs/zerolog"
)

// Session owns one WebSocket connection carrying whole text frames in
// order. It has no protocol knowledge; Client layers JSON-RPC on top.
type Session struct {
	conn   *websocket.Conn
	url    string
	log    zerolog.Logger
	closed atomic.Bool
}

// DialSession opens a WebSocket connection to url. The returned
// session is Open; there is no reconnect, a closed session is done.
func DialSession(ctx context.Context, url string, log zerolog.Logger) (*Session, error) {
	conn, resp, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		return nil, &TransportError{Op: "dial", Err: err}
	}
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	// Default read limit is 32 KiB; echo payloads can be bigger.
	conn.SetReadLimit(1 << 22)
	log.Debug().Str("url", url).Msg("WebSocket connected")
	return &Session{
		conn: conn,
		url:  url,
		log:  log,
	}, nil
}

func (s *Session) URL() string {
	return s.url
}

// Send transmits one text frame. Frames are delivered to the peer in
// send order.
func (s *Session) Send(ctx context.Context, data []byte) error {
	if s.closed.Load() {
		return &TransportError{Op: "send", Err: ErrSessionClosed}
	}
	if err := s.conn.Write(ctx, websocket.MessageText, data); err != nil {
		return &TransportError{Op: "send", Err: err}
	}
	return nil
}

// Receive blocks until the next text frame arrives. It fails with a
// TransportError when the connection closes during the wait.
func (s *Session) Receive(ctx context.Context) ([]byte, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		return nil, &TransportError{Op: "receive", Err: err}
	}
	if typ != websocket.MessageText {
		return nil, &TransportError{Op: "receive", Err: ErrBinaryFrame}
	}
	return data, nil
}

// Close releases the connection. Safe to call more than once; only the
// first call does anything.
func (s *Session) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	err := s.conn.Close(websocket.StatusNormalClosure, "")
	if err != nil {
		// The peer may have closed first; the socket is released
		// either way.
		s.log.Debug().Err(err).Msg("WebSocket close handshake failed")
	}
	return nil
}
