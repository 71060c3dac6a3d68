package wsrpc

import (
	"encoding/json"
	"errors"
	"fmt"
)

var (
	ErrSessionClosed = errors.New("session closed")
	ErrBinaryFrame   = errors.New("binary frame on a text protocol")
)

// The four failure kinds a caller can see. They are distinguished by
// type (errors.As), never by message text.

// TransportError covers connection-level failures: dial refused, the
// socket closing mid-flight, sending on a closed session.
type TransportError struct {
	Op  string // "dial", "send", "receive", "close"
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// DecodeError means the peer delivered a frame that is not JSON. It is
// a defect in the peer or transport, not a remote failure.
type DecodeError struct {
	Raw []byte
	Err error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode frame: %v (frame: %.200s)", e.Err, e.Raw)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// ProtocolError means the frame was JSON but violated the JSON-RPC
// envelope: missing result and error, carrying both, or a locally
// detected invariant violation such as a duplicate outstanding id.
type ProtocolError struct {
	Reason string
	Raw    []byte
}

func (e *ProtocolError) Error() string {
	if len(e.Raw) == 0 {
		return fmt.Sprintf("protocol violation: %s", e.Reason)
	}
	return fmt.Sprintf("protocol violation: %s (frame: %.200s)", e.Reason, e.Raw)
}

// RemoteError is a well-formed error object returned by the peer. For
// negative-path scenarios this is an expected outcome; the code is the
// authoritative match key.
type RemoteError struct {
	Code    int
	Message string
	Data    json.RawMessage
}

func (e *RemoteError) Error() string {
	if name := CodeText(e.Code); name != "" {
		return fmt.Sprintf("remote error %d (%s): %s", e.Code, name, e.Message)
	}
	return fmt.Sprintf("remote error %d: %s", e.Code, e.Message)
}
