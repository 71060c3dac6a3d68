package wsrpc

import "encoding/json"

// Version is the protocol tag carried by every frame. The webboard
// server rejects anything else with -32600.
const Version = "2.0"

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorObject    `json:"error,omitempty"`
}

// ErrorObject is the error member of a failed response.
type ErrorObject struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Reserved error codes from the JSON-RPC 2.0 spec, plus the
// implementation-defined server error the webboard server uses.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
	CodeServerError    = -32000
)

// CodeText returns the canonical name for a reserved error code, or
// "" for application-defined codes.
func CodeText(code int) string {
	switch code {
	case CodeParseError:
		return "Parse error"
	case CodeInvalidRequest:
		return "Invalid Request"
	case CodeMethodNotFound:
		return "Method not found"
	case CodeInvalidParams:
		return "Invalid params"
	case CodeInternalError:
		return "Internal error"
	case CodeServerError:
		return "Server error"
	}
	return ""
}

// idKey returns the pending-table key for a raw id. The exact JSON
// bytes are kept so number and string ids round-trip without
// normalization ("1" and 1 are distinct keys on purpose).
func idKey(raw json.RawMessage) string {
	return string(raw)
}
