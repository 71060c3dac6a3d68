package wsrpc

import (
	"encoding/json"
	"testing"
)

func TestCodeText(t *testing.T) {
	cases := map[int]string{
		CodeParseError:     "Parse error",
		CodeInvalidRequest: "Invalid Request",
		CodeMethodNotFound: "Method not found",
		CodeInvalidParams:  "Invalid params",
		CodeInternalError:  "Internal error",
		CodeServerError:    "Server error",
		12345:              "",
	}
	for code, want := range cases {
		if got := CodeText(code); got != want {
			t.Errorf("CodeText(%d) = %q, want %q", code, got, want)
		}
	}
}

// The string id "1" and the number 1 are different correlation ids and
// must not collide in the pending table.
func TestIDKey_NumberAndStringDistinct(t *testing.T) {
	numKey := idKey(json.RawMessage(`1`))
	strKey := idKey(json.RawMessage(`"1"`))
	if numKey == strKey {
		t.Fatalf("number and string ids collide: %q", numKey)
	}
}

func TestRemoteError_NamesReservedCodes(t *testing.T) {
	err := &RemoteError{Code: CodeMethodNotFound, Message: "Method 'x' not found"}
	want := "remote error -32601 (Method not found): Method 'x' not found"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}

	appErr := &RemoteError{Code: 1001, Message: "boom"}
	if appErr.Error() != "remote error 1001: boom" {
		t.Errorf("unexpected app error text %q", appErr.Error())
	}
}
