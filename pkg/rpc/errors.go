package rpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Error is a structured NEAR JSON-RPC error.
type Error struct {
	Name    string          `json:"name"`
	Cause   ErrorCause      `json:"cause"`
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// ErrorCause narrows Error.Name, e.g. HANDLER_ERROR caused by TIMEOUT_ERROR.
type ErrorCause struct {
	Name string          `json:"name"`
	Info json.RawMessage `json:"info,omitempty"`
}

func (e *Error) Error() string {
	var b bytes.Buffer
	fmt.Fprintf(&b, "rpc error %d %s", e.Code, e.Name)
	if e.Cause.Name != "" {
		fmt.Fprintf(&b, "/%s", e.Cause.Name)
	}
	if len(e.Cause.Info) > 0 && string(e.Cause.Info) != "{}" && string(e.Cause.Info) != "null" {
		fmt.Fprintf(&b, ": %s", compact(e.Cause.Info))
	} else if len(e.Data) > 0 && string(e.Data) != "null" {
		fmt.Fprintf(&b, ": %s", compact(e.Data))
	} else if e.Message != "" {
		fmt.Fprintf(&b, ": %s", e.Message)
	}
	return b.String()
}

// InvalidNonce reports whether the ledger rejected the transaction for its
// nonce, returning the access key nonce the ledger holds when present.
func (e *Error) InvalidNonce() (akNonce uint64, ok bool) {
	for _, raw := range []json.RawMessage{e.Cause.Info, e.Data} {
		v, found := findKey(raw, "InvalidNonce")
		if !found {
			continue
		}
		var n struct {
			AkNonce uint64 `json:"ak_nonce"`
		}
		_ = json.Unmarshal(v, &n)
		return n.AkNonce, true
	}
	return 0, false
}

// StatusError is a non-200 HTTP response from the RPC endpoint.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("rpc http status %d", e.StatusCode)
	}
	return fmt.Sprintf("rpc http status %d: %s", e.StatusCode, e.Body)
}

// TransportError is a network, IO or decoding failure talking to the endpoint.
type TransportError struct {
	Method string
	Err    error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("rpc %s: %v", e.Method, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// findKey searches a JSON document depth-first for an object key.
func findKey(raw json.RawMessage, key string) (json.RawMessage, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err == nil {
		if v, ok := obj[key]; ok {
			return v, true
		}
		for _, v := range obj {
			if found, ok := findKey(v, key); ok {
				return found, true
			}
		}
		return nil, false
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err == nil {
		for _, v := range arr {
			if found, ok := findKey(v, key); ok {
				return found, true
			}
		}
	}
	return nil, false
}

func compact(raw json.RawMessage) string {
	var b bytes.Buffer
	if err := json.Compact(&b, raw); err != nil {
		return string(raw)
	}
	return b.String()
}
