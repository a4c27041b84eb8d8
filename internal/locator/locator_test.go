package locator

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestCallDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("server: decode request: %v", err)
		}
		if req.Method != "eth_blockNumber" {
			t.Errorf("server saw method %q, want eth_blockNumber", req.Method)
		}
		json.NewEncoder(w).Encode(response{
			JSONRPC: "2.0",
			ID:      req.ID,
			Result:  json.RawMessage(`"0x1"`),
		})
	}))
	defer srv.Close()

	l := Parse(srv.URL)
	var out string
	if err := l.Call(context.Background(), "eth_blockNumber", nil, &out); err != nil {
		t.Fatalf("Call: %v", err)
	}
	if out != "0x1" {
		t.Errorf("out = %q, want 0x1", out)
	}
}

func TestCallPropagatesRPCError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(response{
			JSONRPC: "2.0",
			ID:      1,
			Error:   &ErrorInfo{Code: -32601, Message: "method not found"},
		})
	}))
	defer srv.Close()

	l := Parse(srv.URL)
	err := l.Call(context.Background(), "bogus", nil, nil)
	if err == nil {
		t.Fatal("expected error from RPC error response")
	}
	var rpcErr *ErrorInfo
	if e, ok := err.(*ErrorInfo); !ok {
		t.Fatalf("error type = %T, want *ErrorInfo", err)
	} else {
		rpcErr = e
	}
	if rpcErr.Code != -32601 {
		t.Errorf("Code = %d, want -32601", rpcErr.Code)
	}
}

func TestCallSendsParams(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		json.NewDecoder(r.Body).Decode(&req)
		var params []string
		json.Unmarshal(req.Params, &params)
		if len(params) != 1 || params[0] != "0xabc" {
			t.Errorf("params = %v, want [0xabc]", params)
		}
		json.NewEncoder(w).Encode(response{JSONRPC: "2.0", ID: req.ID, Result: json.RawMessage(`null`)})
	}))
	defer srv.Close()

	l := Parse(srv.URL)
	if err := l.Call(context.Background(), "eth_getBalance", []string{"0xabc"}, nil); err != nil {
		t.Fatalf("Call: %v", err)
	}
}
