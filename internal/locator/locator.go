// Package locator is the minimal JSON-RPC-over-HTTP client Node uses to
// talk to an Ethereum node for lottery-contract reads (spec.md §6's "rpc"
// option). Grounded on the teacher pack's Unix-domain-socket JSON-RPC
// client, swapped from net.Dial("unix", ...) to an http.Client POST since
// spec.md's rpc endpoint is an HTTP URL, not a local socket.
package locator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// request is a JSON-RPC 2.0 request envelope.
type request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      int             `json:"id"`
}

// ErrorInfo is a JSON-RPC 2.0 error object.
type ErrorInfo struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *ErrorInfo) Error() string {
	return fmt.Sprintf("locator: rpc error %d: %s", e.Code, e.Message)
}

// response is a JSON-RPC 2.0 response envelope.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ErrorInfo      `json:"error,omitempty"`
}

// Locator is a JSON-RPC client bound to one HTTP endpoint (spec.md §4.H's
// "Locator (JSON-RPC endpoint)" Node field).
type Locator struct {
	endpoint string
	client   *http.Client
}

// Parse constructs a Locator bound to rpcURL — named to mirror the
// original's Locator::Parse(rpc) factory.
func Parse(rpcURL string) *Locator {
	return &Locator{
		endpoint: rpcURL,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

// Call issues a JSON-RPC request for method with params and decodes the
// result into out (out may be nil to discard the result).
func (l *Locator) Call(ctx context.Context, method string, params, out interface{}) error {
	var paramsJSON json.RawMessage
	if params != nil {
		data, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("locator: marshal params: %w", err)
		}
		paramsJSON = data
	}

	req := request{JSONRPC: "2.0", Method: method, Params: paramsJSON, ID: 1}
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("locator: marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("locator: build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("locator: call %s: %w", method, err)
	}
	defer resp.Body.Close()

	var rpcResp response
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return fmt.Errorf("locator: decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return rpcResp.Error
	}
	if out != nil && len(rpcResp.Result) > 0 {
		if err := json.Unmarshal(rpcResp.Result, out); err != nil {
			return fmt.Errorf("locator: decode result: %w", err)
		}
	}
	return nil
}
