package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
)

// maxResponseBytes caps how much of a tool server response is read.
// Tool servers are untrusted; an oversized body is treated as a
// protocol error.
const maxResponseBytes = 1 << 20

// Client issues JSON-RPC calls against tool server endpoints, passing
// the requesting user's bearer token through unchanged. It holds no
// per-server state and is safe for concurrent use.
type Client struct {
	http *http.Client
}

// NewClient builds a Client. Per-call deadlines are carried by the
// context, so the underlying http.Client has no global timeout.
func NewClient() *Client {
	return &Client{http: &http.Client{}}
}

// Call sends one JSON-RPC request to the endpoint and returns the
// result payload. Non-2xx statuses, oversized and non-UTF-8 bodies,
// and JSON-RPC error responses all surface as errors.
func (c *Client) Call(ctx context.Context, endpoint, token, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{
		JSONRPC: "2.0",
		ID:      uuid.NewString(),
		Method:  method,
	}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if token != "" {
		httpReq.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if len(raw) > maxResponseBytes {
		return nil, fmt.Errorf("response exceeds %d bytes", maxResponseBytes)
	}
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("response is not valid UTF-8")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, sanitize(string(raw)))
	}

	var rpcResp JSONRPCResponse
	if err := json.Unmarshal(raw, &rpcResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	if rpcResp.Error != nil {
		return nil, fmt.Errorf("rpc error %d: %s", rpcResp.Error.Code, sanitize(rpcResp.Error.Message))
	}
	return rpcResp.Result, nil
}

// sanitize makes untrusted server text safe for logs and error
// messages: control characters are stripped and the result truncated.
func sanitize(s string) string {
	const maxLen = 200
	var b strings.Builder
	for _, r := range s {
		if unicode.IsControl(r) {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxLen {
			break
		}
	}
	return b.String()
}
