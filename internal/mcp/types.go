// Package mcp bridges externally registered tool servers into the
// model's function-calling vocabulary. Tool servers speak JSON-RPC 2.0
// over HTTP POST and expose two methods: tools/list and tools/call.
package mcp

import "encoding/json"

// JSONRPCRequest is a JSON-RPC 2.0 request.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error.
type JSONRPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Tool is a tool as advertised by a tool server via tools/list.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// ListToolsResult holds the result of tools/list.
type ListToolsResult struct {
	Tools []*Tool `json:"tools"`
}

// CallToolParams holds parameters for tools/call.
type CallToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// CallToolResult is the structured payload many tool servers return
// from tools/call. Servers that return a different shape are passed
// through verbatim.
type CallToolResult struct {
	Content []ToolResultContent `json:"content"`
	IsError bool                `json:"isError,omitempty"`
}

// ToolResultContent is one piece of content in a tool result.
type ToolResultContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolDescriptor describes one callable tool discovered from a server.
// Descriptors live for a single pipeline turn; nothing is cached across
// turns so that enabling or disabling a registration takes effect
// immediately.
type ToolDescriptor struct {
	ServerID    string          `json:"server_id"`
	Name        string          `json:"name"`      // name as advertised by the server
	Presented   string          `json:"presented"` // name as presented to the model
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

// InvokeResult carries a tool invocation outcome back to the pipeline.
// Server-side failures are represented in-band with IsError set; they
// are never pipeline failures.
type InvokeResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`
}
