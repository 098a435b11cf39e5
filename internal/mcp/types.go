// Package mcp implements a minimal Model Context Protocol client over
// newline-delimited JSON-RPC on a child process's stdio.
package mcp

import (
	"encoding/json"
	"errors"
	"time"
)

// protocolVersion is the MCP revision this client speaks.
const protocolVersion = "2024-11-05"

// ErrToolFailed is returned when a server reports a tool-level failure.
var ErrToolFailed = errors.New("tool execution failed")

// ErrClosed is returned for calls on a closed transport.
var ErrClosed = errors.New("mcp transport closed")

// ServerConfig describes how to launch one MCP server.
type ServerConfig struct {
	Enabled bool
	Command string
	Args    []string
	Env     map[string]string
	Cwd     string
	// Timeout bounds a single request/response exchange.
	Timeout time.Duration
}

// Tool is a capability advertised by a server via tools/list.
type Tool struct {
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	InputSchema json.RawMessage  `json:"inputSchema,omitempty"`
	Annotations *ToolAnnotations `json:"annotations,omitempty"`
}

// ToolAnnotations carries behavioral hints about a tool.
type ToolAnnotations struct {
	ReadOnlyHint    bool `json:"readOnlyHint,omitempty"`
	DestructiveHint bool `json:"destructiveHint,omitempty"`
}

// request is a JSON-RPC 2.0 request or notification (ID nil).
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is a JSON-RPC 2.0 response.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *int64          `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	// Method is set on server-initiated notifications, which we ignore.
	Method string `json:"method,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return e.Message
}

// initializeResult is the server's half of the handshake.
type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

// listToolsResult is the tools/list payload.
type listToolsResult struct {
	Tools []Tool `json:"tools"`
}

// contentBlock is one element of a tool call result's content array.
type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// toolCallResult is the tools/call payload.
type toolCallResult struct {
	Content           []contentBlock  `json:"content,omitempty"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`
	IsError           bool            `json:"isError,omitempty"`
}
