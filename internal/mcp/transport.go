package mcp

import (
	"context"
	"encoding/json"
)

// Transport carries JSON-RPC traffic to one MCP server.
type Transport interface {
	// Call sends a request and waits for the matching response.
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)

	// Notify sends a notification without expecting a response.
	Notify(ctx context.Context, method string, params any) error

	// Connected reports whether the transport is usable.
	Connected() bool

	// Close tears the transport down.
	Close() error
}
