// Package mcpbackend wraps mark3labs/mcp-go client transports behind a
// single Backend interface so the lifecycle manager can treat stdio, http,
// and sse spells uniformly.
package mcpbackend

import (
	"context"

	"github.com/mark3labs/mcp-go/mcp"
)

// ToolDescriptor is the subset of an MCP tool's metadata the gateway
// proxies upstream.
type ToolDescriptor struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// Backend is a live connection to one downstream MCP spell server.
type Backend interface {
	// Initialize performs the MCP handshake.
	Initialize(ctx context.Context) error

	// ListTools returns the backend's currently advertised tools.
	ListTools(ctx context.Context) ([]ToolDescriptor, error)

	// CallTool forwards a tool invocation and returns the raw result.
	CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error)

	// Close tears down the connection (process or HTTP/SSE session).
	Close() error

	// OnToolsChanged registers a callback invoked whenever the backend
	// emits a tools/list_changed notification. At most one callback is
	// retained; a later call replaces the former.
	OnToolsChanged(fn func())
}

func toolsFromResult(result *mcp.ListToolsResult) []ToolDescriptor {
	if result == nil {
		return nil
	}
	out := make([]ToolDescriptor, 0, len(result.Tools))
	for _, t := range result.Tools {
		out = append(out, ToolDescriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schemaToMap(t.InputSchema),
		})
	}
	return out
}

func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	return map[string]any{
		"type":       schema.Type,
		"properties": schema.Properties,
		"required":   schema.Required,
	}
}
