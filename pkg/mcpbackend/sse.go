package mcpbackend

import (
	"context"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-grimoire/pkg/auth"
)

// SSEBackend wraps a spell's SSE MCP endpoint: an initial GET establishes
// the event stream and subsequent requests POST to /messages?sessionId=….
type SSEBackend struct {
	client    *client.Client
	onChanged func()
}

// NewSSEBackend connects to url, authenticating every request with
// provider and the spell's static headers.
func NewSSEBackend(url string, provider auth.Provider, headers map[string]string) (*SSEBackend, error) {
	httpClient := &http.Client{Transport: &authRoundTripper{provider: provider, headers: headers}}
	c, err := client.NewSSEMCPClient(url, transport.WithHTTPClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("connecting to sse backend %s: %w", url, err)
	}
	b := &SSEBackend{client: c}
	c.OnNotification(b.handleNotification)
	return b, nil
}

func (b *SSEBackend) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method == "notifications/tools/list_changed" && b.onChanged != nil {
		b.onChanged()
	}
}

// Initialize implements Backend.
func (b *SSEBackend) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: gatewayName, Version: "0.1.0"}
	_, err := b.client.Initialize(ctx, req)
	return err
}

// ListTools implements Backend.
func (b *SSEBackend) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return toolsFromResult(result), nil
}

// CallTool implements Backend.
func (b *SSEBackend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return b.client.CallTool(ctx, req)
}

// Close implements Backend.
func (b *SSEBackend) Close() error {
	return b.client.Close()
}

// OnToolsChanged implements Backend.
func (b *SSEBackend) OnToolsChanged(fn func()) {
	b.onChanged = fn
}
