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

// authRoundTripper injects headers from an auth.Provider (and any static
// spell headers) into every outgoing request before delegating.
type authRoundTripper struct {
	provider auth.Provider
	headers  map[string]string
	next     http.RoundTripper
}

func (rt *authRoundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range rt.headers {
		req.Header.Set(k, v)
	}
	if rt.provider != nil {
		if err := rt.provider.Authenticate(req.Context(), req); err != nil {
			return nil, fmt.Errorf("authenticating outgoing request: %w", err)
		}
	}
	next := rt.next
	if next == nil {
		next = http.DefaultTransport
	}
	return next.RoundTrip(req)
}

// HTTPBackend wraps a spell's streamable-HTTP MCP endpoint.
type HTTPBackend struct {
	client    *client.Client
	onChanged func()
}

// NewHTTPBackend connects to url, authenticating every request with
// provider and the spell's static headers.
func NewHTTPBackend(url string, provider auth.Provider, headers map[string]string) (*HTTPBackend, error) {
	httpClient := &http.Client{Transport: &authRoundTripper{provider: provider, headers: headers}}
	c, err := client.NewStreamableHttpClient(url, transport.WithHTTPBasicClient(httpClient))
	if err != nil {
		return nil, fmt.Errorf("connecting to http backend %s: %w", url, err)
	}
	b := &HTTPBackend{client: c}
	c.OnNotification(b.handleNotification)
	return b, nil
}

func (b *HTTPBackend) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method == "notifications/tools/list_changed" && b.onChanged != nil {
		b.onChanged()
	}
}

// Initialize implements Backend.
func (b *HTTPBackend) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: gatewayName, Version: "0.1.0"}
	_, err := b.client.Initialize(ctx, req)
	return err
}

// ListTools implements Backend.
func (b *HTTPBackend) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return toolsFromResult(result), nil
}

// CallTool implements Backend.
func (b *HTTPBackend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return b.client.CallTool(ctx, req)
}

// Close implements Backend.
func (b *HTTPBackend) Close() error {
	return b.client.Close()
}

// OnToolsChanged implements Backend.
func (b *HTTPBackend) OnToolsChanged(fn func()) {
	b.onChanged = fn
}
