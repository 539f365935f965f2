package mcpbackend

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
)

const protocolVersion = "2024-11-05"
const gatewayName = "mcp-grimoire"

// pidProvider is implemented by mcp-go's stdio client transport; it lets
// the lifecycle manager record the child PID for orphan reaping without
// spawning the process itself.
type pidProvider interface {
	Pid() int
}

// StdioBackend wraps a spell's stdio child process.
type StdioBackend struct {
	client    *client.Client
	pid       int
	onChanged func()
}

// NewStdioBackend starts command as a child process with the given
// environment (already placeholder-resolved by the caller) and arguments.
func NewStdioBackend(command string, env []string, args ...string) (*StdioBackend, error) {
	c, err := client.NewStdioMCPClient(command, env, args...)
	if err != nil {
		return nil, fmt.Errorf("starting stdio backend %s: %w", command, err)
	}
	b := &StdioBackend{client: c}
	if t, ok := c.GetTransport().(pidProvider); ok {
		b.pid = t.Pid()
	}
	c.OnNotification(b.handleNotification)
	return b, nil
}

// PID returns the child process id, or 0 if it could not be determined.
func (b *StdioBackend) PID() int {
	return b.pid
}

func (b *StdioBackend) handleNotification(notification mcp.JSONRPCNotification) {
	if notification.Method == "notifications/tools/list_changed" && b.onChanged != nil {
		b.onChanged()
	}
}

// Initialize implements Backend.
func (b *StdioBackend) Initialize(ctx context.Context) error {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = protocolVersion
	req.Params.ClientInfo = mcp.Implementation{Name: gatewayName, Version: "0.1.0"}
	_, err := b.client.Initialize(ctx, req)
	return err
}

// ListTools implements Backend.
func (b *StdioBackend) ListTools(ctx context.Context) ([]ToolDescriptor, error) {
	result, err := b.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}
	return toolsFromResult(result), nil
}

// CallTool implements Backend.
func (b *StdioBackend) CallTool(ctx context.Context, name string, args map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args
	return b.client.CallTool(ctx, req)
}

// Close implements Backend.
func (b *StdioBackend) Close() error {
	return b.client.Close()
}

// OnToolsChanged implements Backend.
func (b *StdioBackend) OnToolsChanged(fn func()) {
	b.onChanged = fn
}
