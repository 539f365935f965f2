// Package gateway implements the upstream MCP contract: it is the single
// composition point that wires the Resolver, the Lifecycle Manager,
// Discovery, and the Embedding Store behind two meta-tools and every
// currently active backend's proxied tools.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	grimoireerrors "github.com/stacklok/mcp-grimoire/pkg/errors"
	"github.com/stacklok/mcp-grimoire/pkg/lifecycle"
	"github.com/stacklok/mcp-grimoire/pkg/logger"
	"github.com/stacklok/mcp-grimoire/pkg/mcpbackend"
	"github.com/stacklok/mcp-grimoire/pkg/resolver"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

const (
	toolResolveIntent = "resolve_intent"
	toolActivateSpell = "activate_spell"
)

var spellNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9-]*$`)

// SpellSource is the subset of spell.Discovery the gateway depends on.
type SpellSource interface {
	GetSpell(name string) (*spell.Spell, bool)
	Names() []string
}

// Gateway composes the resolver, lifecycle manager, and spell source
// behind the upstream MCP server, proxying every active backend's tools
// alongside the two always-present meta-tools.
type Gateway struct {
	cfg       *config.Config
	spells    SpellSource
	resolver  *resolver.Resolver
	lifecycle *lifecycle.Manager

	server *server.MCPServer

	toolsMu        sync.Mutex
	toolOwner      map[string]string // tool name -> owning spell name
}

// New wires a Gateway and registers the two meta-tools. It does not start
// serving; the caller binds Server() to a transport (e.g. ServeStdio).
func New(cfg *config.Config, spells SpellSource, res *resolver.Resolver, lc *lifecycle.Manager) *Gateway {
	g := &Gateway{
		cfg:       cfg,
		spells:    spells,
		resolver:  res,
		lifecycle: lc,
		toolOwner: make(map[string]string),
	}
	g.server = server.NewMCPServer(
		"mcp-grimoire",
		"0.1.0",
		server.WithToolCapabilities(true),
	)
	g.registerMetaTools()
	return g
}

// Server returns the underlying MCP server, for transport binding.
func (g *Gateway) Server() *server.MCPServer {
	return g.server
}

func (g *Gateway) registerMetaTools() {
	resolveTool := mcp.NewTool(
		toolResolveIntent,
		mcp.WithDescription("Resolve a free-text intent to a spell, activating it on high confidence."),
		mcp.WithString("query", mcp.Required(), mcp.Description("Free-text description of what the agent wants to do.")),
	)
	g.server.AddTool(resolveTool, g.wrapMetaHandler(g.handleResolveIntent))

	activateTool := mcp.NewTool(
		toolActivateSpell,
		mcp.WithDescription("Activate a named spell directly, bypassing resolution."),
		mcp.WithString("name", mcp.Required(), mcp.Description("The spell's name.")),
	)
	g.server.AddTool(activateTool, g.wrapMetaHandler(g.handleActivateSpell))
}

// wrapMetaHandler increments the turn counter exactly once before any
// backend I/O, satisfying the turn-counting invariant for every upstream
// tools/call regardless of which tool is ultimately invoked.
func (g *Gateway) wrapMetaHandler(fn server.ToolHandlerFunc) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.lifecycle.IncrementTurn()
		return fn(ctx, req)
	}
}

// ProxyHandler returns the tool handler registered for a backend-owned
// tool: it forwards the call to the owning spell's connection, counting
// the turn first, exactly like a meta-tool call.
func (g *Gateway) ProxyHandler(spellName string) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		g.lifecycle.IncrementTurn()
		args, _ := req.Params.Arguments.(map[string]any)
		return g.lifecycle.CallTool(ctx, spellName, req.Params.Name, args)
	}
}

func (g *Gateway) handleResolveIntent(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	query, errMessage := resolver.ValidateQuery(args)
	if errMessage != "" {
		return textResult(notFoundResponse("", errMessage, g.spells.Names()))
	}

	result := g.resolver.Resolve(ctx, query)

	switch result.Tier {
	case resolver.TierActivated:
		return g.activateAndRespond(ctx, result.Top.Name, query, result.Top)
	case resolver.TierMultipleMatches, resolver.TierWeakMatches:
		return textResult(matchesResponse(string(result.Tier), query, result.Candidates, g.cfg.ResolverTiers.MaxKeywordsShown))
	default:
		message := result.Message
		if message == "" {
			message = "no spell matched the query"
		}
		return textResult(notFoundResponse(query, message, g.spells.Names()))
	}
}

func (g *Gateway) handleActivateSpell(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args, _ := req.Params.Arguments.(map[string]any)
	name, _ := args["name"].(string)
	name = strings.TrimSpace(name)

	if name == "" || !spellNamePattern.MatchString(name) {
		return nil, grimoireerrors.NewValidationError(fmt.Sprintf("invalid spell name %q", name), nil)
	}

	if _, ok := g.spells.GetSpell(name); !ok {
		return nil, grimoireerrors.NewNotFoundError(fmt.Sprintf("unknown spell %q", name), nil)
	}

	return g.activateAndRespond(ctx, name, "", nil)
}

func (g *Gateway) activateAndRespond(ctx context.Context, name, query string, candidate *resolver.Candidate) (*mcp.CallToolResult, error) {
	s, ok := g.spells.GetSpell(name)
	if !ok {
		return nil, grimoireerrors.NewNotFoundError(fmt.Sprintf("unknown spell %q", name), nil)
	}

	tools, err := g.lifecycle.Spawn(ctx, s)
	if err != nil {
		return nil, err
	}

	if err := g.registerBackendTools(name, tools); err != nil {
		g.lifecycle.TerminateOne(name)
		return nil, err
	}

	killed := g.lifecycle.CleanupInactive(g.cfg.IdleTurnThreshold)
	for _, k := range killed {
		g.unregisterBackendTools(k)
	}

	toolNames := make([]string, 0, len(tools))
	for _, t := range tools {
		toolNames = append(toolNames, t.Name)
	}

	resp := map[string]any{
		"status": "activated",
		"query":  query,
		"spell":  spellSummary(s, candidate),
		"tools":  toolNames,
	}
	return textResult(resp)
}

// registerBackendTools adds name's proxied tools to the upstream
// tools/list. A collision with an already-registered tool (owned by a
// different spell, or one of the two meta-tools) fails the activation.
func (g *Gateway) registerBackendTools(name string, tools []mcpbackend.ToolDescriptor) error {
	g.toolsMu.Lock()
	defer g.toolsMu.Unlock()

	for _, t := range tools {
		if t.Name == toolResolveIntent || t.Name == toolActivateSpell {
			return grimoireerrors.NewValidationError(fmt.Sprintf("spell %q tool %q collides with a meta-tool", name, t.Name), nil)
		}
		if owner, ok := g.toolOwner[t.Name]; ok && owner != name {
			return grimoireerrors.NewValidationError(fmt.Sprintf("spell %q tool %q collides with spell %q", name, t.Name, owner), nil)
		}
	}

	for _, t := range tools {
		mcpTool := mcp.NewTool(t.Name, mcp.WithDescription(t.Description))
		g.server.AddTool(mcpTool, g.ProxyHandler(name))
		g.toolOwner[t.Name] = name
	}

	logger.Debugf("registered %d tools for spell %q", len(tools), name)
	return nil
}

func (g *Gateway) unregisterBackendTools(name string) {
	g.toolsMu.Lock()
	defer g.toolsMu.Unlock()

	owned := make([]string, 0)
	for toolName, owner := range g.toolOwner {
		if owner == name {
			owned = append(owned, toolName)
		}
	}
	if len(owned) == 0 {
		return
	}
	g.server.DeleteTools(owned...)
	for _, toolName := range owned {
		delete(g.toolOwner, toolName)
	}
	logger.Debugf("unregistered %d tools for spell %q", len(owned), name)
}

// Resync reconciles the upstream tool registry against the lifecycle
// manager's current set of active connections. Bind this as the lifecycle
// manager's onToolsChanged callback so a backend's own tools/list_changed
// notification (which updates its cached Tools but not the gateway's
// registry) is reflected upstream.
func (g *Gateway) Resync() {
	active := make(map[string]bool)
	for _, name := range g.lifecycle.GetActiveSpellNames() {
		active[name] = true
		conn, ok := g.lifecycle.GetConnection(name)
		if !ok {
			continue
		}
		if err := g.registerBackendTools(name, conn.Tools); err != nil {
			logger.Warnf("resync: failed to register tools for spell %q: %v", name, err)
		}
	}

	g.toolsMu.Lock()
	stale := make([]string, 0)
	for _, owner := range g.toolOwner {
		if !active[owner] {
			stale = append(stale, owner)
		}
	}
	g.toolsMu.Unlock()

	for _, owner := range stale {
		g.unregisterBackendTools(owner)
	}
}

func spellSummary(s *spell.Spell, candidate *resolver.Candidate) map[string]any {
	summary := map[string]any{
		"name":        s.Name,
		"description": s.Description,
	}
	if candidate != nil {
		summary["confidence"] = candidate.Combined
	}
	return summary
}

func textResult(payload map[string]any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding response: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}

func notFoundResponse(query, message string, available []string) map[string]any {
	return map[string]any{
		"status":          "not_found",
		"query":           query,
		"message":         message,
		"availableSpells": available,
	}
}

func matchesResponse(status, query string, candidates []*resolver.Candidate, maxKeywords int) map[string]any {
	matches := make([]map[string]any, 0, len(candidates))
	for _, c := range candidates {
		keywords := c.Keywords
		if len(keywords) > maxKeywords {
			keywords = keywords[:maxKeywords]
		}
		matches = append(matches, map[string]any{
			"name":        c.Name,
			"confidence":  c.Combined,
			"matchType":   c.MatchType,
			"description": c.Description,
			"keywords":    keywords,
		})
	}
	return map[string]any{
		"status":  status,
		"query":   query,
		"matches": matches,
	}
}
