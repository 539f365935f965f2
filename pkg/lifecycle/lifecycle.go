// Package lifecycle implements the Process Lifecycle Manager: it owns
// every live backend connection, spawning them lazily, tracking turn-based
// idle time for cleanup, and reaping orphaned child processes left behind
// by a crashed previous run.
package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"syscall"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	gopsutilprocess "github.com/shirou/gopsutil/v4/process"
	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-grimoire/pkg/auth"
	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/embedstore"
	grimoireerrors "github.com/stacklok/mcp-grimoire/pkg/errors"
	"github.com/stacklok/mcp-grimoire/pkg/logger"
	"github.com/stacklok/mcp-grimoire/pkg/mcpbackend"
	"github.com/stacklok/mcp-grimoire/pkg/paths"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

// State is a spell's position in the per-spell lifecycle state machine:
// unknown -> spawning -> active -> (active | terminating) -> terminated.
type State string

// Lifecycle states.
const (
	StateUnknown     State = "unknown"
	StateSpawning    State = "spawning"
	StateActive      State = "active"
	StateTerminating State = "terminating"
	StateTerminated  State = "terminated"
)

// ActiveConnection is one live backend, owned exclusively by the Manager.
type ActiveConnection struct {
	Name      string
	Transport spell.Transport
	Backend   mcpbackend.Backend
	Tools     []mcpbackend.ToolDescriptor
	PID       int
	State     State
}

// killGracePeriod is how long a stdio child is given to exit after
// SIGTERM before SIGKILL is sent.
const killGracePeriod = 1 * time.Second

// Manager owns every ActiveConnection and the turn counter that drives
// idle-based cleanup.
type Manager struct {
	cfg   *config.Config
	store *embedstore.Store
	env   *paths.EnvStore

	mu          sync.RWMutex
	connections map[string]*ActiveConnection

	// spawnGroup collapses concurrent Spawn calls for the same spell name
	// into a single connect/Initialize/ListTools sequence, so two racing
	// activations of the same spell (e.g. activate_spell and an
	// auto-activation from resolve_intent landing on the same turn) can't
	// both pass the GetConnection miss and each spawn their own backend.
	spawnGroup singleflight.Group

	// connectFn is m.connect by default; overridable in tests so Spawn's
	// concurrency behavior can be exercised without a real backend process.
	connectFn func(s *spell.Spell) (mcpbackend.Backend, int, error)

	turnMu       sync.Mutex
	turnCounter  int64
	lastUsedTurn map[string]int64

	onToolsChanged func()
}

// New creates a Manager. onToolsChanged is invoked after an activation, a
// cleanup or single termination that killed a backend, and a backend's own
// tools/list_changed notification. A backend that exits on its own is not
// detected, so it does not trigger the callback.
func New(cfg *config.Config, store *embedstore.Store, env *paths.EnvStore, onToolsChanged func()) *Manager {
	m := &Manager{
		cfg:            cfg,
		store:          store,
		env:            env,
		connections:    make(map[string]*ActiveConnection),
		lastUsedTurn:   make(map[string]int64),
		onToolsChanged: onToolsChanged,
	}
	m.connectFn = m.connect
	return m
}

// IsActive reports whether name currently has a live backend.
func (m *Manager) IsActive(name string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.connections[name]
	return ok
}

// GetActiveSpellNames returns the names of every currently active spell.
func (m *Manager) GetActiveSpellNames() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	names := make([]string, 0, len(m.connections))
	for name := range m.connections {
		names = append(names, name)
	}
	return names
}

// GetConnection returns the ActiveConnection for name, if active.
func (m *Manager) GetConnection(name string) (*ActiveConnection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.connections[name]
	return c, ok
}

// Spawn connects a new backend for s, or returns the cached tool list if
// one is already active. On any failure the spell transitions directly to
// terminated and no ActiveConnection is recorded.
//
// The connect/Initialize/ListTools sequence and the final registration
// into m.connections run inside spawnGroup, keyed by spell name, so two
// concurrent Spawn calls for the same spell share one backend instead of
// each spawning their own and racing on the map write.
func (m *Manager) Spawn(ctx context.Context, s *spell.Spell) ([]mcpbackend.ToolDescriptor, error) {
	if conn, ok := m.GetConnection(s.Name); ok {
		return conn.Tools, nil
	}

	result, err, _ := m.spawnGroup.Do(s.Name, func() (interface{}, error) {
		return m.doSpawn(ctx, s)
	})
	if err != nil {
		return nil, err
	}
	return result.([]mcpbackend.ToolDescriptor), nil
}

// doSpawn performs the actual connect/Initialize/ListTools sequence. It
// is only ever called from inside m.spawnGroup, which already serializes
// concurrent callers for the same spell name.
func (m *Manager) doSpawn(ctx context.Context, s *spell.Spell) ([]mcpbackend.ToolDescriptor, error) {
	// Re-check: a sequential (not concurrent) caller may have already
	// spawned this spell and released the spawnGroup slot before this
	// call entered it.
	if conn, ok := m.GetConnection(s.Name); ok {
		return conn.Tools, nil
	}

	timeout := m.cfg.HTTPSpawnTimeout
	if s.Server.Transport == spell.TransportStdio {
		timeout = m.cfg.StdioSpawnTimeout
	}
	spawnCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	backend, pid, err := m.connectFn(s)
	if err != nil {
		return nil, grimoireerrors.NewSpawnFailureError(fmt.Sprintf("connecting backend %q", s.Name), err)
	}

	if err := backend.Initialize(spawnCtx); err != nil {
		_ = backend.Close()
		return nil, grimoireerrors.NewSpawnFailureError(fmt.Sprintf("initializing backend %q", s.Name), err)
	}

	tools, err := backend.ListTools(spawnCtx)
	if err != nil {
		_ = backend.Close()
		return nil, grimoireerrors.NewSpawnFailureError(fmt.Sprintf("listing tools for backend %q", s.Name), err)
	}

	conn := &ActiveConnection{
		Name:      s.Name,
		Transport: s.Server.Transport,
		Backend:   backend,
		Tools:     tools,
		PID:       pid,
		State:     StateActive,
	}
	backend.OnToolsChanged(func() { m.handleBackendToolsChanged(s.Name) })

	m.mu.Lock()
	m.connections[s.Name] = conn
	m.mu.Unlock()

	m.MarkUsed(s.Name)
	m.persistPID(s.Name, pid)

	m.notifyToolsChanged()
	return tools, nil
}

func (m *Manager) connect(s *spell.Spell) (mcpbackend.Backend, int, error) {
	switch s.Server.Transport {
	case spell.TransportStdio:
		env := make([]string, 0, len(s.Server.Env))
		for k, v := range s.Server.Env {
			resolved, err := m.env.ResolvePlaceholder(v)
			if err != nil {
				return nil, 0, fmt.Errorf("resolving env %s: %w", k, err)
			}
			env = append(env, k+"="+resolved)
		}
		backend, err := mcpbackend.NewStdioBackend(s.Server.Command, env, s.Server.Args...)
		if err != nil {
			return nil, 0, err
		}
		return backend, backend.PID(), nil

	case spell.TransportHTTP:
		provider, err := auth.New(s.Server.Auth, m.env)
		if err != nil {
			return nil, 0, err
		}
		backend, err := mcpbackend.NewHTTPBackend(s.Server.URL, provider, s.Server.Headers)
		if err != nil {
			return nil, 0, err
		}
		return backend, 0, nil

	case spell.TransportSSE:
		provider, err := auth.New(s.Server.Auth, m.env)
		if err != nil {
			return nil, 0, err
		}
		backend, err := mcpbackend.NewSSEBackend(s.Server.URL, provider, s.Server.Headers)
		if err != nil {
			return nil, 0, err
		}
		return backend, 0, nil

	default:
		return nil, 0, fmt.Errorf("unsupported transport %q", s.Server.Transport)
	}
}

// CallTool forwards a tool invocation to spellName's backend.
func (m *Manager) CallTool(ctx context.Context, spellName, toolName string, args map[string]any) (*mcp.CallToolResult, error) {
	conn, ok := m.GetConnection(spellName)
	if !ok {
		return nil, grimoireerrors.NewNotFoundError(fmt.Sprintf("spell %q is not active", spellName), nil)
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.ToolCallTimeout)
	defer cancel()

	m.MarkUsed(spellName)

	result, err := conn.Backend.CallTool(callCtx, toolName, args)
	if err != nil {
		return nil, grimoireerrors.NewBackendFailureError(fmt.Sprintf("calling tool %q on spell %q", toolName, spellName), err)
	}
	return result, nil
}

// MarkUsed records spellName as used at the current turn.
func (m *Manager) MarkUsed(spellName string) {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()
	m.markUsedLocked(spellName)
}

func (m *Manager) markUsedLocked(spellName string) {
	m.lastUsedTurn[spellName] = m.turnCounter
	m.persistTurnState()
}

// IncrementTurn advances the turn counter by one. A turn is one
// agent-initiated tools/call.
func (m *Manager) IncrementTurn() int64 {
	m.turnMu.Lock()
	defer m.turnMu.Unlock()
	m.turnCounter++
	m.persistTurnState()
	return m.turnCounter
}

// CleanupInactive terminates every active spell whose idle turn count
// exceeds threshold and returns the names that were killed.
func (m *Manager) CleanupInactive(threshold int) []string {
	m.turnMu.Lock()
	current := m.turnCounter
	idle := make([]string, 0)
	for _, name := range m.GetActiveSpellNames() {
		last := m.lastUsedTurn[name]
		if current-last > int64(threshold) {
			idle = append(idle, name)
		}
	}
	m.turnMu.Unlock()

	killed := make([]string, 0, len(idle))
	for _, name := range idle {
		if m.terminate(name) {
			killed = append(killed, name)
		}
	}

	if len(killed) > 0 {
		m.turnMu.Lock()
		for _, name := range killed {
			delete(m.lastUsedTurn, name)
		}
		m.persistTurnState()
		m.turnMu.Unlock()
		m.notifyToolsChanged()
	}
	return killed
}

// TerminateOne terminates a single active spell immediately, outside the
// normal idle-cleanup path (used when an activation must be rejected
// after the backend is already connected, e.g. a tool name collision).
func (m *Manager) TerminateOne(name string) bool {
	killed := m.terminate(name)
	if killed {
		m.notifyToolsChanged()
	}
	return killed
}

// KillAll terminates every active backend, used on shutdown.
func (m *Manager) KillAll() {
	for _, name := range m.GetActiveSpellNames() {
		m.terminate(name)
	}
}

func (m *Manager) terminate(name string) bool {
	m.mu.Lock()
	conn, ok := m.connections[name]
	if ok {
		conn.State = StateTerminating
	}
	m.mu.Unlock()
	if !ok {
		return false
	}

	if conn.Transport == spell.TransportStdio && conn.PID > 0 {
		killStdioChild(conn.PID)
	}
	if err := conn.Backend.Close(); err != nil {
		logger.Warnf("error closing backend %q: %v", name, err)
	}

	m.mu.Lock()
	delete(m.connections, name)
	m.mu.Unlock()

	m.clearPID(name)
	return true
}

func killStdioChild(pid int) {
	proc, err := gopsutilprocess.NewProcess(int32(pid))
	if err != nil {
		return
	}
	_ = proc.SendSignal(syscall.SIGTERM)

	done := make(chan struct{})
	go func() {
		for {
			running, err := proc.IsRunning()
			if err != nil || !running {
				close(done)
				return
			}
			time.Sleep(50 * time.Millisecond)
		}
	}()

	select {
	case <-done:
	case <-time.After(killGracePeriod):
		_ = proc.SendSignal(syscall.SIGKILL)
	}
}

// handleBackendToolsChanged is invoked when a backend emits
// tools/list_changed; it refreshes the cached tool list and notifies.
func (m *Manager) handleBackendToolsChanged(name string) {
	conn, ok := m.GetConnection(name)
	if !ok {
		return
	}
	tools, err := conn.Backend.ListTools(context.Background())
	if err != nil {
		logger.Warnf("failed to refresh tool list for %q after change notification: %v", name, err)
		return
	}
	m.mu.Lock()
	conn.Tools = tools
	m.mu.Unlock()
	m.notifyToolsChanged()
}

func (m *Manager) notifyToolsChanged() {
	if m.onToolsChanged != nil {
		m.onToolsChanged()
	}
}

// LoadFromStorage restores turn state from the embedding store and reaps
// any PID recorded there that is still running: a process orphaned by a
// crashed previous gateway instance.
func (m *Manager) LoadFromStorage() {
	meta := m.store.GetLifecycleMetadata()

	m.turnMu.Lock()
	m.turnCounter = meta.TurnCounter
	m.lastUsedTurn = meta.LastUsedTurn
	if m.lastUsedTurn == nil {
		m.lastUsedTurn = make(map[string]int64)
	}
	m.turnMu.Unlock()

	for name, pid := range meta.ActivePIDs {
		if pid <= 0 {
			continue
		}
		if isPIDRunning(pid) {
			logger.Warnf("reaping orphaned process for spell %q (pid %d)", name, pid)
			killStdioChild(pid)
		}
	}

	m.store.SetLifecycleMetadata(embedstore.LifecycleMetadata{
		TurnCounter:  meta.TurnCounter,
		LastUsedTurn: meta.LastUsedTurn,
		ActivePIDs:   make(map[string]int),
	})
}

func isPIDRunning(pid int) bool {
	exists, err := gopsutilprocess.PidExists(int32(pid))
	return err == nil && exists
}

func (m *Manager) persistTurnState() {
	meta := m.store.GetLifecycleMetadata()
	meta.TurnCounter = m.turnCounter
	meta.LastUsedTurn = make(map[string]int64, len(m.lastUsedTurn))
	for k, v := range m.lastUsedTurn {
		meta.LastUsedTurn[k] = v
	}
	m.store.SetLifecycleMetadata(meta)
}

func (m *Manager) persistPID(name string, pid int) {
	if pid <= 0 {
		return
	}
	meta := m.store.GetLifecycleMetadata()
	if meta.ActivePIDs == nil {
		meta.ActivePIDs = make(map[string]int)
	}
	meta.ActivePIDs[name] = pid
	m.store.SetLifecycleMetadata(meta)
}

func (m *Manager) clearPID(name string) {
	meta := m.store.GetLifecycleMetadata()
	if meta.ActivePIDs == nil {
		return
	}
	delete(meta.ActivePIDs, name)
	m.store.SetLifecycleMetadata(meta)
}
