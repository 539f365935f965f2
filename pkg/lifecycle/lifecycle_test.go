package lifecycle

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/embedstore"
	"github.com/stacklok/mcp-grimoire/pkg/mcpbackend"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

type fakeBackend struct {
	closed     bool
	callCount  int
	callResult *mcp.CallToolResult
	callErr    error
}

func (f *fakeBackend) Initialize(context.Context) error { return nil }
func (f *fakeBackend) ListTools(context.Context) ([]mcpbackend.ToolDescriptor, error) {
	return []mcpbackend.ToolDescriptor{{Name: "do-thing"}}, nil
}
func (f *fakeBackend) CallTool(context.Context, string, map[string]any) (*mcp.CallToolResult, error) {
	f.callCount++
	return f.callResult, f.callErr
}
func (f *fakeBackend) Close() error            { f.closed = true; return nil }
func (f *fakeBackend) OnToolsChanged(func())    {}

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dir := t.TempDir()
	store := embedstore.New(filepath.Join(dir, "embeddings.msgpack"), time.Hour)
	return New(config.Default(), store, nil, nil)
}

func (m *Manager) injectConnection(name string, backend mcpbackend.Backend) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connections[name] = &ActiveConnection{
		Name:    name,
		Backend: backend,
		Tools:   []mcpbackend.ToolDescriptor{{Name: "do-thing"}},
		State:   StateActive,
	}
}

func TestIsActive(t *testing.T) {
	m := newTestManager(t)
	if m.IsActive("stripe") {
		t.Error("expected stripe to be inactive initially")
	}
	m.injectConnection("stripe", &fakeBackend{})
	if !m.IsActive("stripe") {
		t.Error("expected stripe to be active after injection")
	}
}

func TestCallTool_ForwardsToBackendAndMarksUsed(t *testing.T) {
	m := newTestManager(t)
	backend := &fakeBackend{callResult: &mcp.CallToolResult{}}
	m.injectConnection("stripe", backend)

	m.IncrementTurn()
	_, err := m.CallTool(context.Background(), "stripe", "do-thing", nil)
	if err != nil {
		t.Fatalf("CallTool() error = %v", err)
	}
	if backend.callCount != 1 {
		t.Errorf("backend.callCount = %d, want 1", backend.callCount)
	}
	if m.lastUsedTurn["stripe"] != 1 {
		t.Errorf("lastUsedTurn[stripe] = %d, want 1", m.lastUsedTurn["stripe"])
	}
}

func TestCallTool_UnknownSpellReturnsError(t *testing.T) {
	m := newTestManager(t)
	if _, err := m.CallTool(context.Background(), "nonexistent", "tool", nil); err == nil {
		t.Error("expected error for unknown spell")
	}
}

func TestCleanupInactive_KillsSpellsPastThreshold(t *testing.T) {
	m := newTestManager(t)
	backend := &fakeBackend{}
	m.injectConnection("stripe", backend)
	m.MarkUsed("stripe")

	for i := 0; i < 6; i++ {
		m.IncrementTurn()
	}

	killed := m.CleanupInactive(5)
	if len(killed) != 1 || killed[0] != "stripe" {
		t.Fatalf("CleanupInactive() = %v, want [stripe]", killed)
	}
	if !backend.closed {
		t.Error("expected backend to be closed")
	}
	if m.IsActive("stripe") {
		t.Error("expected stripe to be inactive after cleanup")
	}
}

func TestCleanupInactive_KeepsRecentlyUsedSpells(t *testing.T) {
	m := newTestManager(t)
	backend := &fakeBackend{}
	m.injectConnection("stripe", backend)
	m.MarkUsed("stripe")
	m.IncrementTurn()
	m.IncrementTurn()

	killed := m.CleanupInactive(5)
	if len(killed) != 0 {
		t.Errorf("CleanupInactive() = %v, want none killed", killed)
	}
	if !m.IsActive("stripe") {
		t.Error("expected stripe to remain active")
	}
}

func TestKillAll_ClosesEveryBackend(t *testing.T) {
	m := newTestManager(t)
	a := &fakeBackend{}
	b := &fakeBackend{}
	m.injectConnection("stripe", a)
	m.injectConnection("project-manager", b)

	m.KillAll()

	if !a.closed || !b.closed {
		t.Error("expected all backends to be closed")
	}
	if len(m.GetActiveSpellNames()) != 0 {
		t.Error("expected no active spells after KillAll")
	}
}

func TestTurnCounterReplicatesExampleTimeline(t *testing.T) {
	// A spell last used at turn 0 survives turns 1-5 (idle gap at most the
	// threshold of 5) and is killed at turn 6, when the gap exceeds it.
	m := newTestManager(t)
	backend := &fakeBackend{}
	m.injectConnection("postgres", backend)
	m.MarkUsed("postgres") // used at turn 0

	for turn := 1; turn <= 5; turn++ {
		m.IncrementTurn()
		if killed := m.CleanupInactive(5); len(killed) != 0 {
			t.Fatalf("unexpected cleanup at turn %d: %v", turn, killed)
		}
	}

	m.IncrementTurn() // turn 6: idle gap is now 6, exceeds threshold 5
	killed := m.CleanupInactive(5)
	if len(killed) != 1 || killed[0] != "postgres" {
		t.Fatalf("CleanupInactive() at turn 6 = %v, want [postgres]", killed)
	}
}

func TestLoadFromStorage_RestoresTurnState(t *testing.T) {
	dir := t.TempDir()
	store := embedstore.New(filepath.Join(dir, "embeddings.msgpack"), time.Hour)
	store.SetLifecycleMetadata(embedstore.LifecycleMetadata{
		TurnCounter:  42,
		LastUsedTurn: map[string]int64{"stripe": 40},
		ActivePIDs:   map[string]int{},
	})

	m := New(config.Default(), store, nil, nil)
	m.LoadFromStorage()

	if m.turnCounter != 42 {
		t.Errorf("turnCounter = %d, want 42", m.turnCounter)
	}
	if m.lastUsedTurn["stripe"] != 40 {
		t.Errorf("lastUsedTurn[stripe] = %d, want 40", m.lastUsedTurn["stripe"])
	}
}

func TestSpawn_ReturnsCachedToolsWhenAlreadyActive(t *testing.T) {
	m := newTestManager(t)
	backend := &fakeBackend{}
	m.injectConnection("stripe", backend)

	s := &spell.Spell{Name: "stripe", Server: spell.Server{Transport: spell.TransportHTTP, URL: "https://example.com"}}
	tools, err := m.Spawn(context.Background(), s)
	if err != nil {
		t.Fatalf("Spawn() error = %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "do-thing" {
		t.Errorf("Spawn() tools = %v, want cached [do-thing]", tools)
	}
}

// TestSpawn_ConcurrentCallsForSameSpellShareOneBackend reproduces the race
// between two Spawn calls for the same spell landing before either has
// registered its connection (e.g. activate_spell and an auto-activation
// from resolve_intent on the same turn): both must see the same backend,
// and connectFn must run exactly once.
func TestSpawn_ConcurrentCallsForSameSpellShareOneBackend(t *testing.T) {
	m := newTestManager(t)

	var connectCalls int32
	backend := &fakeBackend{}
	m.connectFn = func(s *spell.Spell) (mcpbackend.Backend, int, error) {
		atomic.AddInt32(&connectCalls, 1)
		time.Sleep(20 * time.Millisecond) // widen the race window
		return backend, 0, nil
	}

	s := &spell.Spell{Name: "stripe", Server: spell.Server{Transport: spell.TransportHTTP, URL: "https://example.com"}}

	const n = 8
	var wg sync.WaitGroup
	results := make([][]mcpbackend.ToolDescriptor, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = m.Spawn(context.Background(), s)
		}(i)
	}
	wg.Wait()

	if got := atomic.LoadInt32(&connectCalls); got != 1 {
		t.Errorf("connectFn called %d times, want 1", got)
	}
	for i, err := range errs {
		if err != nil {
			t.Errorf("Spawn() call %d error = %v", i, err)
		}
		if len(results[i]) != 1 || results[i][0].Name != "do-thing" {
			t.Errorf("Spawn() call %d tools = %v, want [do-thing]", i, results[i])
		}
	}
	if len(m.GetActiveSpellNames()) != 1 {
		t.Errorf("GetActiveSpellNames() = %v, want exactly [stripe]", m.GetActiveSpellNames())
	}
}
