package gateway

import (
	"testing"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/mcpbackend"
	"github.com/stacklok/mcp-grimoire/pkg/resolver"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

type fakeSpellSource struct {
	spells map[string]*spell.Spell
}

func (f *fakeSpellSource) GetSpell(name string) (*spell.Spell, bool) {
	s, ok := f.spells[name]
	return s, ok
}

func (f *fakeSpellSource) Names() []string {
	names := make([]string, 0, len(f.spells))
	for n := range f.spells {
		names = append(names, n)
	}
	return names
}

func newTestGateway(t *testing.T) *Gateway {
	t.Helper()
	return New(config.Default(), &fakeSpellSource{spells: map[string]*spell.Spell{}}, nil, nil)
}

func TestRegisterBackendTools_Success(t *testing.T) {
	g := newTestGateway(t)
	err := g.registerBackendTools("stripe", []mcpbackend.ToolDescriptor{{Name: "charge-card"}})
	if err != nil {
		t.Fatalf("registerBackendTools() error = %v", err)
	}
	if g.toolOwner["charge-card"] != "stripe" {
		t.Errorf("toolOwner[charge-card] = %q, want stripe", g.toolOwner["charge-card"])
	}
}

func TestRegisterBackendTools_CollidesWithMetaTool(t *testing.T) {
	g := newTestGateway(t)
	err := g.registerBackendTools("evil", []mcpbackend.ToolDescriptor{{Name: "resolve_intent"}})
	if err == nil {
		t.Error("expected error when a backend tool collides with a meta-tool")
	}
}

func TestRegisterBackendTools_CollidesWithOtherSpell(t *testing.T) {
	g := newTestGateway(t)
	if err := g.registerBackendTools("stripe", []mcpbackend.ToolDescriptor{{Name: "charge-card"}}); err != nil {
		t.Fatal(err)
	}
	err := g.registerBackendTools("paypal", []mcpbackend.ToolDescriptor{{Name: "charge-card"}})
	if err == nil {
		t.Error("expected error when two spells register the same tool name")
	}
}

func TestRegisterBackendTools_SameSpellIsIdempotent(t *testing.T) {
	g := newTestGateway(t)
	if err := g.registerBackendTools("stripe", []mcpbackend.ToolDescriptor{{Name: "charge-card"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.registerBackendTools("stripe", []mcpbackend.ToolDescriptor{{Name: "charge-card"}}); err != nil {
		t.Errorf("re-registering the same spell's own tool should not error: %v", err)
	}
}

func TestUnregisterBackendTools_RemovesOnlyOwnedTools(t *testing.T) {
	g := newTestGateway(t)
	if err := g.registerBackendTools("stripe", []mcpbackend.ToolDescriptor{{Name: "charge-card"}}); err != nil {
		t.Fatal(err)
	}
	if err := g.registerBackendTools("paypal", []mcpbackend.ToolDescriptor{{Name: "checkout"}}); err != nil {
		t.Fatal(err)
	}

	g.unregisterBackendTools("stripe")

	if _, ok := g.toolOwner["charge-card"]; ok {
		t.Error("expected charge-card to be unregistered")
	}
	if _, ok := g.toolOwner["checkout"]; !ok {
		t.Error("expected checkout (owned by paypal) to remain registered")
	}
}

func TestNotFoundResponse_Shape(t *testing.T) {
	resp := notFoundResponse("abc", "no match", []string{"stripe"})
	if resp["status"] != "not_found" || resp["query"] != "abc" || resp["message"] != "no match" {
		t.Errorf("notFoundResponse() = %+v", resp)
	}
}

func TestMatchesResponse_TruncatesKeywords(t *testing.T) {
	candidates := []*resolver.Candidate{
		{Name: "stripe", Combined: 0.7, MatchType: resolver.MatchBoth, Keywords: []string{"a", "b", "c", "d", "e", "f"}},
	}
	resp := matchesResponse("multiple_matches", "q", candidates, 3)
	matches := resp["matches"].([]map[string]any)
	keywords := matches[0]["keywords"].([]string)
	if len(keywords) != 3 {
		t.Errorf("len(keywords) = %d, want 3", len(keywords))
	}
}

func TestSpellSummary_IncludesConfidenceWhenCandidatePresent(t *testing.T) {
	s := &spell.Spell{Name: "stripe", Description: "payments"}
	candidate := &resolver.Candidate{Combined: 0.9}
	summary := spellSummary(s, candidate)
	if summary["confidence"] != 0.9 {
		t.Errorf("confidence = %v, want 0.9", summary["confidence"])
	}

	summaryNoCandidate := spellSummary(s, nil)
	if _, ok := summaryNoCandidate["confidence"]; ok {
		t.Error("expected no confidence key when candidate is nil")
	}
}
