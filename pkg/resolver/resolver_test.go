package resolver

import (
	"context"
	"testing"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/embedding"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

type fakeSpellSource struct {
	spells map[string]*spell.Spell
}

func (f *fakeSpellSource) GetSpells() map[string]*spell.Spell { return f.spells }

type fakeEmbedder struct {
	vectors map[string][]float32
	degrade bool
}

func (f *fakeEmbedder) EmbedOrDegrade(_ context.Context, text string) ([]float32, bool) {
	if f.degrade {
		return nil, false
	}
	return f.vectors[text], true
}

type fakeEmbeddingLookup struct {
	byHash map[string][]float32
}

func (f *fakeEmbeddingLookup) Get(hash string) ([]float32, bool) {
	v, ok := f.byHash[hash]
	return v, ok
}

func mustSpell(t *testing.T, name, description string, keywords []string) *spell.Spell {
	t.Helper()
	return &spell.Spell{Name: name, Description: description, Keywords: keywords}
}

func TestResolve_EmptyQuery(t *testing.T) {
	r := New(&fakeSpellSource{}, &fakeEmbedder{}, &fakeEmbeddingLookup{}, config.Default())
	res := r.Resolve(context.Background(), "   ")
	if res.Tier != TierNotFound || res.Message != "query is empty" {
		t.Errorf("Resolve() = %+v, want not_found/query is empty", res)
	}
}

func TestResolve_NoSpellsAvailable(t *testing.T) {
	r := New(&fakeSpellSource{spells: map[string]*spell.Spell{}}, &fakeEmbedder{}, &fakeEmbeddingLookup{}, config.Default())
	res := r.Resolve(context.Background(), "find a project tracker")
	if res.Tier != TierNotFound {
		t.Errorf("Resolve() tier = %v, want not_found", res.Tier)
	}
}

func TestResolve_HighConfidenceActivates(t *testing.T) {
	pm := mustSpell(t, "project-manager", "Manage projects, tasks, and status", []string{"create", "project", "task", "status"})
	spells := map[string]*spell.Spell{"project-manager": pm}

	query := "create a new project task"
	hash := embedding.Hash(pm.IndexedText())

	src := &fakeSpellSource{spells: spells}
	embedder := &fakeEmbedder{vectors: map[string][]float32{query: {1, 0, 0}}}
	lookup := &fakeEmbeddingLookup{byHash: map[string][]float32{hash: {1, 0, 0}}}

	r := New(src, embedder, lookup, config.Default())
	res := r.Resolve(context.Background(), query)

	if res.Tier != TierActivated {
		t.Fatalf("Resolve() tier = %v, want activated (result: %+v)", res.Tier, res)
	}
	if res.Top.Name != "project-manager" {
		t.Errorf("Top.Name = %q, want project-manager", res.Top.Name)
	}
}

func TestResolve_AmbiguousQueryReturnsMultipleMatches(t *testing.T) {
	a := mustSpell(t, "stripe", "Manage payments", []string{"payments", "billing", "invoices"})
	b := mustSpell(t, "paypal", "Manage payments too", []string{"payments", "checkout", "invoices"})
	spells := map[string]*spell.Spell{"stripe": a, "paypal": b}

	query := "payments invoices"
	src := &fakeSpellSource{spells: spells}
	embedder := &fakeEmbedder{degrade: true}
	lookup := &fakeEmbeddingLookup{byHash: map[string][]float32{}}

	r := New(src, embedder, lookup, config.Default())
	res := r.Resolve(context.Background(), query)

	if res.Tier != TierMultipleMatches && res.Tier != TierWeakMatches {
		t.Fatalf("Resolve() tier = %v, want multiple_matches or weak_matches (near-identical keyword overlap), got %+v", res.Tier, res)
	}
	if len(res.Candidates) == 0 {
		t.Error("expected candidates to be populated")
	}
}

func TestResolve_NotFoundForUnrelatedQuery(t *testing.T) {
	pm := mustSpell(t, "project-manager", "Manage projects", []string{"create", "project", "task"})
	spells := map[string]*spell.Spell{"project-manager": pm}

	src := &fakeSpellSource{spells: spells}
	embedder := &fakeEmbedder{degrade: true}
	lookup := &fakeEmbeddingLookup{byHash: map[string][]float32{}}

	r := New(src, embedder, lookup, config.Default())
	res := r.Resolve(context.Background(), "completely unrelated gibberish query")

	if res.Tier != TierNotFound {
		t.Errorf("Resolve() tier = %v, want not_found", res.Tier)
	}
}

func TestResolve_EmbeddingFailureDegradesToKeywordOnly(t *testing.T) {
	pm := mustSpell(t, "project-manager", "Manage projects", []string{"create", "project", "task"})
	spells := map[string]*spell.Spell{"project-manager": pm}

	src := &fakeSpellSource{spells: spells}
	embedder := &fakeEmbedder{degrade: true}
	lookup := &fakeEmbeddingLookup{byHash: map[string][]float32{}}

	r := New(src, embedder, lookup, config.Default())
	res := r.Resolve(context.Background(), "create project task")

	if res.Tier == TierNotFound {
		t.Fatalf("Resolve() should still find a keyword match when embeddings degrade, got %+v", res)
	}
}

func TestSortCandidates_TieBreakOrder(t *testing.T) {
	candidates := []*Candidate{
		{Name: "b", Combined: 0.5, Vector: 0.5},
		{Name: "a", Combined: 0.5, Vector: 0.5},
		{Name: "c", Combined: 0.9, Vector: 0.1},
	}
	sortCandidates(candidates)
	if candidates[0].Name != "c" || candidates[1].Name != "a" || candidates[2].Name != "b" {
		t.Errorf("sortCandidates() order = %v, want [c a b]", names(candidates))
	}
}

func names(candidates []*Candidate) []string {
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.Name
	}
	return out
}

func TestJaccard_IdenticalSets(t *testing.T) {
	a := toSet([]string{"x", "y"})
	b := toSet([]string{"x", "y"})
	if got := jaccard(a, b); got != 1 {
		t.Errorf("jaccard() = %v, want 1", got)
	}
}

func TestJaccard_EmptySet(t *testing.T) {
	if got := jaccard(map[string]bool{}, toSet([]string{"x"})); got != 0 {
		t.Errorf("jaccard() = %v, want 0", got)
	}
}

func TestValidateQuery(t *testing.T) {
	tests := []struct {
		name    string
		args    map[string]any
		wantErr string
	}{
		{"nil args", nil, "args must be an object"},
		{"missing query", map[string]any{}, "query is empty"},
		{"non-string query", map[string]any{"query": 5}, "query must be a string"},
		{"blank query", map[string]any{"query": "   "}, "query is empty"},
		{"valid query", map[string]any{"query": "find a tool"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, msg := ValidateQuery(tt.args)
			if msg != tt.wantErr {
				t.Errorf("ValidateQuery() message = %q, want %q", msg, tt.wantErr)
			}
		})
	}
}
