// Package resolver implements the hybrid keyword+vector scoring that maps
// a free-text query to a ranked set of spells.
package resolver

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"github.com/stacklok/mcp-grimoire/pkg/config"
	"github.com/stacklok/mcp-grimoire/pkg/embedding"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

// Tier is the decision tier a query resolves to.
type Tier string

// Tiers, in descending confidence order.
const (
	TierActivated       Tier = "activated"
	TierMultipleMatches Tier = "multiple_matches"
	TierWeakMatches     Tier = "weak_matches"
	TierNotFound        Tier = "not_found"
)

// MatchType describes which scoring signal(s) contributed to a match.
type MatchType string

// Match types.
const (
	MatchKeyword MatchType = "keyword"
	MatchVector  MatchType = "vector"
	MatchBoth    MatchType = "both"
)

// Candidate is one spell's score against a query.
type Candidate struct {
	Name        string
	Description string
	Keywords    []string
	Keyword     float64
	Vector      float64
	Combined    float64
	MatchType   MatchType
}

// Result is the outcome of resolving one query.
type Result struct {
	Tier       Tier
	Message    string
	Top        *Candidate   // set only when Tier == TierActivated
	Candidates []*Candidate // up to MaxAlternatives, set for multiple/weak matches
}

var tokenPattern = regexp.MustCompile(`[^a-z0-9]+`)

func tokenize(text string) []string {
	lower := strings.ToLower(text)
	fields := tokenPattern.Split(lower, -1)
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if f != "" {
			tokens = append(tokens, f)
		}
	}
	return tokens
}

// Embedder is the subset of embedding.Client the resolver depends on,
// seamed out for testing.
type Embedder interface {
	EmbedOrDegrade(ctx context.Context, text string) ([]float32, bool)
}

// SpellSource is the subset of spell.Discovery the resolver depends on.
type SpellSource interface {
	GetSpells() map[string]*spell.Spell
}

// EmbeddingLookup is the subset of embedstore.Store the resolver depends on
// to fetch a spell's cached embedding by its indexed-text hash.
type EmbeddingLookup interface {
	Get(hash string) ([]float32, bool)
}

// Resolver scores queries against the live spell set.
type Resolver struct {
	spells    SpellSource
	embedder  Embedder
	embeddings EmbeddingLookup
	cfg       *config.Config
}

// New creates a Resolver.
func New(spells SpellSource, embedder Embedder, embeddings EmbeddingLookup, cfg *config.Config) *Resolver {
	return &Resolver{spells: spells, embedder: embedder, embeddings: embeddings, cfg: cfg}
}

// Resolve scores query against every known spell and returns a tiered Result.
//
// query must already have passed the validation in ValidateQuery; Resolve
// itself only trims and truncates, since malformed-input handling is the
// gateway's responsibility (it needs the raw error message before scoring).
func (r *Resolver) Resolve(ctx context.Context, query string) *Result {
	query = strings.TrimSpace(query)
	if query == "" {
		return &Result{Tier: TierNotFound, Message: "query is empty"}
	}

	spells := r.spells.GetSpells()
	if len(spells) == 0 {
		return &Result{Tier: TierNotFound, Message: "no spells available", Candidates: nil}
	}

	queryTokens := tokenize(query)
	if len(queryTokens) > r.cfg.ResolverTiers.MaxQueryTokens {
		queryTokens = queryTokens[:r.cfg.ResolverTiers.MaxQueryTokens]
	}
	queryTokenSet := toSet(queryTokens)

	queryVector, haveVector := r.embedder.EmbedOrDegrade(ctx, query)

	candidates := make([]*Candidate, 0, len(spells))
	for _, s := range spells {
		candidates = append(candidates, r.score(s, queryTokenSet, queryVector, haveVector))
	}

	sortCandidates(candidates)

	top1 := candidates[0]
	var top2 *Candidate
	if len(candidates) > 1 {
		top2 = candidates[1]
	}

	tiers := r.cfg.ResolverTiers
	switch {
	case top1.Combined >= tiers.Activated:
		return &Result{Tier: TierActivated, Top: top1}
	case top1.Combined >= tiers.MultipleMatches || marginTooSmall(top1, top2, tiers.AmbiguityMargin):
		return &Result{Tier: TierMultipleMatches, Candidates: truncate(candidates, tiers.MaxAlternatives)}
	case top1.Combined >= tiers.WeakMatches:
		return &Result{Tier: TierWeakMatches, Candidates: truncate(candidates, tiers.MaxAlternatives)}
	default:
		return &Result{Tier: TierNotFound, Message: "no spell matched the query"}
	}
}

func marginTooSmall(top1, top2 *Candidate, margin float64) bool {
	if top2 == nil {
		return false
	}
	return (top1.Combined - top2.Combined) < margin
}

func (r *Resolver) score(s *spell.Spell, queryTokenSet map[string]bool, queryVector []float32, haveVector bool) *Candidate {
	nameTokens := tokenize(s.Name)
	keywordTokens := make([]string, 0, len(s.Keywords)+len(nameTokens))
	keywordTokens = append(keywordTokens, nameTokens...)
	for _, kw := range s.Keywords {
		keywordTokens = append(keywordTokens, tokenize(kw)...)
	}
	spellTokenSet := toSet(keywordTokens)

	keywordScore := jaccard(queryTokenSet, spellTokenSet)

	var vectorScore float64
	if haveVector {
		hash := embedding.Hash(s.IndexedText())
		if cached, ok := r.embeddings.Get(hash); ok {
			vectorScore = clamp01(embedding.CosineSimilarity(queryVector, cached))
		}
	}

	weights := r.cfg.ResolverWeights
	combined := weights.Keyword*keywordScore + weights.Vector*vectorScore
	if !haveVector {
		// Keyword-only scoring when the query could not be embedded: the
		// keyword score is the whole combined score, against the same tiers.
		combined = keywordScore
	}

	matchType := matchTypeFor(keywordScore, vectorScore)

	return &Candidate{
		Name:        s.Name,
		Description: s.Description,
		Keywords:    s.Keywords,
		Keyword:     keywordScore,
		Vector:      vectorScore,
		Combined:    combined,
		MatchType:   matchType,
	}
}

func matchTypeFor(keywordScore, vectorScore float64) MatchType {
	const signalThreshold = 0
	switch {
	case keywordScore > signalThreshold && vectorScore > signalThreshold:
		return MatchBoth
	case vectorScore > signalThreshold:
		return MatchVector
	default:
		return MatchKeyword
	}
}

func toSet(tokens []string) map[string]bool {
	set := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		set[t] = true
	}
	return set
}

// jaccard computes |a ∩ b| / |a ∪ b|, the token-overlap keyword score.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	intersection := 0
	for t := range a {
		if b[t] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

// sortCandidates orders by combined desc, vector desc, name asc, matching
// the resolver's documented tie-break rule.
func sortCandidates(candidates []*Candidate) {
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Combined != b.Combined {
			return a.Combined > b.Combined
		}
		if a.Vector != b.Vector {
			return a.Vector > b.Vector
		}
		return a.Name < b.Name
	})
}

func truncate(candidates []*Candidate, max int) []*Candidate {
	if len(candidates) <= max {
		return candidates
	}
	return candidates[:max]
}
