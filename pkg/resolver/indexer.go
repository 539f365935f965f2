package resolver

import (
	"context"

	"github.com/stacklok/mcp-grimoire/pkg/logger"
	"github.com/stacklok/mcp-grimoire/pkg/spell"
)

// SpellWatcher is the subset of spell.Discovery the indexer depends on: the
// live spell map plus the change feed that tells it when to re-embed.
type SpellWatcher interface {
	SpellSource
	GetSpell(name string) (*spell.Spell, bool)
	Subscribe() <-chan spell.Event
}

// Indexer keeps the embedding store populated with every known spell's
// vector, a concern separate from scoring a query against that store:
// resolving a query only reads spell vectors from the store (score,
// resolver.go); the only thing it writes there is the query's own
// embedding, cached by the embedding client. Mirrors the teacher's
// batch-embed-then-query split for indexed items.
type Indexer struct {
	spells   SpellWatcher
	embedder Embedder
}

// NewIndexer creates an Indexer over spells, embedding through embedder.
func NewIndexer(spells SpellWatcher, embedder Embedder) *Indexer {
	return &Indexer{spells: spells, embedder: embedder}
}

// IndexAll embeds every currently known spell. Call once at startup,
// before serving, so spells already on disk have a populated cache
// before the first resolve_intent call.
func (ix *Indexer) IndexAll(ctx context.Context) {
	for _, s := range ix.spells.GetSpells() {
		ix.indexOne(ctx, s)
	}
}

// Watch indexes spells as discovery reports them added or modified, until
// ctx is cancelled or the event channel closes. Removed spells are left
// in the embedding store; a stale, unreferenced entry does no harm and
// will simply never be looked up again.
func (ix *Indexer) Watch(ctx context.Context) {
	events := ix.spells.Subscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			if ev.Kind == spell.EventRemoved {
				continue
			}
			s, ok := ix.spells.GetSpell(ev.Name)
			if !ok {
				continue
			}
			ix.indexOne(ctx, s)
		}
	}
}

func (ix *Indexer) indexOne(ctx context.Context, s *spell.Spell) {
	if _, ok := ix.embedder.EmbedOrDegrade(ctx, s.IndexedText()); !ok {
		logger.Warnf("failed to index spell %q, vector scoring degraded for it until the next successful embed", s.Name)
	}
}
