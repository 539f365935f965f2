// Package embedding provides a client for an Ollama-compatible embedding
// service, fronted by an in-memory LRU cache and backed by the on-disk
// embedding store for cross-process reuse.
package embedding

import (
	"bytes"
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-grimoire/pkg/embedstore"
	"github.com/stacklok/mcp-grimoire/pkg/logger"
)

// requestBody is the Ollama /api/embeddings request shape.
type requestBody struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

// responseBody is the Ollama /api/embeddings response shape.
type responseBody struct {
	Embedding []float32 `json:"embedding"`
}

// Client embeds text via an Ollama-compatible HTTP endpoint, with an
// in-memory LRU cache in front of the HTTP call and the persistent
// embedstore.Store behind it, so an identical hash is embedded at most
// once per process lifetime (and, across restarts, at most once ever).
type Client struct {
	httpClient *http.Client
	serviceURL string
	model      string

	store *embedstore.Store

	inflight singleflight.Group

	mu       sync.Mutex
	lru      *list.List
	index    map[string]*list.Element
	capacity int

	hits   int64
	misses int64
}

type lruEntry struct {
	hash   string
	vector []float32
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the embedding model name sent to the service.
func WithModel(model string) Option {
	return func(c *Client) { c.model = model }
}

// WithHTTPClient overrides the HTTP client used for embedding requests.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.httpClient = h }
}

// WithCacheCapacity overrides the in-memory LRU cache size.
func WithCacheCapacity(n int) Option {
	return func(c *Client) { c.capacity = n }
}

const defaultCacheCapacity = 512

// New creates a Client that calls serviceURL and persists results in store.
func New(serviceURL string, store *embedstore.Store, opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		serviceURL: serviceURL,
		model:      "nomic-embed-text",
		store:      store,
		lru:        list.New(),
		index:      make(map[string]*list.Element),
		capacity:   defaultCacheCapacity,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Hash returns the stable cache key for a piece of text.
func Hash(text string) string {
	sum := sha256.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

// Embed returns the embedding vector for text, serving from the
// in-memory LRU cache, then the persisted store, and only calling the
// remote service on a full miss. The result is cached in both layers.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	hash := Hash(text)

	if v, ok := c.getLRU(hash); ok {
		return v, nil
	}

	if c.store != nil {
		if v, ok := c.store.Get(hash); ok {
			c.putLRU(hash, v)
			return v, nil
		}
	}

	// singleflight collapses concurrent Embed calls for the same hash into
	// one outbound HTTP request.
	result, err, _ := c.inflight.Do(hash, func() (interface{}, error) {
		return c.fetch(ctx, text)
	})
	if err != nil {
		return nil, err
	}
	vector := result.([]float32)

	c.putLRU(hash, vector)
	if c.store != nil {
		c.store.Set(hash, vector)
	}
	return vector, nil
}

func (c *Client) fetch(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(requestBody{Model: c.model, Prompt: text})
	if err != nil {
		return nil, fmt.Errorf("encoding embedding request: %w", err)
	}

	url := c.serviceURL + "/api/embeddings"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building embedding request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling embedding service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embedding service returned status %d", resp.StatusCode)
	}

	var out responseBody
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding embedding response: %w", err)
	}
	if len(out.Embedding) == 0 {
		return nil, fmt.Errorf("embedding service returned empty vector")
	}
	return out.Embedding, nil
}

func (c *Client) getLRU(hash string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	el, ok := c.index[hash]
	if !ok {
		c.misses++
		return nil, false
	}
	c.hits++
	c.lru.MoveToFront(el)
	return el.Value.(*lruEntry).vector, true
}

func (c *Client) putLRU(hash string, vector []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if el, ok := c.index[hash]; ok {
		el.Value.(*lruEntry).vector = vector
		c.lru.MoveToFront(el)
		return
	}

	el := c.lru.PushFront(&lruEntry{hash: hash, vector: vector})
	c.index[hash] = el

	if c.lru.Len() > c.capacity {
		oldest := c.lru.Back()
		if oldest != nil {
			c.lru.Remove(oldest)
			delete(c.index, oldest.Value.(*lruEntry).hash)
		}
	}
}

// Stats reports cumulative in-memory cache hit/miss counts.
func (c *Client) Stats() (hits, misses int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.hits, c.misses
}

// EmbedOrDegrade embeds text, logging and returning (nil, false) instead of
// an error on failure so callers can fall back to keyword-only scoring
// rather than failing resolution outright.
func (c *Client) EmbedOrDegrade(ctx context.Context, text string) ([]float32, bool) {
	vector, err := c.Embed(ctx, text)
	if err != nil {
		logger.Warnf("embedding service unavailable, degrading to keyword-only scoring: %v", err)
		return nil, false
	}
	return vector, true
}
