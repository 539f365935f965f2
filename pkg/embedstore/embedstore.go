// Package embedstore persists embedding vectors and lifecycle metadata in
// a single CBOR-encoded file, with debounced, atomic writes.
package embedstore

import (
	"os"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gofrs/flock"

	"github.com/stacklok/mcp-grimoire/pkg/logger"
)

// LifecycleMetadata is the persisted record the lifecycle manager uses to
// recover turn state and reap orphaned child processes across restarts.
type LifecycleMetadata struct {
	TurnCounter  int64            `cbor:"turn_counter"`
	LastUsedTurn map[string]int64 `cbor:"last_used_turn"`
	ActivePIDs   map[string]int   `cbor:"active_pids"`
}

// envelope is the exact on-disk shape of the embedding cache file.
type envelope struct {
	Embeddings map[string][]float32 `cbor:"embeddings"`
	Lifecycle  LifecycleMetadata    `cbor:"lifecycle"`
}

func emptyEnvelope() envelope {
	return envelope{
		Embeddings: make(map[string][]float32),
		Lifecycle: LifecycleMetadata{
			LastUsedTurn: make(map[string]int64),
			ActivePIDs:   make(map[string]int),
		},
	}
}

// Store is the single-writer embedding + lifecycle cache. Reads are
// lock-protected in memory; writes are coalesced by a debounce timer and
// flushed to disk atomically (temp file + rename).
type Store struct {
	path string

	mu   sync.RWMutex
	data envelope

	debounce     time.Duration
	timerMu      sync.Mutex
	pendingTimer *time.Timer
}

// New creates a Store bound to path, without loading it yet.
func New(path string, debounce time.Duration) *Store {
	return &Store{path: path, data: emptyEnvelope(), debounce: debounce}
}

// flockPath is the sidecar lock file guarding cross-process access to the
// embedding cache, distinct from the debounce timer that serializes
// writes within one process.
func (s *Store) flockPath() string {
	return s.path + ".flock"
}

// Load reads the on-disk file if present. A missing or truncated file is
// tolerated by starting empty; callers should treat Load as best-effort.
func (s *Store) Load() error {
	lock := flock.New(s.flockPath())
	if err := lock.RLock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	raw, err := os.ReadFile(s.path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}

	var env envelope
	if err := cbor.Unmarshal(raw, &env); err != nil {
		logger.Warnf("embedding cache %s is corrupt, starting empty: %v", s.path, err)
		s.quarantine()
		return nil
	}

	if env.Embeddings == nil {
		env.Embeddings = make(map[string][]float32)
	}
	if env.Lifecycle.LastUsedTurn == nil {
		env.Lifecycle.LastUsedTurn = make(map[string]int64)
	}
	if env.Lifecycle.ActivePIDs == nil {
		env.Lifecycle.ActivePIDs = make(map[string]int)
	}

	s.mu.Lock()
	s.data = env
	s.mu.Unlock()
	return nil
}

// quarantine renames a corrupt cache file aside so a fresh one can be
// written without losing the evidence of what went wrong.
func (s *Store) quarantine() {
	if err := os.Rename(s.path, s.path+".corrupt"); err != nil && !os.IsNotExist(err) {
		logger.Warnf("failed to quarantine corrupt embedding cache %s: %v", s.path, err)
	}
}

// Get returns the cached vector for hash, if present.
func (s *Store) Get(hash string) ([]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data.Embeddings[hash]
	return v, ok
}

// Set stores vector under hash and schedules a debounced save.
func (s *Store) Set(hash string, vector []float32) {
	s.mu.Lock()
	s.data.Embeddings[hash] = vector
	s.mu.Unlock()
	s.scheduleSave()
}

// Each iterates every stored (hash, vector) pair.
func (s *Store) Each(fn func(hash string, vector []float32)) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for h, v := range s.data.Embeddings {
		fn(h, v)
	}
}

// GetLifecycleMetadata returns a copy of the persisted lifecycle record.
func (s *Store) GetLifecycleMetadata() LifecycleMetadata {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyLifecycle(s.data.Lifecycle)
}

// SetLifecycleMetadata replaces the persisted lifecycle record and
// schedules a debounced save.
func (s *Store) SetLifecycleMetadata(meta LifecycleMetadata) {
	s.mu.Lock()
	s.data.Lifecycle = copyLifecycle(meta)
	s.mu.Unlock()
	s.scheduleSave()
}

func copyLifecycle(meta LifecycleMetadata) LifecycleMetadata {
	out := LifecycleMetadata{
		TurnCounter:  meta.TurnCounter,
		LastUsedTurn: make(map[string]int64, len(meta.LastUsedTurn)),
		ActivePIDs:   make(map[string]int, len(meta.ActivePIDs)),
	}
	for k, v := range meta.LastUsedTurn {
		out.LastUsedTurn[k] = v
	}
	for k, v := range meta.ActivePIDs {
		out.ActivePIDs[k] = v
	}
	return out
}

// scheduleSave coalesces mutations into a single pending write: a new
// mutation resets the timer rather than queuing another write.
func (s *Store) scheduleSave() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()

	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
	}
	s.pendingTimer = time.AfterFunc(s.debounce, func() {
		if err := s.Save(); err != nil {
			logger.Errorf("failed to persist embedding cache: %v", err)
		}
	})
}

// Save flushes the current in-memory state to disk immediately,
// atomically (write to a temp file, then rename). Safe to call
// concurrently with Get/Set; also invoked explicitly on shutdown.
func (s *Store) Save() error {
	// Encode under the read lock: Set mutates the embeddings map in place.
	s.mu.RLock()
	raw, err := cbor.Marshal(s.data)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	lock := flock.New(s.flockPath())
	if err := lock.Lock(); err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// Flush cancels any pending debounced write and saves immediately. Call on
// shutdown so the last mutation is never lost to process exit.
func (s *Store) Flush() error {
	s.timerMu.Lock()
	if s.pendingTimer != nil {
		s.pendingTimer.Stop()
		s.pendingTimer = nil
	}
	s.timerMu.Unlock()
	return s.Save()
}
