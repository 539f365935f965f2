// Package paths locates the grimoire home directory and exposes the
// well-known file paths beneath it: the spell directory itself, the
// embedding cache file, and the .env secrets file.
package paths

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/adrg/xdg"
)

const (
	embeddingCacheFile = "embeddings.msgpack"
	envFile            = ".env"
	homeEnvVar         = "GRIMOIRE_HOME"
)

// Store resolves and caches the grimoire home directory. It is resettable
// so tests can point it at a fresh temp directory by mutating GRIMOIRE_HOME
// and calling Reset.
type Store struct {
	mu   sync.Mutex
	home string
}

var defaultStore = &Store{}

// Home returns the resolved grimoire home directory, creating it with
// owner-only permissions on POSIX if it does not yet exist.
func Home() (string, error) {
	return defaultStore.Home()
}

// Reset clears the cached home directory so the next call to Home()
// re-resolves it from the environment. Used by tests that mutate
// GRIMOIRE_HOME between cases.
func Reset() {
	defaultStore.Reset()
}

// SpellDir returns the directory spell files live in (same as Home).
func SpellDir() (string, error) {
	return Home()
}

// EmbeddingCachePath returns {home}/embeddings.msgpack.
func EmbeddingCachePath() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, embeddingCacheFile), nil
}

// EnvPath returns {home}/.env.
func EnvPath() (string, error) {
	home, err := Home()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, envFile), nil
}

// Home resolves the grimoire home directory: GRIMOIRE_HOME if set,
// otherwise the platform convention ~/.grimoire.
func (s *Store) Home() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.home != "" {
		return s.home, nil
	}

	home, err := resolveHome()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(home, 0o700); err != nil {
		return "", err
	}
	if err := tightenPermissions(home); err != nil {
		return "", err
	}

	s.home = home
	return s.home, nil
}

// Reset clears the cached directory.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.home = ""
}

func resolveHome() (string, error) {
	if override := os.Getenv(homeEnvVar); override != "" {
		return filepath.Abs(override)
	}
	return filepath.Join(xdg.Home, ".grimoire"), nil
}
