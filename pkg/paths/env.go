package paths

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/stacklok/mcp-grimoire/pkg/logger"
)

var envKeyPattern = regexp.MustCompile(`^[A-Z_][A-Z0-9_]*$`)

const lockStaleAfter = 5 * time.Second

// EnvStore reads and writes the shared .env file that backs ${VAR}
// placeholder resolution in spell definitions.
type EnvStore struct {
	path string
}

// NewEnvStore opens the .env store rooted at the grimoire home directory.
func NewEnvStore() (*EnvStore, error) {
	path, err := EnvPath()
	if err != nil {
		return nil, err
	}
	return &EnvStore{path: path}, nil
}

// Get returns the value for key, and whether it was present.
func (s *EnvStore) Get(key string) (string, bool, error) {
	values, err := s.readAll()
	if err != nil {
		return "", false, err
	}
	v, ok := values[key]
	return v, ok, nil
}

// All returns a copy of every key/value pair currently stored.
func (s *EnvStore) All() (map[string]string, error) {
	return s.readAll()
}

// Set writes key=value, acquiring the cross-process lock, merging with the
// existing contents, and rewriting the file whole so repeated writes of the
// same key are idempotent.
func (s *EnvStore) Set(key, value string) error {
	if !envKeyPattern.MatchString(key) {
		return fmt.Errorf("invalid .env key %q: must match %s", key, envKeyPattern.String())
	}

	unlock, err := acquireLock(s.path, lockStaleAfter)
	if err != nil {
		return fmt.Errorf("acquiring .env lock: %w", err)
	}
	defer unlock()

	values, err := s.readAllLocked()
	if err != nil {
		return err
	}
	values[key] = value
	return s.writeAllLocked(values)
}

func (s *EnvStore) readAll() (map[string]string, error) {
	return s.readAllLocked()
}

func (s *EnvStore) readAllLocked() (map[string]string, error) {
	values := make(map[string]string)

	f, err := os.Open(s.path)
	if os.IsNotExist(err) {
		return values, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		values[strings.TrimSpace(key)] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func (s *EnvStore) writeAllLocked(values map[string]string) error {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(k)
		sb.WriteByte('=')
		sb.WriteString(values[k])
		sb.WriteByte('\n')
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, []byte(sb.String()), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// ResolvePlaceholder expands a spell env value that may be either a literal
// or a ${VAR} reference, checking the process environment first and then
// falling back to the .env store.
func (s *EnvStore) ResolvePlaceholder(value string) (string, error) {
	name, ok := placeholderName(value)
	if !ok {
		return value, nil
	}
	if v, ok := os.LookupEnv(name); ok {
		return v, nil
	}
	v, ok, err := s.Get(name)
	if err != nil {
		return "", err
	}
	if !ok {
		logger.Warnf("env placeholder %s not found in environment or .env store", name)
		return "", fmt.Errorf("unresolved placeholder ${%s}", name)
	}
	return v, nil
}

func placeholderName(value string) (string, bool) {
	if strings.HasPrefix(value, "${") && strings.HasSuffix(value, "}") {
		return value[2 : len(value)-1], true
	}
	return "", false
}

// acquireLock implements the atomic-mkdir sentinel-directory lock: a
// contended lock is retried with exponential backoff (50ms start, 1.5x
// factor, 500ms cap, 5s overall budget); a sentinel older than
// lockStaleAfter is considered abandoned by a crashed process and stolen.
func acquireLock(path string, staleAfter time.Duration) (unlock func(), err error) {
	lockDir := path + ".lock"

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 1.5
	b.MaxInterval = 500 * time.Millisecond

	_, operr := backoff.Retry(
		context.Background(),
		func() (struct{}, error) {
			if err := os.Mkdir(lockDir, 0o700); err == nil {
				return struct{}{}, nil
			} else if !os.IsExist(err) {
				return struct{}{}, backoff.Permanent(err)
			}

			if info, statErr := os.Stat(lockDir); statErr == nil && time.Since(info.ModTime()) > staleAfter {
				logger.Warnf(".env lock %s is stale, stealing it", lockDir)
				_ = os.Remove(lockDir)
			}
			return struct{}{}, fmt.Errorf("lock held")
		},
		backoff.WithBackOff(b),
		backoff.WithMaxElapsedTime(5*time.Second),
	)
	if operr != nil {
		return nil, fmt.Errorf("could not acquire lock %s: %w", lockDir, operr)
	}

	return func() {
		if err := os.Remove(lockDir); err != nil && !os.IsNotExist(err) {
			logger.Warnf("failed to release .env lock %s: %v", lockDir, err)
		}
	}, nil
}
