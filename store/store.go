// Package store implements content-addressed storage of immutable application
// bundles. Archives are keyed by the hex sha256 of their bytes; identical
// content is stored exactly once.
package store

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/tomyedwab/hatch/bundle"
)

// ErrNotFound is returned by Get for hashes that were never stored or have
// been garbage-collected.
var ErrNotFound = errors.New("bundle not found")

const archiveExt = ".zip"

// Store persists bundle archives under a single directory, one file per
// content hash. It exclusively owns version byte content: bytes are never
// re-interpreted or rewritten after the hash is computed.
type Store struct {
	dir    string
	logger zerolog.Logger

	mu         sync.Mutex
	superseded map[string]time.Time // hash -> when it stopped being referenced
}

// New creates the storage directory if needed and returns a Store.
func New(dir string, logger zerolog.Logger) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &Store{
		dir:        dir,
		logger:     logger.With().Str("component", "store").Logger(),
		superseded: make(map[string]time.Time),
	}, nil
}

// Put validates and stores archive bytes, returning their content hash. It is
// idempotent: storing identical bytes twice returns the same hash without
// duplicating storage. Payloads that cannot be unpacked into a well-formed
// module plus route table fail with bundle.ErrCorruptArchive and are not
// stored.
func (s *Store) Put(data []byte) (string, error) {
	if _, err := bundle.Parse(data); err != nil {
		return "", err
	}
	hash := bundle.Hash(data)

	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.path(hash)
	if _, err := os.Stat(path); err == nil {
		delete(s.superseded, hash)
		return hash, nil
	}

	// Write to a temp file first so a crash never leaves a partial archive
	// under a valid hash name.
	tmp, err := os.CreateTemp(s.dir, "put-*")
	if err != nil {
		return "", fmt.Errorf("store bundle: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store bundle: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store bundle: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("store bundle: %w", err)
	}

	delete(s.superseded, hash)
	s.logger.Info().Str("hash", hash).Int("bytes", len(data)).Msg("bundle stored")
	return hash, nil
}

// Get returns the archive bytes for a hash, or ErrNotFound.
func (s *Store) Get(hash string) ([]byte, error) {
	data, err := os.ReadFile(s.path(hash))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, hash)
	}
	if err != nil {
		return nil, err
	}
	return data, nil
}

// Hashes lists every stored content hash.
func (s *Store) Hashes() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var hashes []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, archiveExt) {
			continue
		}
		hashes = append(hashes, strings.TrimSuffix(name, archiveExt))
	}
	return hashes, nil
}

// Sweep garbage-collects stored archives that are not in the referenced set
// and have been unreferenced for at least grace. The first sweep that finds an
// archive unreferenced only starts its grace clock; a later sweep removes it.
// Returns the hashes removed.
func (s *Store) Sweep(referenced map[string]bool, grace time.Duration) ([]string, error) {
	hashes, err := s.Hashes()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	var removed []string
	for _, hash := range hashes {
		if referenced[hash] {
			delete(s.superseded, hash)
			continue
		}
		since, ok := s.superseded[hash]
		if !ok {
			s.superseded[hash] = now
			continue
		}
		if now.Sub(since) < grace {
			continue
		}
		if err := os.Remove(s.path(hash)); err != nil {
			s.logger.Warn().Err(err).Str("hash", hash).Msg("failed to remove retired bundle")
			continue
		}
		delete(s.superseded, hash)
		removed = append(removed, hash)
		s.logger.Info().Str("hash", hash).Msg("retired bundle garbage-collected")
	}
	return removed, nil
}

func (s *Store) path(hash string) string {
	return filepath.Join(s.dir, hash+archiveExt)
}
