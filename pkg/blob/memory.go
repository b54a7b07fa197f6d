package blob

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"sync"

	"github.com/Rational-Boxes/depot/pkg/types"
)

// Memory is a map-backed Store used by tests in place of the remote tier.
// It enforces the same append-only semantics as the S3 store and can inject
// a fixed number of failures per key.
type Memory struct {
	mu            sync.Mutex
	m             map[string][]byte
	appendOnly    bool
	failPutsLeft  map[string]int
	unavailable   bool
	bucketPresent bool
}

// NewMemory returns an empty in-memory store. appendOnly selects remote-tier
// semantics (no deletes, no divergent overwrites).
func NewMemory(appendOnly bool) *Memory {
	return &Memory{
		m:             make(map[string][]byte),
		appendOnly:    appendOnly,
		failPutsLeft:  make(map[string]int),
		bucketPresent: true,
	}
}

// FailNextPut makes the next n Puts of the given key fail.
func (s *Memory) FailNextPut(uid, versionTS, tenant string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPutsLeft[s.PathFor(uid, versionTS, tenant)] = n
}

// SetUnavailable toggles whole-store unavailability (bucket probe failures).
func (s *Memory) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unavailable = down
}

// SetBucketPresent toggles the bucket probe's answer while the store itself
// stays reachable, so Initialize can recreate it.
func (s *Memory) SetBucketPresent(present bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.bucketPresent = present
}

// PathFor mirrors the remote key layout.
func (s *Memory) PathFor(uid, versionTS, tenant string) string {
	return path.Join(tenant, uid, versionTS)
}

// Put stores the payload under the derived key.
func (s *Memory) Put(_ context.Context, uid, versionTS string, data []byte, tenant string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := s.PathFor(uid, versionTS, tenant)
	if s.unavailable {
		return "", fmt.Errorf("store down: %w", types.ErrIO)
	}
	if n := s.failPutsLeft[key]; n > 0 {
		s.failPutsLeft[key] = n - 1
		return "", fmt.Errorf("injected failure for %q: %w", key, types.ErrIO)
	}
	if existing, ok := s.m[key]; ok && s.appendOnly {
		if bytes.Equal(existing, data) {
			return key, nil
		}
		return "", fmt.Errorf("key %q: %w", key, types.ErrAppendOnly)
	}
	s.m[key] = append([]byte(nil), data...)
	return key, nil
}

// Get returns a copy of the payload at key.
func (s *Memory) Get(_ context.Context, storagePath, tenant string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return nil, fmt.Errorf("store down: %w", types.ErrIO)
	}
	data, ok := s.m[storagePath]
	if !ok {
		return nil, fmt.Errorf("key %q: %w", storagePath, types.ErrNotFound)
	}
	return append([]byte(nil), data...), nil
}

// Exists reports key presence.
func (s *Memory) Exists(_ context.Context, storagePath, tenant string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, fmt.Errorf("store down: %w", types.ErrIO)
	}
	_, ok := s.m[storagePath]
	return ok, nil
}

// Delete removes the key, or refuses in append-only mode.
func (s *Memory) Delete(_ context.Context, storagePath, tenant string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendOnly {
		return fmt.Errorf("delete of %q rejected: %w", storagePath, types.ErrAppendOnly)
	}
	delete(s.m, storagePath)
	return nil
}

// BucketExists mirrors the S3 health probe.
func (s *Memory) BucketExists(_ context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return false, fmt.Errorf("store down: %w", types.ErrIO)
	}
	return s.bucketPresent, nil
}

// Initialize mirrors the S3 bucket bootstrap.
func (s *Memory) Initialize(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.unavailable {
		return fmt.Errorf("store down: %w", types.ErrIO)
	}
	s.bucketPresent = true
	return nil
}

// Len reports how many payloads are stored.
func (s *Memory) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.m)
}
