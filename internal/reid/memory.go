package reid

import (
	"context"
	"path"
	"sort"
	"sync"
	"time"

	"github.com/banshee-data/footfall.report/internal/timeutil"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time
}

// MemoryStore is a process-local Store. It backs tests and serves as the
// identity manager's fallback while the KV backend is down.
type MemoryStore struct {
	clock timeutil.Clock

	mu      sync.Mutex
	entries map[string]memoryEntry
}

// NewMemoryStore creates an empty store on the real clock.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithClock(timeutil.RealClock{})
}

// NewMemoryStoreWithClock creates an empty store whose TTLs follow clock.
func NewMemoryStoreWithClock(clock timeutil.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock,
		entries: make(map[string]memoryEntry),
	}
}

// Get returns the live value at key. Expired entries are dropped lazily.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[key]
	if !ok {
		return "", false, nil
	}
	if s.clock.Now().After(e.expiresAt) {
		delete(s.entries, key)
		return "", false, nil
	}
	return e.value, true, nil
}

// SetEx writes key with a TTL.
func (s *MemoryStore) SetEx(_ context.Context, key, value string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[key] = memoryEntry{
		value:     value,
		expiresAt: s.clock.Now().Add(ttl),
	}
	return nil
}

// Scan returns live keys matching a glob pattern, sorted for determinism.
// Expired entries encountered on the way are dropped.
func (s *MemoryStore) Scan(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	var keys []string
	for key, e := range s.entries {
		if now.After(e.expiresAt) {
			delete(s.entries, key)
			continue
		}
		if ok, _ := path.Match(pattern, key); ok {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// DeleteMatch removes all keys matching a glob pattern and reports how
// many went.
func (s *MemoryStore) DeleteMatch(pattern string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); ok {
			delete(s.entries, key)
			n++
		}
	}
	return n
}

// Len returns the number of stored entries, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}
