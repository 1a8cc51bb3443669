package cache

import (
	"context"
	"encoding/json"
	"path"
	"sync"
	"time"

	"github.com/planware/syncd/server/model"
)

// MemoryStore is the in-process Store used for tests and single-node
// development. Memory numbers are best-effort estimates from serialized
// value sizes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]memoryEntry
	used    int64
	peak    int64
	expired int64
	now     func() time.Time
}

type memoryEntry struct {
	data      []byte
	expiresAt time.Time
}

// NewMemoryStore creates an empty store and starts its expiry janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]memoryEntry),
		now:     time.Now,
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		s.mu.Lock()
		s.evictLocked(key)
		s.expired++
		s.mu.Unlock()
		return nil, false, nil
	}
	return e.data, true, nil
}

func (s *MemoryStore) Set(ctx context.Context, key string, value any, kind model.EntityKind) error {
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.entries[key]; ok {
		s.used -= int64(len(old.data))
	}
	s.entries[key] = memoryEntry{data: data, expiresAt: s.now().Add(TTLFor(kind))}
	s.used += int64(len(data))
	if s.used > s.peak {
		s.peak = s.used
	}
	return nil
}

func (s *MemoryStore) Del(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.evictLocked(key)
	return nil
}

func (s *MemoryStore) InvalidatePattern(ctx context.Context, pattern string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	deleted := 0
	for key := range s.entries {
		if ok, _ := path.Match(pattern, key); ok {
			s.evictLocked(key)
			deleted++
		}
	}
	return deleted, nil
}

func (s *MemoryStore) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := Stats{
		TotalKeys:    len(s.entries),
		KeysByPrefix: make(map[string]int),
		MemoryUsed:   s.used,
		MemoryPeak:   s.peak,
		ExpiredCount: s.expired,
	}
	for key := range s.entries {
		stats.KeysByPrefix[Prefix(key)]++
	}
	return stats, nil
}

func (s *MemoryStore) Close() error { return nil }

func (s *MemoryStore) evictLocked(key string) {
	if e, ok := s.entries[key]; ok {
		s.used -= int64(len(e.data))
		delete(s.entries, key)
	}
}

// janitor prunes expired entries so memory estimates stay honest even for
// keys nobody reads again.
func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for range ticker.C {
		now := s.now()
		s.mu.Lock()
		for key, e := range s.entries {
			if now.After(e.expiresAt) {
				s.evictLocked(key)
				s.expired++
			}
		}
		s.mu.Unlock()
	}
}
