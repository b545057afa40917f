package store

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/iliyamo/ticketing-core/internal/clock"
)

type memoryEntry struct {
	value     string
	expiresAt time.Time // zero means no expiry
}

// MemoryStore is a single-process AtomicStore.  It gives the same atomicity
// as RedisStore within one process and is used when no Redis is configured
// (APP_ENV=dev) and by tests.  Expired keys are invisible immediately; Sweep
// reclaims their memory.
type MemoryStore struct {
	mu    sync.Mutex
	items map[string]memoryEntry
	clock clock.Clock
}

// NewMemoryStore returns an empty store reading time from c.
func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{items: make(map[string]memoryEntry), clock: c}
}

// live returns the entry at key if it has not expired.  Caller holds mu.
func (s *MemoryStore) live(key string, now time.Time) (memoryEntry, bool) {
	e, ok := s.items[key]
	if !ok {
		return memoryEntry{}, false
	}
	if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
		delete(s.items, key)
		return memoryEntry{}, false
	}
	return e, true
}

func (s *MemoryStore) ConditionalSet(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, backendErr("conditional set", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	if _, ok := s.live(key, now); ok {
		return false, nil
	}
	s.items[key] = memoryEntry{value: value, expiresAt: now.Add(clampTTL(ttl))}
	return true, nil
}

func (s *MemoryStore) IncrementWithCeiling(ctx context.Context, key string, limit int64, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, backendErr("increment", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	var current int64
	if e, ok := s.live(key, now); ok {
		current, _ = strconv.ParseInt(e.value, 10, 64)
	}
	if current+1 > limit {
		return false, nil
	}
	s.items[key] = memoryEntry{value: strconv.FormatInt(current+1, 10), expiresAt: now.Add(clampTTL(ttl))}
	return true, nil
}

func (s *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, backendErr("compare and delete", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, s.clock.Now())
	if !ok || e.value != expected {
		return false, nil
	}
	delete(s.items, key)
	return true, nil
}

func (s *MemoryStore) CompareAndSwap(ctx context.Context, key, expected, value string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, backendErr("compare and swap", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, s.clock.Now())
	if !ok || e.value != expected {
		return false, nil
	}
	e.value = value
	s.items[key] = e
	return true, nil
}

func (s *MemoryStore) CompareAndExpire(ctx context.Context, key, expected, value string, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, backendErr("compare and expire", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	e, ok := s.live(key, now)
	if !ok || e.value != expected {
		return false, nil
	}
	s.items[key] = memoryEntry{value: value, expiresAt: now.Add(clampTTL(ttl))}
	return true, nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, backendErr("get", key, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.live(key, s.clock.Now())
	if !ok {
		return "", false, nil
	}
	return e.value, true, nil
}

// Sweep drops every expired key and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clock.Now()
	removed := 0
	for k, e := range s.items {
		if !e.expiresAt.IsZero() && !now.Before(e.expiresAt) {
			delete(s.items, k)
			removed++
		}
	}
	return removed
}

// Len reports how many keys are stored, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
