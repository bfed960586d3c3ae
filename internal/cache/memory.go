package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sync"
	"time"
)

type memEntry struct {
	data      []byte
	expiresAt time.Time // zero means no expiry
}

func (e memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// Memory is an in-process Store with the same TTL and glob semantics as
// the Redis backend. It serves tests and single-instance deployments that
// run without Redis. MaxItems, when positive, caps the map with
// best-effort eviction (expired entries first, then arbitrary).
type Memory struct {
	MaxItems int

	mu    sync.RWMutex
	items map[string]memEntry
}

func NewMemory() *Memory {
	return &Memory{items: make(map[string]memEntry)}
}

var _ Store = (*Memory)(nil)

func (m *Memory) Get(_ context.Context, key string, dest any) (bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	if !ok || e.expired(time.Now()) {
		return false, nil
	}
	if err := json.Unmarshal(e.data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (m *Memory) Set(_ context.Context, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	m.mu.Lock()
	m.items[key] = memEntry{data: data, expiresAt: expiresAt}
	if m.MaxItems > 0 && len(m.items) > m.MaxItems {
		m.evictLocked()
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) evictLocked() {
	now := time.Now()
	for k, e := range m.items {
		if len(m.items) <= m.MaxItems {
			return
		}
		if e.expired(now) {
			delete(m.items, k)
		}
	}
	for k := range m.items {
		if len(m.items) <= m.MaxItems {
			return
		}
		delete(m.items, k)
	}
}

func (m *Memory) Del(_ context.Context, key string) error {
	m.mu.Lock()
	delete(m.items, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) DelPattern(_ context.Context, pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for k := range m.items {
		ok, err := path.Match(pattern, k)
		if err != nil {
			return fmt.Errorf("bad pattern %q: %w", pattern, err)
		}
		if ok {
			delete(m.items, k)
		}
	}
	return nil
}

func (m *Memory) Exists(_ context.Context, key string) (bool, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	return ok && !e.expired(time.Now()), nil
}

func (m *Memory) TTL(_ context.Context, key string) (time.Duration, error) {
	m.mu.RLock()
	e, ok := m.items[key]
	m.mu.RUnlock()
	now := time.Now()
	switch {
	case !ok || e.expired(now):
		return TTLMissing, nil
	case e.expiresAt.IsZero():
		return TTLNone, nil
	default:
		return e.expiresAt.Sub(now), nil
	}
}
