package kvstore

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	n       int64
	items   []string
	expires time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expires.IsZero() && !now.Before(e.expires)
}

// Memory is an in-process Store. It is the default backend for a single
// instance and the fixture used across package tests.
type Memory struct {
	mu      sync.Mutex
	entries map[string]*memEntry
	now     func() time.Time
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]*memEntry), now: time.Now}
}

func (m *Memory) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.now().Add(ttl)
}

// live returns the entry for key, dropping it first if it has expired.
// Caller holds m.mu.
func (m *Memory) live(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *Memory) SetInt(_ context.Context, key string, v int64, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[key] = &memEntry{n: v, expires: m.expiry(ttl)}
	return nil
}

func (m *Memory) GetInt(_ context.Context, key string) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return 0, false, nil
	}
	return e.n, true, nil
}

func (m *Memory) Push(_ context.Context, key, value string, ttl time.Duration) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		e = &memEntry{}
		m.entries[key] = e
	}
	e.items = append(e.items, value)
	e.expires = m.expiry(ttl)
	return len(e.items), nil
}

func (m *Memory) TrimToLast(_ context.Context, key string, n int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil {
		return nil
	}
	if n <= 0 {
		delete(m.entries, key)
		return nil
	}
	if len(e.items) > n {
		kept := make([]string, n)
		copy(kept, e.items[len(e.items)-n:])
		e.items = kept
	}
	return nil
}

func (m *Memory) List(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	if e == nil || len(e.items) == 0 {
		return nil, nil
	}
	out := make([]string, len(e.items))
	copy(out, e.items)
	return out, nil
}

func (m *Memory) Take(_ context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := m.live(key)
	delete(m.entries, key)
	if e == nil {
		return nil, nil
	}
	return e.items, nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
	return nil
}
