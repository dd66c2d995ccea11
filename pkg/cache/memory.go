package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryStore is the single-node default backend, backed by an
// in-process TTL cache. SetNX is serialized by a mutex because the
// underlying cache's Add is the only check-and-set it offers.
type MemoryStore struct {
	c  *gocache.Cache
	mu sync.Mutex
}

// NewMemoryStore creates an in-process cache store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		c: gocache.New(gocache.NoExpiration, time.Minute),
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	return v.(string), true, nil
}

func (m *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.c.Set(key, value, ttl)
	return nil
}

func (m *MemoryStore) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = gocache.NoExpiration
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.c.Add(key, value, ttl); err != nil {
		return false, nil
	}
	return true, nil
}

func (m *MemoryStore) Delete(_ context.Context, key string) error {
	m.c.Delete(key)
	return nil
}

func (m *MemoryStore) Close() error {
	m.c.Flush()
	return nil
}
