package cache

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemStorage keeps all caches in process memory.
// It is mostly useful for tests and for deployments that can afford to lose
// the cache on restart.
type MemStorage struct {
	mutex  sync.RWMutex
	order  []string
	caches map[string]map[string]Entry
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		caches: make(map[string]map[string]Entry),
	}
}

func (m *MemStorage) Open(_ context.Context, name string) (Cache, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		m.caches[name] = make(map[string]Entry)
		m.order = append(m.order, name)
	}
	return &memCache{storage: m, name: name}, nil
}

func (m *MemStorage) Has(_ context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name]
	return ok, nil
}

func (m *MemStorage) Names(_ context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(_ context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		return false, nil
	}
	delete(m.caches, name)
	for i, n := range m.order {
		if n == name {
			m.order = append(m.order[:i:i], m.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (m *MemStorage) Close() error {
	return nil
}

type memCache struct {
	storage *MemStorage
	name    string
}

func (c *memCache) Name() string {
	return c.name
}

// entries returns the live entry map, or nil if the cache was deleted after
// the handle was opened. Callers must hold the storage mutex.
func (c *memCache) entries() map[string]Entry {
	return c.storage.caches[c.name]
}

func (c *memCache) Match(_ context.Context, key string) (Entry, bool, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()
	entry, ok := c.entries()[key]
	if !ok {
		return Entry{}, false, nil
	}
	return copyEntry(entry), true, nil
}

func (c *memCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c *memCache) PutAll(_ context.Context, entries []Entry) error {
	c.storage.mutex.Lock()
	defer c.storage.mutex.Unlock()
	db := c.entries()
	if db == nil {
		// deleted since Open
		return nil
	}
	for _, entry := range entries {
		if entry.StoredAt.IsZero() {
			entry.StoredAt = time.Now()
		}
		db[entry.Key] = copyEntry(entry)
	}
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) (bool, error) {
	c.storage.mutex.Lock()
	defer c.storage.mutex.Unlock()
	db := c.entries()
	if _, ok := db[key]; !ok {
		return false, nil
	}
	delete(db, key)
	return true, nil
}

func (c *memCache) Keys(_ context.Context) ([]string, error) {
	c.storage.mutex.RLock()
	defer c.storage.mutex.RUnlock()
	keys := make([]string, 0, len(c.entries()))
	for key := range c.entries() {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

// copyEntry detaches the snapshot bytes so that callers can never mutate a
// stored entry.
func copyEntry(e Entry) Entry {
	b := make([]byte, len(e.Bytes))
	copy(b, e.Bytes)
	e.Bytes = b
	return e
}
