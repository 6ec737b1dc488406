package cache

import (
	"context"
	"sync"
)

// Storage is the set of named cache partitions available to a worker.
// Each partition stores []byte values, which represent HTTP responses,
// under request keys.
// Partitions are created lazily on Open and destroyed wholesale on Delete.
//
// Implementations must be thread-safe!
// Every single call is atomic, but sequences of calls are not.
type Storage interface {
	// Open returns the partition with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)
	// Has checks if a partition with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Names returns the names of all partitions in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the partition and all its entries.
	// It returns false if there was no such partition.
	Delete(ctx context.Context, name string) (bool, error)
	// Match looks up the key in every partition, in creation order,
	// and returns the first stored value found.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// MatchIn looks up the key in the named partition without creating it.
	MatchIn(ctx context.Context, name, key string) ([]byte, bool, error)
}

// Partition is a single named collection of stored responses.
type Partition interface {
	Name() string
	// Match returns the stored value for the given key, if it exists.
	Match(ctx context.Context, key string) ([]byte, bool, error)
	// Put stores the value under the given key.
	// An existing entry is replaced wholesale and becomes the newest entry.
	// Writes to a partition deleted from its storage are not visible through
	// the storage and do not bring the partition back.
	Put(ctx context.Context, key string, bytes []byte) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry for the given key.
	// It returns false if there was no such entry.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys in insertion order, oldest first.
	Keys(ctx context.Context) ([]string, error)
}

type Entry struct {
	Key   string
	Bytes []byte
}

type MemStorage struct {
	mutex      *sync.RWMutex
	order      []string
	partitions map[string]*memPartition
}

type memPartition struct {
	name    string
	mutex   *sync.RWMutex
	keys    []string
	entries map[string][]byte
}

func NewMemStorage() *MemStorage {
	return &MemStorage{
		mutex:      &sync.RWMutex{},
		partitions: make(map[string]*memPartition),
	}
}

func (m *MemStorage) Open(ctx context.Context, name string) (Partition, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if p, ok := m.partitions[name]; ok {
		return p, nil
	}
	p := &memPartition{
		name:    name,
		mutex:   m.mutex,
		entries: make(map[string][]byte),
	}
	m.partitions[name] = p
	m.order = append(m.order, name)
	return p, nil
}

func (m *MemStorage) Has(ctx context.Context, name string) (bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.partitions[name]
	return ok, nil
}

func (m *MemStorage) Names(ctx context.Context) ([]string, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	names := make([]string, len(m.order))
	copy(names, m.order)
	return names, nil
}

func (m *MemStorage) Delete(ctx context.Context, name string) (bool, error) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.partitions[name]; !ok {
		return false, nil
	}
	delete(m.partitions, name)
	m.order = remove(m.order, name)
	return true, nil
}

func (m *MemStorage) Match(ctx context.Context, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	for _, name := range m.order {
		if bytes, ok := m.partitions[name].entries[key]; ok {
			return bytes, true, nil
		}
	}
	return nil, false, nil
}

func (m *MemStorage) MatchIn(ctx context.Context, name, key string) ([]byte, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	p, ok := m.partitions[name]
	if !ok {
		return nil, false, nil
	}
	bytes, ok := p.entries[key]
	return bytes, ok, nil
}

func (p *memPartition) Name() string {
	return p.name
}

func (p *memPartition) Match(ctx context.Context, key string) ([]byte, bool, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	bytes, ok := p.entries[key]
	return bytes, ok, nil
}

func (p *memPartition) Put(ctx context.Context, key string, bytes []byte) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	p.put(key, bytes)
	return nil
}

func (p *memPartition) PutAll(ctx context.Context, entries []Entry) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	for _, e := range entries {
		p.put(e.Key, e.Bytes)
	}
	return nil
}

// put must be called with the write lock held.
func (p *memPartition) put(key string, bytes []byte) {
	if _, ok := p.entries[key]; ok {
		p.keys = remove(p.keys, key)
	}
	stored := make([]byte, len(bytes))
	copy(stored, bytes)
	p.entries[key] = stored
	p.keys = append(p.keys, key)
}

func (p *memPartition) Delete(ctx context.Context, key string) (bool, error) {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false, nil
	}
	delete(p.entries, key)
	p.keys = remove(p.keys, key)
	return true, nil
}

func (p *memPartition) Keys(ctx context.Context) ([]string, error) {
	p.mutex.RLock()
	defer p.mutex.RUnlock()
	keys := make([]string, len(p.keys))
	copy(keys, p.keys)
	return keys, nil
}

func remove(list []string, item string) []string {
	out := list[:0]
	for _, s := range list {
		if s != item {
			out = append(out, s)
		}
	}
	return out
}
