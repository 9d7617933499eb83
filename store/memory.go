package store

import "sync"

// memoryBackend is a simple in-memory Backend, the store-package analog of
// the teacher's tosdb/memorydb — used by tests and by single-process
// integration scenarios that don't need durability across restarts.
type memoryBackend struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// OpenMemory builds a Store backed by an in-memory map. It satisfies the
// same Backend contract as OpenLevelDB but never survives a restart.
func OpenMemory() *Store {
	return New(&memoryBackend{data: make(map[string][]byte)})
}

func (b *memoryBackend) Has(key []byte) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.data[string(key)]
	return ok, nil
}

func (b *memoryBackend) Get(key []byte) ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	val, ok := b.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), val...), nil
}

func (b *memoryBackend) Put(key, value []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[string(key)] = append([]byte(nil), value...)
	return nil
}

func (b *memoryBackend) Delete(key []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, string(key))
	return nil
}

func (b *memoryBackend) Close() error {
	return nil
}
