// Package store implements the content-addressed blob store every other
// component in this module shares: the consensus engine's block log, the
// persisted commit index and high QC, and (transitively, through
// notify_read) the synchronizer's wait-for-parent mechanism.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Key is the 32-byte digest every value is addressed by.
type Key = common.Hash

// Reserved keys the consensus engine persists outside the digest
// namespace, per the wire/persistence layout.
var (
	CommitIndexKey = Key{0x01}
	HighQCKey      = Key{0x02}
)

// ErrClosed is returned by Write and NotifyRead once Close has run.
var ErrClosed = errors.New("store: closed")

// Backend is the minimal persistence surface a concrete store engine
// (LevelDB, in-memory) must provide. It mirrors the teacher's tosdb
// KeyValueStore shape (Has/Get/Put/Delete), trimmed to what the content
// store needs: no batches, no iterators, no compaction knobs.
type Backend interface {
	Has(key []byte) (bool, error)
	Get(key []byte) ([]byte, error)
	Put(key []byte, value []byte) error
	Delete(key []byte) error
	Close() error
}

// ErrNotFound mirrors the teacher's leveldb.ErrNotFound surface so callers
// across backends can use a single sentinel.
var ErrNotFound = errors.New("store: not found")

// Store is a content-addressed blob store with a notify_read primitive:
// writes are atomic and durable before Write returns, and any NotifyRead
// pending on a key resolves the moment that key is written. Multiple
// concurrent NotifyRead calls on the same key are all woken, and there is
// no ordering guaranteed across distinct keys.
type Store struct {
	backend Backend

	mu      sync.Mutex
	waiters map[Key][]chan []byte
	closed  bool
}

// New wraps backend in the blob-store API.
func New(backend Backend) *Store {
	return &Store{
		backend: backend,
		waiters: make(map[Key][]chan []byte),
	}
}

// Write persists value under key and wakes any NotifyRead callers blocked
// on it. Safe for concurrent use.
func (s *Store) Write(key Key, value []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	stored := append([]byte(nil), value...)
	if err := s.backend.Put(key.Bytes(), stored); err != nil {
		return err
	}

	s.mu.Lock()
	chans := s.waiters[key]
	delete(s.waiters, key)
	s.mu.Unlock()

	for _, ch := range chans {
		ch <- stored
		close(ch)
	}
	return nil
}

// Read returns the value for key if it is already present, without
// waiting for it to appear.
func (s *Store) Read(key Key) ([]byte, bool) {
	ok, err := s.backend.Has(key.Bytes())
	if err != nil || !ok {
		return nil, false
	}
	val, err := s.backend.Get(key.Bytes())
	if err != nil {
		return nil, false
	}
	return val, true
}

// NotifyRead blocks until key is written or ctx is done, whichever comes
// first. Callers (the synchronizer in particular) are expected to pass a
// context bounded by a hard timeout (20s per the synchronizer's waiter
// contract) rather than rely on this call to enforce one itself.
func (s *Store) NotifyRead(ctx context.Context, key Key) ([]byte, error) {
	if val, ok := s.Read(key); ok {
		return val, nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	// Re-check under the lock: a concurrent Write between the Read above
	// and acquiring the lock would otherwise be missed forever.
	if val, ok := s.Read(key); ok {
		s.mu.Unlock()
		return val, nil
	}
	ch := make(chan []byte, 1)
	s.waiters[key] = append(s.waiters[key], ch)
	s.mu.Unlock()

	select {
	case val := <-ch:
		return val, nil
	case <-ctx.Done():
		s.removeWaiter(key, ch)
		return nil, ctx.Err()
	}
}

func (s *Store) removeWaiter(key Key, ch chan []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	list := s.waiters[key]
	for i, c := range list {
		if c == ch {
			s.waiters[key] = append(list[:i], list[i+1:]...)
			return
		}
	}
}

// Close releases the backend. Pending NotifyRead calls unblock with
// ErrClosed's context analog (ctx.Err from their own deadline); Close
// itself does not forcibly wake them, matching the teacher's db.Close
// semantics of not cancelling in-flight readers.
func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return s.backend.Close()
}
