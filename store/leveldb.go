package store

import (
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/errors"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// levelDBBackend adapts a goleveldb database to the Backend interface,
// the same wrapping the teacher's tosdb/leveldb package does around
// syndtr/goleveldb.
type levelDBBackend struct {
	db *leveldb.DB
}

// OpenLevelDB opens (creating if necessary) a LevelDB-backed store at
// path, suitable for a node's durable block and commit-index storage.
func OpenLevelDB(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{
		OpenFilesCacheCapacity: 64,
		BlockCacheCapacity:     8 * opt.MiB,
		WriteBuffer:            4 * opt.MiB,
	})
	if _, corrupted := err.(*errors.ErrCorrupted); corrupted {
		db, err = leveldb.RecoverFile(path, nil)
	}
	if err != nil {
		return nil, err
	}
	return New(&levelDBBackend{db: db}), nil
}

func (b *levelDBBackend) Has(key []byte) (bool, error) {
	return b.db.Has(key, nil)
}

func (b *levelDBBackend) Get(key []byte) ([]byte, error) {
	val, err := b.db.Get(key, nil)
	if err == leveldb.ErrNotFound {
		return nil, ErrNotFound
	}
	return val, err
}

func (b *levelDBBackend) Put(key, value []byte) error {
	return b.db.Put(key, value, nil)
}

func (b *levelDBBackend) Delete(key []byte) error {
	return b.db.Delete(key, nil)
}

func (b *levelDBBackend) Close() error {
	return b.db.Close()
}
