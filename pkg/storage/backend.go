package storage

import (
	"errors"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/ethdb/memorydb"
)

// ErrNotFound is returned when a key or record does not exist.
var ErrNotFound = errors.New("not found")

// Backend is the key value store the Store is built on.
type Backend interface {
	Get(key []byte) ([]byte, error)
	Has(key []byte) (bool, error)
	Put(key, value []byte) error
	Delete(key []byte) error
	NewBatch() Batch
	Close() error
}

// Batch is a set of writes applied atomically by Write.
type Batch interface {
	Put(key, value []byte) error
	Delete(key []byte) error
	Write() error
}

type memoryBackend struct {
	db *memorydb.Database
}

// NewMemoryBackend creates a volatile backend.
func NewMemoryBackend() Backend {
	return &memoryBackend{db: memorydb.New()}
}

func (m *memoryBackend) Get(key []byte) ([]byte, error) {
	ok, err := m.db.Has(key)
	if err != nil {
		return nil, err
	}

	if !ok {
		return nil, ErrNotFound
	}
	return m.db.Get(key)
}

func (m *memoryBackend) Has(key []byte) (bool, error) {
	return m.db.Has(key)
}

func (m *memoryBackend) Put(key, value []byte) error {
	return m.db.Put(key, value)
}

func (m *memoryBackend) Delete(key []byte) error {
	return m.db.Delete(key)
}

func (m *memoryBackend) NewBatch() Batch {
	return m.db.NewBatch()
}

func (m *memoryBackend) Close() error {
	return m.db.Close()
}

type badgerBackend struct {
	db *badgerdb.DB
}

// NewBadgerBackend opens a badger database in dir. An empty dir opens
// an in-memory database.
func NewBadgerBackend(dir string) (Backend, error) {
	opts := badgerdb.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(nil)

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerBackend{db: db}, nil
}

func (b *badgerBackend) Get(key []byte) ([]byte, error) {
	var value []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(key)
		if err != nil {
			return err
		}

		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (b *badgerBackend) Has(key []byte) (bool, error) {
	_, err := b.Get(key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

func (b *badgerBackend) Put(key, value []byte) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(key, value)
	})
}

func (b *badgerBackend) Delete(key []byte) error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(key)
	})
}

func (b *badgerBackend) NewBatch() Batch {
	return &badgerBatch{wb: b.db.NewWriteBatch()}
}

func (b *badgerBackend) Close() error {
	return b.db.Close()
}

type badgerBatch struct {
	wb *badgerdb.WriteBatch
}

func (b *badgerBatch) Put(key, value []byte) error {
	return b.wb.Set(key, value)
}

func (b *badgerBatch) Delete(key []byte) error {
	return b.wb.Delete(key)
}

func (b *badgerBatch) Write() error {
	return b.wb.Flush()
}
