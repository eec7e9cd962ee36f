// Package storage provides the key-value store backing the explorer's event
// cache, with an in-memory variant for tests.
package storage

import (
	"errors"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// ErrNotFound is returned for keys the store does not hold.
var ErrNotFound = errors.New("storage: key not found")

// Database is a generic key-value store with ordered prefix iteration.
type Database interface {
	Put(key, value []byte) error
	Get(key []byte) ([]byte, error)
	// IteratePrefix visits every key with the given prefix in ascending
	// key order until fn returns false.
	IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error
	Close() error
}

// MemDB is the in-memory implementation used by tests.
type MemDB struct {
	mu   sync.RWMutex
	data map[string][]byte
	keys []string
}

// NewMemDB returns an empty in-memory database.
func NewMemDB() *MemDB {
	return &MemDB{data: make(map[string][]byte)}
}

func (db *MemDB) Put(key, value []byte) error {
	db.mu.Lock()
	defer db.mu.Unlock()
	k := string(key)
	if _, exists := db.data[k]; !exists {
		db.keys = insertSorted(db.keys, k)
	}
	db.data[k] = append([]byte(nil), value...)
	return nil
}

func (db *MemDB) Get(key []byte) ([]byte, error) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	value, ok := db.data[string(key)]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (db *MemDB) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	db.mu.RLock()
	defer db.mu.RUnlock()
	p := string(prefix)
	for _, k := range db.keys {
		if len(k) < len(p) || k[:len(p)] != p {
			continue
		}
		if !fn([]byte(k), db.data[k]) {
			break
		}
	}
	return nil
}

func (db *MemDB) Close() error { return nil }

func insertSorted(keys []string, k string) []string {
	lo, hi := 0, len(keys)
	for lo < hi {
		mid := (lo + hi) / 2
		if keys[mid] < k {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	keys = append(keys, "")
	copy(keys[lo+1:], keys[lo:])
	keys[lo] = k
	return keys
}

// LevelDB is the persistent implementation.
type LevelDB struct {
	db *leveldb.DB
}

// NewLevelDB creates or opens a LevelDB database at the given path.
func NewLevelDB(path string) (*LevelDB, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, err
	}
	return &LevelDB{db: db}, nil
}

func (ldb *LevelDB) Put(key, value []byte) error {
	return ldb.db.Put(key, value, nil)
}

func (ldb *LevelDB) Get(key []byte) ([]byte, error) {
	value, err := ldb.db.Get(key, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, ErrNotFound
	}
	return value, err
}

func (ldb *LevelDB) IteratePrefix(prefix []byte, fn func(key, value []byte) bool) error {
	iter := ldb.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer iter.Release()
	for iter.Next() {
		if !fn(iter.Key(), iter.Value()) {
			break
		}
	}
	return iter.Error()
}

func (ldb *LevelDB) Close() error { return ldb.db.Close() }
