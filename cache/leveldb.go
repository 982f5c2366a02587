package cache

import (
	"bytes"
	"context"
	"encoding/gob"
	"sort"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
)

// Key layout:
//
//	n:<cache>              -> gob(int64 created, unix nanos)
//	e:<cache>\x00<key>     -> gob(levelEntry)
const (
	namePrefix  = "n:"
	entryPrefix = "e:"
	entrySep    = "\x00"
)

type levelEntry struct {
	StoredAt int64 // unix nanos
	Bytes    []byte
}

// LevelDBStorage stores caches in a LevelDB directory.
// Whole-cache deletes and batch puts are applied as single LevelDB batches.
type LevelDBStorage struct {
	db         *leveldb.DB
	writeMutex *sync.Mutex
}

func NewLevelDBStorage(path string) (LevelDBStorage, error) {
	if path == "" {
		path = "./data/leveldb"
	}
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return LevelDBStorage{}, storageError(err, "could not open leveldb", path)
	}
	return LevelDBStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s LevelDBStorage) Open(_ context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if err := s.ensureName(name); err != nil {
		return nil, storageError(err, "could not open cache", name)
	}
	return levelCache{storage: s, name: name}, nil
}

// ensureName registers the cache name if missing. Callers must hold writeMutex.
func (s LevelDBStorage) ensureName(name string) error {
	ok, err := s.db.Has([]byte(namePrefix+name), nil)
	if err != nil || ok {
		return err
	}
	b, err := encodeGob(time.Now().UnixNano())
	if err != nil {
		return err
	}
	return s.db.Put([]byte(namePrefix+name), b, nil)
}

func (s LevelDBStorage) Has(_ context.Context, name string) (bool, error) {
	ok, err := s.db.Has([]byte(namePrefix+name), nil)
	if err != nil {
		return false, storageError(err, "could not look up cache", name)
	}
	return ok, nil
}

func (s LevelDBStorage) Names(_ context.Context) ([]string, error) {
	type created struct {
		name string
		at   int64
	}
	it := s.db.NewIterator(util.BytesPrefix([]byte(namePrefix)), nil)
	defer it.Release()

	all := make([]created, 0)
	for it.Next() {
		var at int64
		if err := decodeGob(it.Value(), &at); err != nil {
			continue
		}
		all = append(all, created{
			name: string(bytes.TrimPrefix(it.Key(), []byte(namePrefix))),
			at:   at,
		})
	}
	if err := it.Error(); err != nil {
		return nil, storageError(err, "could not list caches", "")
	}
	sort.SliceStable(all, func(i, j int) bool { return all[i].at < all[j].at })
	names := make([]string, 0, len(all))
	for _, c := range all {
		names = append(names, c.name)
	}
	return names, nil
}

func (s LevelDBStorage) Delete(_ context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	existed, err := s.db.Has([]byte(namePrefix+name), nil)
	if err != nil {
		return false, storageError(err, "could not delete cache", name)
	}

	batch := new(leveldb.Batch)
	it := s.db.NewIterator(util.BytesPrefix(entryKeyPrefix(name)), nil)
	for it.Next() {
		// iterator keys are only valid until the next call, so copy them
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, storageError(err, "could not delete cache entries", name)
	}
	batch.Delete([]byte(namePrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, storageError(err, "could not delete cache", name)
	}
	return existed, nil
}

func (s LevelDBStorage) Close() error {
	return s.db.Close()
}

func entryKeyPrefix(name string) []byte {
	return []byte(entryPrefix + name + entrySep)
}

func entryKey(name, key string) []byte {
	return append(entryKeyPrefix(name), key...)
}

type levelCache struct {
	storage LevelDBStorage
	name    string
}

func (c levelCache) Name() string {
	return c.name
}

func (c levelCache) Match(_ context.Context, key string) (Entry, bool, error) {
	b, err := c.storage.db.Get(entryKey(c.name, key), nil)
	if err == leveldb.ErrNotFound {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storageError(err, "could not read entry", c.name)
	}
	var le levelEntry
	if err := decodeGob(b, &le); err != nil {
		return Entry{}, false, storageError(err, "could not decode entry", c.name)
	}
	return Entry{Key: key, StoredAt: time.Unix(0, le.StoredAt), Bytes: le.Bytes}, true, nil
}

func (c levelCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c levelCache) PutAll(_ context.Context, entries []Entry) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	// writes to a cache deleted since Open are dropped
	ok, err := c.storage.db.Has([]byte(namePrefix+c.name), nil)
	if err != nil {
		return storageError(err, "could not write entries", c.name)
	}
	if !ok {
		return nil
	}
	batch := new(leveldb.Batch)
	for _, entry := range entries {
		storedAt := entry.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		b, err := encodeGob(levelEntry{StoredAt: storedAt.UnixNano(), Bytes: entry.Bytes})
		if err != nil {
			return storageError(err, "could not encode entry", c.name)
		}
		batch.Put(entryKey(c.name, entry.Key), b)
	}
	return storageError(c.storage.db.Write(batch, nil), "could not write entries", c.name)
}

func (c levelCache) Delete(_ context.Context, key string) (bool, error) {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	k := entryKey(c.name, key)
	ok, err := c.storage.db.Has(k, nil)
	if err != nil || !ok {
		return false, storageError(err, "could not delete entry", c.name)
	}
	return true, storageError(c.storage.db.Delete(k, nil), "could not delete entry", c.name)
}

func (c levelCache) Keys(_ context.Context) ([]string, error) {
	prefix := entryKeyPrefix(c.name)
	it := c.storage.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	keys := make([]string, 0)
	for it.Next() {
		keys = append(keys, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, storageError(err, "could not list keys", c.name)
	}
	return keys, nil
}

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}
