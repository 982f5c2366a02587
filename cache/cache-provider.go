package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/jmgilman/go/errors"
)

// Storage is the persistent named-blob store that holds every versioned cache.
// A name identifies one logical cache (e.g. `static-v2`); entries of different
// caches never collide, and a cache is only ever removed as a whole.
//
// Implementations must be thread-safe!
type Storage interface {
	// Open returns a handle to the named cache, creating the cache if it does
	// not exist yet.
	Open(ctx context.Context, name string) (Cache, error)
	// Has reports whether a cache with the given name exists.
	// Unlike Open, it never creates the cache.
	Has(ctx context.Context, name string) (bool, error)
	// Names lists the names of all existing caches, in creation order.
	Names(ctx context.Context) ([]string, error)
	// Delete removes the named cache and all of its entries.
	// It reports whether the cache existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Close releases the underlying resources.
	Close() error
}

// Cache is a handle to a single named cache.
// Puts are atomic per entry; PutAll is atomic for the whole batch.
type Cache interface {
	// Name returns the name of the cache.
	Name() string
	// Match returns the entry stored under key, if any.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any previous entry with the same key.
	Put(ctx context.Context, entry Entry) error
	// PutAll stores all entries or none of them.
	PutAll(ctx context.Context, entries []Entry) error
	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys lists the keys of all entries in the cache.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is a stored (request key, response snapshot) pair.
// Bytes holds the byte-exact HTTP/1.1 serialization of the response.
type Entry struct {
	Key      string
	StoredAt time.Time
	Bytes    []byte
}

// MatchAny looks up key in each of the named caches in order and returns the
// first entry found, along with the name of the cache it was found in.
// Caches that do not exist are skipped without being created.
func MatchAny(ctx context.Context, s Storage, key string, names ...string) (Entry, string, bool, error) {
	for _, name := range names {
		if name == "" {
			continue
		}
		exists, err := s.Has(ctx, name)
		if err != nil {
			return Entry{}, "", false, err
		}
		if !exists {
			continue
		}
		c, err := s.Open(ctx, name)
		if err != nil {
			return Entry{}, "", false, err
		}
		entry, ok, err := c.Match(ctx, key)
		if err != nil {
			return Entry{}, "", false, err
		}
		if ok {
			return entry, name, true, nil
		}
	}
	return Entry{}, "", false, nil
}

// Open creates the storage for the given provider name.
// Supported providers are `sqlite`, `leveldb` and `memory`; path is the
// database file (sqlite) or directory (leveldb) and is ignored for memory.
func Open(provider, path string) (Storage, error) {
	switch provider {
	case "sqlite":
		return NewSQLiteStorage(path)
	case "leveldb":
		return NewLevelDBStorage(path)
	case "memory":
		return NewMemStorage(), nil
	default:
		return nil, errors.New(errors.CodeInvalidConfig, fmt.Sprintf("unsupported cache provider: %s", provider))
	}
}

func storageError(err error, op, name string) error {
	if err == nil {
		return nil
	}
	return errors.WithContext(errors.Wrap(err, errors.CodeDatabase, op), "cache", name)
}
