package cache

import (
	"context"
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

type SQLiteStorage struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteStorage creates a new storage with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteStorage(filename string) (SQLiteStorage, error) {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return SQLiteStorage{}, storageError(err, "could not open sqlite db", filename)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS caches (
			name TEXT PRIMARY KEY,
			created_at INTEGER
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			cache TEXT NOT NULL,
			key TEXT NOT NULL,
			stored_at INTEGER,
			bytes BLOB,
			PRIMARY KEY (cache, key)
		)`,
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return SQLiteStorage{}, storageError(err, "could not initialize sqlite db", filename)
		}
	}
	return SQLiteStorage{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s SQLiteStorage) Open(ctx context.Context, name string) (Cache, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.ExecContext(ctx,
		"INSERT OR IGNORE INTO caches (name, created_at) VALUES (?, ?)",
		name, time.Now().UnixNano())
	if err != nil {
		return nil, storageError(err, "could not open cache", name)
	}
	return sqliteCache{storage: s, name: name}, nil
}

func (s SQLiteStorage) Has(ctx context.Context, name string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", name).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, storageError(err, "could not look up cache", name)
	}
	return true, nil
}

func (s SQLiteStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT name FROM caches ORDER BY created_at ASC, name ASC")
	if err != nil {
		return nil, storageError(err, "could not list caches", "")
	}
	defer rows.Close()
	names := make([]string, 0)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return names, storageError(err, "could not list caches", "")
		}
		names = append(names, name)
	}
	return names, storageError(rows.Err(), "could not list caches", "")
}

func (s SQLiteStorage) Delete(ctx context.Context, name string) (bool, error) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, storageError(err, "could not delete cache", name)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE cache = ?", name); err != nil {
		return false, storageError(err, "could not delete cache entries", name)
	}
	result, err := tx.ExecContext(ctx, "DELETE FROM caches WHERE name = ?", name)
	if err != nil {
		return false, storageError(err, "could not delete cache", name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storageError(err, "could not delete cache", name)
	}
	if err := tx.Commit(); err != nil {
		return false, storageError(err, "could not delete cache", name)
	}
	return rows > 0, nil
}

func (s SQLiteStorage) Close() error {
	return s.db.Close()
}

type sqliteCache struct {
	storage SQLiteStorage
	name    string
}

func (c sqliteCache) Name() string {
	return c.name
}

func (c sqliteCache) Match(ctx context.Context, key string) (Entry, bool, error) {
	entry := Entry{Key: key}
	var storedAt int64
	err := c.storage.db.QueryRowContext(ctx,
		"SELECT stored_at, bytes FROM entries WHERE cache = ? AND key = ?",
		c.name, key,
	).Scan(&storedAt, &entry.Bytes)
	if err == sql.ErrNoRows {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, storageError(err, "could not read entry", c.name)
	}
	entry.StoredAt = time.Unix(0, storedAt)
	return entry, true, nil
}

func (c sqliteCache) Put(ctx context.Context, entry Entry) error {
	return c.PutAll(ctx, []Entry{entry})
}

func (c sqliteCache) PutAll(ctx context.Context, entries []Entry) error {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	tx, err := c.storage.db.BeginTx(ctx, nil)
	if err != nil {
		return storageError(err, "could not write entries", c.name)
	}
	defer tx.Rollback()
	// writes to a cache deleted since Open are dropped
	var one int
	err = tx.QueryRowContext(ctx, "SELECT 1 FROM caches WHERE name = ?", c.name).Scan(&one)
	if err == sql.ErrNoRows {
		return nil
	}
	if err != nil {
		return storageError(err, "could not write entries", c.name)
	}
	for _, entry := range entries {
		storedAt := entry.StoredAt
		if storedAt.IsZero() {
			storedAt = time.Now()
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT OR REPLACE INTO entries
			(cache, key, stored_at, bytes) VALUES (?, ?, ?, ?)`,
			c.name, entry.Key, storedAt.UnixNano(), entry.Bytes); err != nil {
			return storageError(err, "could not write entry", c.name)
		}
	}
	return storageError(tx.Commit(), "could not write entries", c.name)
}

func (c sqliteCache) Delete(ctx context.Context, key string) (bool, error) {
	c.storage.writeMutex.Lock()
	defer c.storage.writeMutex.Unlock()
	result, err := c.storage.db.ExecContext(ctx, "DELETE FROM entries WHERE cache = ? AND key = ?", c.name, key)
	if err != nil {
		return false, storageError(err, "could not delete entry", c.name)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return false, storageError(err, "could not delete entry", c.name)
	}
	return rows > 0, nil
}

func (c sqliteCache) Keys(ctx context.Context) ([]string, error) {
	rows, err := c.storage.db.QueryContext(ctx, "SELECT key FROM entries WHERE cache = ? ORDER BY key", c.name)
	if err != nil {
		return nil, storageError(err, "could not list keys", c.name)
	}
	defer rows.Close()
	keys := make([]string, 0)
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return keys, storageError(err, "could not list keys", c.name)
		}
		keys = append(keys, key)
	}
	return keys, storageError(rows.Err(), "could not list keys", c.name)
}
