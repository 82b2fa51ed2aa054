package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"go.trai.ch/zerr"
)

// Provider is a persistent mirror of the store.
// The store writes through to it and warms itself from it on start,
// so cached data survives a restart.
//
// Implementations must be thread-safe!
type Provider interface {
	// All calls the given callback for each stored entry.
	All(cb func(Entry)) error
	// Put stores the entry, replacing any entry with the same key.
	Put(Entry) error
	// Purge removes the entry for the given key.
	Purge(key string) error
	// Close releases the underlying resources.
	Close() error
}

type SQLiteProvider struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteProvider opens the given file as the db.
// If the file name is empty or "memory", a new in-memory db is opened.
func NewSQLiteProvider(filename string) (*SQLiteProvider, error) {
	if filename == "" || filename == "memory" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		return nil, zerr.With(zerr.Wrap(err, "failed to open cache db"), "filename", filename)
	}
	statements := []string{
		`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			fetched_at INTEGER,
			stale_after INTEGER,
			expires_at INTEGER,
			digest INTEGER,
			data BLOB
		)`,
		"CREATE INDEX IF NOT EXISTS expires_idx ON entries (expires_at)",
		"PRAGMA journal_mode=WAL",
	}
	for _, stmt := range statements {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, zerr.With(zerr.Wrap(err, "failed to prepare cache db"), "filename", filename)
		}
	}
	return &SQLiteProvider{
		db:         db,
		writeMutex: &sync.Mutex{},
	}, nil
}

func (s *SQLiteProvider) All(cb func(Entry)) error {
	rows, err := s.db.Query(`SELECT
		key, fetched_at, stale_after, expires_at, digest, data
		FROM entries ORDER BY fetched_at ASC`)
	if err != nil {
		return zerr.Wrap(err, "failed to query cache db")
	}
	defer rows.Close()
	for rows.Next() {
		var (
			ce                          Entry
			fetched, stale, exp, digest int64
			data                        []byte
		)
		if err := rows.Scan(&ce.Key, &fetched, &stale, &exp, &digest, &data); err != nil {
			return zerr.Wrap(err, "failed to read cache db row")
		}
		ce.FetchedAt = time.UnixMilli(fetched)
		ce.StaleAfter = time.UnixMilli(stale)
		ce.ExpiresAt = time.UnixMilli(exp)
		ce.Digest = uint64(digest)
		ce.Data = data
		cb(ce)
	}
	return rows.Err()
}

func (s *SQLiteProvider) Put(ce Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO entries
		(key, fetched_at, stale_after, expires_at, digest, data) VALUES (?, ?, ?, ?, ?, ?)`,
		ce.Key, ce.FetchedAt.UnixMilli(), ce.StaleAfter.UnixMilli(), ce.ExpiresAt.UnixMilli(),
		int64(ce.Digest), []byte(ce.Data))
	if err != nil {
		return zerr.With(zerr.Wrap(err, "failed to write cache entry"), "key", ce.Key)
	}
	return nil
}

func (s *SQLiteProvider) Purge(key string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	if _, err := s.db.Exec("DELETE FROM entries WHERE key = ?", key); err != nil {
		return zerr.With(zerr.Wrap(err, "failed to purge cache entry"), "key", key)
	}
	return nil
}

func (s *SQLiteProvider) Close() error {
	return s.db.Close()
}
