// Package store provides the embedded persistence layer for reflex.
// It exposes a deliberately narrow key-value interface (put/get/scan_range)
// backed by SQLite. JSON is the value encoding so records stay exportable,
// but SQLite is the primary store - no append-only files doubling as a
// database, no unbounded growth, no O(n) scans.
package store

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"reflex/internal/logging"
)

// ErrNotFound is returned by Get when the key does not exist.
var ErrNotFound = errors.New("store: key not found")

// KV is one key-value record returned by ScanRange.
type KV struct {
	Key       string
	Value     []byte
	UpdatedAt time.Time
}

// Store is the narrow storage interface the core components depend on.
// Keys are namespaced by prefix convention: "breaker/", "proposal/", "alert/".
type Store interface {
	Put(key string, value []byte) error
	Get(key string) ([]byte, error)
	ScanRange(prefix string) ([]KV, error)
	Delete(key string) error
	Close() error
}

// SQLiteStore implements Store on a single kv table.
type SQLiteStore struct {
	db     *sql.DB
	mu     sync.RWMutex
	dbPath string
}

// Open initializes the SQLite database at the given path.
func Open(path string) (*SQLiteStore, error) {
	timer := logging.StartTimer(logging.CategoryStore, "store.Open")
	defer timer.Stop()

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		logging.StoreDebug("Failed to set sqlite busy_timeout: %v", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode = WAL"); err != nil {
		logging.StoreDebug("Failed to set sqlite journal_mode=WAL: %v", err)
	}

	s := &SQLiteStore{db: db, dbPath: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	logging.Store("SQLite store opened at %s", path)
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS kv (
			key        TEXT PRIMARY KEY,
			value      BLOB NOT NULL,
			updated_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_kv_updated ON kv(updated_at);
	`)
	if err != nil {
		return fmt.Errorf("failed to migrate kv schema: %w", err)
	}
	return nil
}

// Put upserts a record.
func (s *SQLiteStore) Put(key string, value []byte) error {
	if key == "" {
		return fmt.Errorf("store: empty key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO kv(key, value, updated_at) VALUES(?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("store put %q: %w", key, err)
	}
	return nil
}

// Get retrieves a record by key.
func (s *SQLiteStore) Get(key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var value []byte
	err := s.db.QueryRow(`SELECT value FROM kv WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store get %q: %w", key, err)
	}
	return value, nil
}

// ScanRange returns all records whose key starts with prefix, key-ordered.
func (s *SQLiteStore) ScanRange(prefix string) ([]KV, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT key, value, updated_at FROM kv WHERE key >= ? AND key < ? ORDER BY key`,
		prefix, prefix+"\xff",
	)
	if err != nil {
		return nil, fmt.Errorf("store scan %q: %w", prefix, err)
	}
	defer rows.Close()

	var out []KV
	for rows.Next() {
		var kv KV
		var ts int64
		if err := rows.Scan(&kv.Key, &kv.Value, &ts); err != nil {
			return nil, fmt.Errorf("store scan %q: %w", prefix, err)
		}
		kv.UpdatedAt = time.UnixMilli(ts)
		out = append(out, kv)
	}
	return out, rows.Err()
}

// Delete removes a record. Deleting a missing key is not an error.
func (s *SQLiteStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("store delete %q: %w", key, err)
	}
	return nil
}

// PurgeOlderThan removes records under prefix not updated since cutoff.
// Used by retention sweeps (snapshot GC, alert expiry).
func (s *SQLiteStore) PurgeOlderThan(prefix string, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec(
		`DELETE FROM kv WHERE key >= ? AND key < ? AND updated_at < ?`,
		prefix, prefix+"\xff", cutoff.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("store purge %q: %w", prefix, err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logging.StoreDebug("Purged %d records under %q older than %v", n, prefix, cutoff)
	}
	return n, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.db.Close()
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]KV
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{data: make(map[string]KV)}
}

func (m *MemStore) Put(key string, value []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	m.data[key] = KV{Key: key, Value: cp, UpdatedAt: time.Now()}
	return nil
}

func (m *MemStore) Get(key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	kv, ok := m.data[key]
	if !ok {
		return nil, ErrNotFound
	}
	return kv.Value, nil
}

func (m *MemStore) ScanRange(prefix string) ([]KV, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []KV
	for k, kv := range m.data {
		if len(k) >= len(prefix) && k[:len(prefix)] == prefix {
			out = append(out, kv)
		}
	}
	sortKVs(out)
	return out, nil
}

func (m *MemStore) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

func (m *MemStore) Close() error { return nil }

func sortKVs(kvs []KV) {
	for i := 1; i < len(kvs); i++ {
		for j := i; j > 0 && kvs[j].Key < kvs[j-1].Key; j-- {
			kvs[j], kvs[j-1] = kvs[j-1], kvs[j]
		}
	}
}
