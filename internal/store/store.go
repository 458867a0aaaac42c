package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// KV is the string-keyed persistent store the agent components share.
type KV interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, keys ...string) error
	// Update runs fn over the current values of keys inside one transaction. fn receives
	// only the keys that exist; keys it removes from the map are deleted, the rest are written.
	// fn must not call back into the store.
	Update(ctx context.Context, keys []string, fn func(values map[string]string) error) error
}

// PersistenceError reports a failed read or write of the local store.
type PersistenceError struct {
	Op  string
	Key string
	Err error
}

func (e *PersistenceError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("store %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Key, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

var errNotInitialized = errors.New("store not initialized")

// Store wraps the SQLite database connection and schema lifecycle.
type Store struct {
	db    *sql.DB
	locks keyLocks
}

var _ KV = (*Store)(nil)

// Open initializes the database connection, creating directories as needed.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetConnMaxLifetime(0)
	db.SetConnMaxIdleTime(5 * time.Minute)

	return &Store{db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// InitSchema ensures the key/value table exists.
func (s *Store) InitSchema(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized
	}

	stmt := `CREATE TABLE IF NOT EXISTS kv (
		key TEXT PRIMARY KEY,
		value TEXT NOT NULL,
		updated_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	);`
	if _, err := s.db.ExecContext(ctx, stmt); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// Get returns the value stored under key and whether it exists.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	if s.db == nil {
		return "", false, &PersistenceError{Op: "get", Key: key, Err: errNotInitialized}
	}

	unlock := s.locks.lock(key)
	defer unlock()

	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, &PersistenceError{Op: "get", Key: key, Err: err}
	}
	return value, true, nil
}

// Set stores or replaces the value for key.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if s.db == nil {
		return &PersistenceError{Op: "set", Key: key, Err: errNotInitialized}
	}

	unlock := s.locks.lock(key)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, upsertSQL, key, value); err != nil {
		return &PersistenceError{Op: "set", Key: key, Err: err}
	}
	return nil
}

// Delete removes keys. Missing keys are ignored.
func (s *Store) Delete(ctx context.Context, keys ...string) error {
	if s.db == nil {
		return &PersistenceError{Op: "delete", Err: errNotInitialized}
	}
	if len(keys) == 0 {
		return nil
	}

	unlock := s.locks.lock(keys...)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	for _, key := range keys {
		if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key); err != nil {
			return &PersistenceError{Op: "delete", Key: key, Err: err}
		}
	}
	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "delete", Err: err}
	}
	return nil
}

// Update performs an atomic read-modify-write over keys.
func (s *Store) Update(ctx context.Context, keys []string, fn func(values map[string]string) error) error {
	if s.db == nil {
		return &PersistenceError{Op: "update", Err: errNotInitialized}
	}

	unlock := s.locks.lock(keys...)
	defer unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &PersistenceError{Op: "update", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	values := make(map[string]string, len(keys))
	for _, key := range keys {
		var value string
		err := tx.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?;`, key).Scan(&value)
		if errors.Is(err, sql.ErrNoRows) {
			continue
		}
		if err != nil {
			return &PersistenceError{Op: "update", Key: key, Err: err}
		}
		values[key] = value
	}

	if err := fn(values); err != nil {
		return err
	}

	for _, key := range keys {
		value, ok := values[key]
		if !ok {
			if _, err := tx.ExecContext(ctx, `DELETE FROM kv WHERE key = ?;`, key); err != nil {
				return &PersistenceError{Op: "update", Key: key, Err: err}
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, upsertSQL, key, value); err != nil {
			return &PersistenceError{Op: "update", Key: key, Err: err}
		}
	}

	if err := tx.Commit(); err != nil {
		return &PersistenceError{Op: "update", Err: err}
	}
	return nil
}

// Keys lists every stored key in lexical order.
func (s *Store) Keys(ctx context.Context) ([]string, error) {
	if s.db == nil {
		return nil, &PersistenceError{Op: "keys", Err: errNotInitialized}
	}

	rows, err := s.db.QueryContext(ctx, `SELECT key FROM kv ORDER BY key;`)
	if err != nil {
		return nil, &PersistenceError{Op: "keys", Err: err}
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, &PersistenceError{Op: "keys", Err: err}
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, &PersistenceError{Op: "keys", Err: err}
	}
	return keys, nil
}

// Clear removes every key.
func (s *Store) Clear(ctx context.Context) error {
	keys, err := s.Keys(ctx)
	if err != nil {
		return err
	}
	return s.Delete(ctx, keys...)
}

const upsertSQL = `INSERT INTO kv (key, value, updated_at) VALUES (?, ?, strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
	ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at;`

// GetJSON decodes the JSON value under key into dest. It reports false when the key is absent.
func GetJSON(ctx context.Context, kv KV, key string, dest any) (bool, error) {
	raw, ok, err := kv.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		return false, &PersistenceError{Op: "decode", Key: key, Err: err}
	}
	return true, nil
}

// SetJSON stores v encoded as JSON under key.
func SetJSON(ctx context.Context, kv KV, key string, v any) error {
	bytes, err := json.Marshal(v)
	if err != nil {
		return &PersistenceError{Op: "encode", Key: key, Err: err}
	}
	return kv.Set(ctx, key, string(bytes))
}

// keyLocks hands out one mutex per key so read-modify-write cycles on the same key never overlap.
type keyLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func (l *keyLocks) lock(keys ...string) func() {
	sorted := append([]string(nil), keys...)
	sort.Strings(sorted)

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*sync.Mutex)
	}
	held := make([]*sync.Mutex, 0, len(sorted))
	var prev string
	for i, key := range sorted {
		if i > 0 && key == prev {
			continue
		}
		prev = key
		m, ok := l.locks[key]
		if !ok {
			m = &sync.Mutex{}
			l.locks[key] = m
		}
		held = append(held, m)
	}
	l.mu.Unlock()

	for _, m := range held {
		m.Lock()
	}
	return func() {
		for i := len(held) - 1; i >= 0; i-- {
			held[i].Unlock()
		}
	}
}
