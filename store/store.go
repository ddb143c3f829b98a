// Package store persists encoded code modules in SQLite, keyed by name.
package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// ErrModuleNotFound indicates the requested module doesn't exist.
var ErrModuleNotFound = errors.New("module not found")

// Module is a stored module without its data.
type Module struct {
	Name    string
	Digest  string // hex sha256 of the encoded module
	Size    int
	Updated time.Time
}

// Store handles SQLite storage for modules.
type Store struct {
	db   *sql.DB
	path string
	mu   sync.Mutex
}

// Open opens or creates the module database at path. The special path
// ":memory:" gives a private in-memory store.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	// One connection keeps an in-memory database alive and serialises
	// writers.
	db.SetMaxOpenConns(1)

	// Set busy timeout for concurrent access
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS modules (
		name    TEXT PRIMARY KEY,
		digest  TEXT NOT NULL,
		data    BLOB NOT NULL,
		updated INTEGER NOT NULL
	)`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating table: %w", err)
	}
	return &Store{db: db, path: path}, nil
}

// Path returns the database path the store was opened with.
func (s *Store) Path() string { return s.path }

// Close closes the database connection.
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Digest returns the hex sha256 of data.
func Digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Put stores data under name, replacing any previous module, and returns
// its digest.
func (s *Store) Put(name string, data []byte) (string, error) {
	if name == "" {
		return "", errors.New("module name is empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	digest := Digest(data)
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO modules (name, digest, data, updated) VALUES (?, ?, ?, ?)",
		name, digest, data, time.Now().UnixMilli(),
	)
	if err != nil {
		return "", fmt.Errorf("saving module %s: %w", name, err)
	}
	return digest, nil
}

// Get returns the data of a module. The stored digest is checked against
// the data.
func (s *Store) Get(name string) ([]byte, error) {
	var data []byte
	var digest string
	err := s.db.QueryRow("SELECT data, digest FROM modules WHERE name = ?", name).Scan(&data, &digest)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", ErrModuleNotFound, name)
		}
		return nil, fmt.Errorf("querying module %s: %w", name, err)
	}
	if got := Digest(data); got != digest {
		return nil, fmt.Errorf("module %s: digest %s, stored %s", name, got, digest)
	}
	return data, nil
}

// List returns the stored modules ordered by name.
func (s *Store) List() ([]Module, error) {
	rows, err := s.db.Query("SELECT name, digest, length(data), updated FROM modules ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("listing modules: %w", err)
	}
	defer rows.Close()

	var mods []Module
	for rows.Next() {
		var m Module
		var updated int64
		if err := rows.Scan(&m.Name, &m.Digest, &m.Size, &updated); err != nil {
			return nil, fmt.Errorf("scanning module row: %w", err)
		}
		m.Updated = time.UnixMilli(updated)
		mods = append(mods, m)
	}
	return mods, rows.Err()
}

// Delete removes a module.
func (s *Store) Delete(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	res, err := s.db.Exec("DELETE FROM modules WHERE name = ?", name)
	if err != nil {
		return fmt.Errorf("deleting module %s: %w", name, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%w: %s", ErrModuleNotFound, name)
	}
	return nil
}
