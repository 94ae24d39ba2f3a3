package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store file names under <storage_dir>/config
const (
	WorkFile     = "work.db"
	SnapshotFile = "snapshot.db"
	TrackerFile  = "tracker.db"
)

// DB wraps one SQLite store file (work, snapshot or tracker)
type DB struct {
	conn *sql.DB
	path string
}

// Open opens the database at path, creating it and its directory if needed
func Open(path string) (*DB, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// Enable WAL mode for concurrent reads while writes are serialized
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	// Set busy timeout as fallback protection (500ms, matches lock timeout)
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	// Slightly faster writes, still safe with WAL
	conn.Exec("PRAGMA synchronous=NORMAL")

	db, err := New(conn, path)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return db, nil
}

// New wraps an already opened connection and creates the schema.
// An empty path marks an in-memory store, which skips the file lock.
func New(conn *sql.DB, path string) (*DB, error) {
	// A single connection keeps in-memory databases coherent and
	// serializes writers within the process.
	conn.SetMaxOpenConns(1)

	if _, err := conn.Exec(schema); err != nil {
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &DB{conn: conn, path: path}, nil
}

// Close closes the database
func (db *DB) Close() error {
	return db.conn.Close()
}

// Path returns the database file path, empty for in-memory stores
func (db *DB) Path() string {
	return db.path
}

// withWriteLock runs fn holding the cross-process lock of the store file.
func (db *DB) withWriteLock(fn func() error) error {
	if db.path == "" {
		return fn()
	}
	locker := newStoreLock(db.path)
	if err := locker.acquire(defaultTimeout); err != nil {
		return err
	}
	defer locker.release()
	return fn()
}

// Remove deletes the store file at path together with its WAL and lock
// side files. The store must be closed. Missing files are not an error.
func Remove(path string) error {
	for _, p := range []string{path, path + "-wal", path + "-shm", path + lockSuffix} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
