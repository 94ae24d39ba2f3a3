// Package state persists the small JSON state records of the cache services.
// Records are flushed synchronously after every mutation.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// Record names
const (
	ConfigCacheService  = "config_cache_service"
	ProductCacheService = "product_cache_service"
)

// FileName is the state file under the storage directory
const FileName = "state.json"

// Store holds named JSON records backed by one file
type Store struct {
	mu      sync.Mutex
	path    string
	records map[string]json.RawMessage
}

// Open loads the state file at path, starting empty when it does not exist
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]json.RawMessage)}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read state: %w", err)
	}
	if len(data) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(data, &s.records); err != nil {
		return nil, fmt.Errorf("parse state %s: %w", path, err)
	}
	return s, nil
}

// Get decodes the record name into v. It returns false if the record is absent.
func (s *Store) Get(name string, v any) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, ok := s.records[name]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return true, fmt.Errorf("decode state %s: %w", name, err)
	}
	return true, nil
}

// Set replaces the record name with v and flushes the file
func (s *Store) Set(name string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[name] = data
	return s.flush()
}

// Update loads record name into v, applies fn and writes the result back
// while holding the store lock, so concurrent updates do not interleave.
func Update[T any](s *Store, name string, fn func(*T)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var v T
	if raw, ok := s.records[name]; ok {
		if err := json.Unmarshal(raw, &v); err != nil {
			return fmt.Errorf("decode state %s: %w", name, err)
		}
	}
	fn(&v)

	data, err := json.Marshal(&v)
	if err != nil {
		return fmt.Errorf("encode state %s: %w", name, err)
	}
	s.records[name] = data
	return s.flush()
}

// flush writes the file using atomic write (temp file + rename).
// Caller must hold s.mu.
func (s *Store) flush() error {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	data, err := json.MarshalIndent(s.records, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, "state-*.json.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, s.path)
}
