// Package memory is the per-group key-value memory exposed to agent
// containers over IPC. Values are opaque JSON; one file per group under
// DATA_DIR/memory/.
package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// ErrKeyNotFound is returned by Get for absent keys.
var ErrKeyNotFound = errors.New("memory key not found")

// Store is a per-group KV store. One mutex serializes all writes; reads go
// through the in-process cache.
type Store struct {
	mu     sync.Mutex
	dir    string
	groups map[string]map[string]json.RawMessage
}

// Open loads the memory directory, creating it if needed. Group files load
// lazily on first access.
func Open(dataDir string) (*Store, error) {
	dir := filepath.Join(dataDir, "memory")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}
	return &Store{dir: dir, groups: make(map[string]map[string]json.RawMessage)}, nil
}

// Get returns the raw value stored under key for the group.
func (s *Store) Get(group, key string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, err := s.loadLocked(group)
	if err != nil {
		return nil, err
	}
	v, ok := kv[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	return v, nil
}

// Set stores value under key for the group.
func (s *Store) Set(group, key string, value json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, err := s.loadLocked(group)
	if err != nil {
		return err
	}
	kv[key] = value
	return s.saveLocked(group, kv)
}

// Delete removes key for the group. Deleting an absent key is a no-op.
func (s *Store) Delete(group, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, err := s.loadLocked(group)
	if err != nil {
		return err
	}
	if _, ok := kv[key]; !ok {
		return nil
	}
	delete(kv, key)
	return s.saveLocked(group, kv)
}

// Keys lists the keys stored for a group.
func (s *Store) Keys(group string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kv, err := s.loadLocked(group)
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(kv))
	for k := range kv {
		keys = append(keys, k)
	}
	return keys, nil
}

func (s *Store) loadLocked(group string) (map[string]json.RawMessage, error) {
	if kv, ok := s.groups[group]; ok {
		return kv, nil
	}

	kv := make(map[string]json.RawMessage)
	data, err := os.ReadFile(s.path(group))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("load memory for %s: %w", group, err)
	}
	if len(data) > 0 {
		if err := json.Unmarshal(data, &kv); err != nil {
			return nil, fmt.Errorf("decode memory for %s: %w", group, err)
		}
	}
	s.groups[group] = kv
	return kv, nil
}

func (s *Store) saveLocked(group string, kv map[string]json.RawMessage) error {
	data, err := json.MarshalIndent(kv, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path(group) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(group))
}

func (s *Store) path(group string) string {
	return filepath.Join(s.dir, group+".json")
}
