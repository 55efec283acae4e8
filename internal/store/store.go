// Package store is a small crash-safe key-value store, the Go stand-in for
// the device's NVS flash namespace. Every write is committed with an atomic
// rename so a record is either fully present or untouched after power loss.
// The rollback machinery depends on that guarantee.
package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/renameio/v2"
	"gopkg.in/yaml.v3"
)

// Namespace is the key namespace used by the mesh OTA subsystem.
const Namespace = "mesh"

// Store persists namespaced string keys in a single YAML file.
type Store struct {
	path string

	mu   sync.Mutex
	data map[string]map[string]string
}

// Open loads the store at path, creating an empty one if the file is
// missing.
func Open(path string) (*Store, error) {
	s := &Store{path: path, data: map[string]map[string]string{}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, err
	}

	if err := yaml.Unmarshal(raw, &s.data); err != nil {
		return nil, fmt.Errorf("store %s: %w", path, err)
	}
	if s.data == nil {
		s.data = map[string]map[string]string{}
	}
	return s, nil
}

// GetString returns the value for key in namespace ns.
func (s *Store) GetString(ns, key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[ns][key]
	return v, ok
}

// SetString stores and durably commits a value.
func (s *Store) SetString(ns, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data[ns] == nil {
		s.data[ns] = map[string]string{}
	}
	s.data[ns][key] = value
	return s.commitLocked()
}

// GetUint8 returns the value for key as a uint8.
func (s *Store) GetUint8(ns, key string) (uint8, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.data[ns][key]
	if !ok {
		return 0, false
	}
	n, err := strconv.ParseUint(v, 10, 8)
	if err != nil {
		return 0, false
	}
	return uint8(n), true
}

// SetUint8 stores and durably commits a uint8 value.
func (s *Store) SetUint8(ns, key string, value uint8) error {
	return s.SetString(ns, key, strconv.FormatUint(uint64(value), 10))
}

// Has reports whether key exists in namespace ns. Key presence alone is
// meaningful for flags like the rollback record.
func (s *Store) Has(ns, key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.data[ns][key]
	return ok
}

// Delete removes a key and commits. Deleting a missing key is a no-op.
func (s *Store) Delete(ns, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[ns][key]; !ok {
		return nil
	}
	delete(s.data[ns], key)
	return s.commitLocked()
}

func (s *Store) commitLocked() error {
	raw, err := yaml.Marshal(s.data)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	return renameio.WriteFile(s.path, raw, 0o644)
}
