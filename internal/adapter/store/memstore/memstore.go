// Package memstore is an in-memory implementation of the persistence port,
// used in tests and when persistence is disabled.
package memstore

import (
	"context"
	"fmt"
	"sync"

	"github.com/fairyhunter13/capability-orchestrator/internal/domain"
)

// Store keeps namespaced records in a map. It is safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	data   map[string][]byte
	saves  map[string]int
	failOn map[string]error
}

// New returns an empty store.
func New() *Store {
	return &Store{
		data:   make(map[string][]byte),
		saves:  make(map[string]int),
		failOn: make(map[string]error),
	}
}

// Load returns a copy of the record stored under key.
func (s *Store) Load(_ context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err, ok := s.failOn[key]; ok {
		return nil, err
	}
	v, ok := s.data[key]
	if !ok {
		return nil, fmt.Errorf("op=memstore.Load key=%s: %w", key, domain.ErrNotFound)
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, nil
}

// Save stores a copy of data under key.
func (s *Store) Save(_ context.Context, key string, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failOn[key]; ok {
		return err
	}
	v := make([]byte, len(data))
	copy(v, data)
	s.data[key] = v
	s.saves[key]++
	return nil
}

// Saves reports how many times key was written.
func (s *Store) Saves(key string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.saves[key]
}

// Put seeds a raw record, bypassing failure injection.
func (s *Store) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[key] = append([]byte(nil), data...)
}

// FailOn makes every Load and Save of key return err. A nil err clears it.
func (s *Store) FailOn(key string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failOn, key)
		return
	}
	s.failOn[key] = err
}
