// Package memory provides an in-process checkpoint store for development and
// tests.
package memory

import (
	"context"
	"sync"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

// Store keeps checkpoints in a map guarded by a mutex.
type Store struct {
	mu   sync.RWMutex
	data harvest.Checkpoints
}

// New returns a Store seeded with a copy of initial.
func New(initial harvest.Checkpoints) *Store {
	return &Store{data: initial.Clone()}
}

// Load returns a copy of the document.
func (s *Store) Load(_ context.Context) (harvest.Checkpoints, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.data.Clone(), nil
}

// Update applies mutate to a copy and swaps it in on success.
func (s *Store) Update(_ context.Context, mutate func(harvest.Checkpoints) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.data.Clone()
	if err := mutate(next); err != nil {
		return err
	}
	s.data = next
	return nil
}
