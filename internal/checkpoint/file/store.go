// Package file stores checkpoints as a single JSON document on disk.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/JakeFAU/replay-harvester/internal/harvest"
)

// Store keeps the checkpoint document at path, e.g.
//
//	{"gen9ou": 1718000000, "gen9ou_oldest": 1690000000}
//
// Writes replace the whole file through a temp file and rename so a crash
// never leaves a half-written document behind.
type Store struct {
	path string
	mu   sync.Mutex
}

// New returns a Store for path, creating its parent directory.
func New(path string) (*Store, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create checkpoint dir: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the document location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the document. A missing file is an empty document.
func (s *Store) Load(ctx context.Context) (harvest.Checkpoints, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.read()
}

// Update reads the current document, applies mutate and writes the result
// back. Calls are serialized; a failing mutate leaves the file untouched.
func (s *Store) Update(ctx context.Context, mutate func(harvest.Checkpoints) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.read()
	if err != nil {
		return err
	}
	if err := mutate(current); err != nil {
		return err
	}
	return s.write(current)
}

func (s *Store) read() (harvest.Checkpoints, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return harvest.Checkpoints{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoints: %w", err)
	}
	cps := harvest.Checkpoints{}
	if len(data) == 0 {
		return cps, nil
	}
	if err := json.Unmarshal(data, &cps); err != nil {
		return nil, fmt.Errorf("decode checkpoints %s: %w", s.path, err)
	}
	return cps, nil
}

func (s *Store) write(cps harvest.Checkpoints) error {
	data, err := json.MarshalIndent(cps, "", "  ")
	if err != nil {
		return fmt.Errorf("encode checkpoints: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".checkpoints-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp checkpoint: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp checkpoint: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp checkpoint: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("replace checkpoints: %w", err)
	}
	return nil
}
