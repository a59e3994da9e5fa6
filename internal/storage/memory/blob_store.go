// Package memory stores replay content in-memory for development and tests.
package memory

import (
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"
	"sync"
)

// BlobStore stores replays in-memory and returns pseudo URIs.
type BlobStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

// NewBlobStore creates a new in-memory blob store.
func NewBlobStore() *BlobStore {
	return &BlobStore{data: make(map[string][]byte)}
}

// PutObject persists a copy of the content and returns a URI.
func (s *BlobStore) PutObject(_ context.Context, p string, _ string, data io.Reader) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", fmt.Errorf("path is required")
	}
	byteData, err := io.ReadAll(data)
	if err != nil {
		return "", fmt.Errorf("failed to read data from reader: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[p] = byteData
	return "memory://" + p, nil
}

// GetObject returns a copy of a stored object.
func (s *BlobStore) GetObject(_ context.Context, p string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.data[p]
	if !ok {
		return nil, fmt.Errorf("object %s not found", p)
	}
	return append([]byte(nil), data...), nil
}

// ListDates returns the date segments stored under format.
func (s *BlobStore) ListDates(_ context.Context, format string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seen := make(map[string]struct{})
	for p := range s.data {
		parts := strings.Split(p, "/")
		if len(parts) == 3 && parts[0] == format {
			seen[parts[1]] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// ListObjects returns the stored paths under format/date.
func (s *BlobStore) ListObjects(_ context.Context, format, date string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := path.Join(format, date) + "/"
	seen := make(map[string]struct{})
	for p := range s.data {
		if strings.HasPrefix(p, prefix) && !strings.Contains(p[len(prefix):], "/") {
			seen[p] = struct{}{}
		}
	}
	return sortedKeys(seen), nil
}

// Len returns the number of stored objects.
func (s *BlobStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.data)
}

func sortedKeys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
