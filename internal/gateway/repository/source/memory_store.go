package source

import (
	"context"
	"fmt"
	"sync"
)

type MemoryStore struct {
	mu   sync.RWMutex
	data map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string][]byte),
	}
}

func (s *MemoryStore) Put(_ context.Context, checksum string, content []byte) error {
	if s == nil {
		return fmt.Errorf("store is nil")
	}
	checksum, err := normalizeChecksum(checksum)
	if err != nil {
		return err
	}
	if err := checkContent(checksum, content); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.data[checksum]; !ok {
		s.data[checksum] = append([]byte(nil), content...)
	}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, checksum string) ([]byte, error) {
	if s == nil {
		return nil, fmt.Errorf("store is nil")
	}
	checksum, err := normalizeChecksum(checksum)
	if err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	raw, ok := s.data[checksum]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), raw...), nil
}

// Corrupt overwrites a blob in place. It exists so tamper detection can be
// exercised; the store never does this on its own.
func (s *MemoryStore) Corrupt(checksum string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data[checksum] = append([]byte(nil), content...)
}

func (s *MemoryStore) GetURL(context.Context, string) (string, error) {
	// Memory store doesn't support URLs
	return "", nil
}
