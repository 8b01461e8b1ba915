package registry

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"cmdforge/internal/types"
)

type MemoryStore struct {
	mu       sync.RWMutex
	commands map[string][]types.RegisteredCommand
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{commands: make(map[string][]types.RegisteredCommand)}
}

func (s *MemoryStore) Versions(_ context.Context, name string) ([]types.RegisteredCommand, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]types.RegisteredCommand(nil), s.commands[name]...), nil
}

func (s *MemoryStore) Names(context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.commands))
	for name := range s.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) Apply(_ context.Context, m Mutation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Work on copies so a failed mutation leaves nothing behind.
	staged := make(map[string][]types.RegisteredCommand)
	get := func(name string) []types.RegisteredCommand {
		if v, ok := staged[name]; ok {
			return v
		}
		v := append([]types.RegisteredCommand(nil), s.commands[name]...)
		staged[name] = v
		return v
	}
	for _, u := range m.Updates {
		versions := get(u.Name)
		i := indexOf(versions, u.Version)
		if i < 0 {
			return fmt.Errorf("update %s v%d: %w", u.Name, u.Version, ErrVersionNotFound)
		}
		versions[i].Status = u.Status
	}
	if in := m.Insert; in != nil {
		versions := get(in.Name)
		if indexOf(versions, in.Version) >= 0 {
			return fmt.Errorf("insert %s v%d: version exists", in.Name, in.Version)
		}
		c := *in
		c.Source = ""
		staged[in.Name] = append(versions, c)
	}
	for name, versions := range staged {
		active := 0
		for _, c := range versions {
			if c.Status == types.StatusActive {
				active++
			}
		}
		if active > 1 {
			return fmt.Errorf("mutation leaves %d active versions of %s", active, name)
		}
	}
	for name, versions := range staged {
		s.commands[name] = versions
	}
	return nil
}

func (s *MemoryStore) Close() error { return nil }

func indexOf(versions []types.RegisteredCommand, version int) int {
	for i, c := range versions {
		if c.Version == version {
			return i
		}
	}
	return -1
}
