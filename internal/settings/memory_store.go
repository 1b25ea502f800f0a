package settings

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map (for demo/testing).
type MemoryStore struct {
	mu       sync.RWMutex
	settings map[string]Setting
	now      func() time.Time
}

// NewMemoryStore creates an in-memory settings store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		settings: make(map[string]Setting),
		now:      time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, key string) (*Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.settings[key]
	if !ok {
		return nil, ErrSettingNotFound
	}
	return &st, nil
}

func (s *MemoryStore) Put(_ context.Context, key, value string) (*Setting, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Setting{Key: key, Value: value, UpdatedAt: s.now()}
	s.settings[key] = st
	return &st, nil
}

func (s *MemoryStore) List(_ context.Context) ([]*Setting, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Setting, 0, len(s.settings))
	for _, st := range s.settings {
		out = append(out, &st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

var _ Store = (*MemoryStore)(nil)
