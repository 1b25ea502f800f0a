package geo

import (
	"context"
	"sync"
	"time"
)

// MemoryStore implements Store using an in-memory map (for demo/testing).
type MemoryStore struct {
	mu      sync.RWMutex
	records map[string]*Record
	now     func() time.Time
}

// NewMemoryStore creates an in-memory geolocation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records: make(map[string]*Record),
		now:     time.Now,
	}
}

func (s *MemoryStore) Get(_ context.Context, ip string) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[ip]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (s *MemoryStore) Upsert(_ context.Context, e *Enrichment) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &Record{Enrichment: *e, LastUpdated: s.now()}
	rec.Degraded = false
	if prev, ok := s.records[e.IP]; ok {
		rec.fillFrom(prev.Enrichment)
	}
	s.records[e.IP] = rec
	return nil
}

func (s *MemoryStore) Prune(_ context.Context, olderThan time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for ip, r := range s.records {
		if r.LastUpdated.Before(olderThan) {
			delete(s.records, ip)
			n++
		}
	}
	return n, nil
}

// Len returns the number of stored rows.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
