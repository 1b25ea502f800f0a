package checkout

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/checkoutguard/internal/pagination"
	"github.com/mbd888/checkoutguard/internal/syncutil"
)

// MemoryStore implements Store using in-memory maps (for demo/testing).
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*ValidationRecord
	bySession map[string][]string // sessionId → record ids in creation order
	events    map[string][]*Event // validationId → events in append order
	locks     syncutil.KeyLock
	now       func() time.Time
}

// NewMemoryStore creates an in-memory validation store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*ValidationRecord),
		bySession: make(map[string][]string),
		events:    make(map[string][]*Event),
		now:       time.Now,
	}
}

func (s *MemoryStore) Create(_ context.Context, r *ValidationRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.ID]; exists {
		return fmt.Errorf("validation %s already exists", r.ID)
	}
	s.records[r.ID] = r.Clone()
	s.bySession[r.SessionID] = append(s.bySession[r.SessionID], r.ID)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*ValidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[id]
	if !ok {
		return nil, ErrValidationNotFound
	}
	return r.Clone(), nil
}

// Update holds the per-id lock across the read-merge-write so concurrent
// patches for one record apply one at a time. Stored records are never
// mutated; the merged copy replaces the old one.
func (s *MemoryStore) Update(ctx context.Context, id string, p Patch) (*ValidationRecord, error) {
	unlock, err := s.locks.Lock(ctx, id)
	if err != nil {
		return nil, err
	}
	defer unlock()

	s.mu.RLock()
	current, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrValidationNotFound
	}

	merged := current.Clone()
	p.Apply(merged, s.now())

	s.mu.Lock()
	s.records[id] = merged
	s.mu.Unlock()

	return merged.Clone(), nil
}

func (s *MemoryStore) LatestBySession(_ context.Context, sessionID string) (*ValidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var latest *ValidationRecord
	for _, id := range s.bySession[sessionID] {
		r := s.records[id]
		if latest == nil || !r.CreatedAt.Before(latest.CreatedAt) {
			latest = r
		}
	}
	if latest == nil {
		return nil, ErrValidationNotFound
	}
	return latest.Clone(), nil
}

func (s *MemoryStore) ListRecent(_ context.Context, since time.Time, cursor *pagination.Cursor, limit int) ([]*ValidationRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*ValidationRecord
	for _, r := range s.records {
		if !r.CreatedAt.Before(since) && cursor.After(r.CreatedAt, r.ID) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID > out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Counts(_ context.Context, since time.Time) (*Counts, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	c := &Counts{}
	for _, r := range s.records {
		if !since.IsZero() && r.CreatedAt.Before(since) {
			continue
		}
		c.Total++
		if r.ValidationResult == ResultPassed {
			c.Passed++
		} else {
			c.Failed++
		}
		if r.IsBot {
			c.BotCount++
		}
		if r.CompletedOrder {
			c.CompletedOrders++
		}
		if r.ProceedToCheckout {
			c.Proceeded++
		}
	}
	return c, nil
}

func (s *MemoryStore) AppendEvent(_ context.Context, e *Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[e.ValidationID]; !ok {
		return ErrValidationNotFound
	}
	cp := *e
	s.events[e.ValidationID] = append(s.events[e.ValidationID], &cp)
	return nil
}

func (s *MemoryStore) ListEvents(_ context.Context, validationID string) ([]*Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	src := s.events[validationID]
	out := make([]*Event, 0, len(src))
	for _, e := range src {
		cp := *e
		out = append(out, &cp)
	}
	return out, nil
}

// Compile-time assertion that MemoryStore implements Store.
var _ Store = (*MemoryStore)(nil)
