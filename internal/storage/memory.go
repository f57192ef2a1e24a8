package storage

import (
	"context"
	"fmt"
	"iter"
	"sort"
	"sync"
	"time"
)

// MemoryStore keeps resources in memory. Tests use it in place of the SQL
// store; the service itself always opens a database.
type MemoryStore struct {
	mu        sync.Mutex
	resources map[string]*Resource
	now       Clock
}

// NewMemoryStore creates an empty in-memory store. A nil clock means time.Now.
func NewMemoryStore(now Clock) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{resources: make(map[string]*Resource), now: now}
}

func (s *MemoryStore) Insert(ctx context.Context, res Resource) error {
	if res.ID == "" {
		return fmt.Errorf("resource id is required")
	}
	if res.Occupancy < 0 {
		res.Occupancy = 0
	}
	res.LastActivityAt = fromEpoch(epoch(res.LastActivityAt))
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.resources[res.ID]; exists {
		return ErrAlreadyExists
	}
	s.resources[res.ID] = &res
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (Resource, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return Resource{}, ErrNotFound
	}
	return *res, nil
}

func (s *MemoryStore) List(ctx context.Context) ([]Resource, error) {
	s.mu.Lock()
	out := make([]Resource, 0, len(s.resources))
	for _, res := range s.resources {
		out = append(out, *res)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) IncrementOccupancy(ctx context.Context, id string) error {
	s.mutate(id, func(res *Resource, now time.Time) {
		res.Occupancy++
		res.LastActivityAt = now
	})
	return nil
}

func (s *MemoryStore) DecrementOccupancy(ctx context.Context, id string) error {
	s.mutate(id, func(res *Resource, now time.Time) {
		if res.Occupancy > 0 {
			res.Occupancy--
		}
		res.LastActivityAt = now
	})
	return nil
}

func (s *MemoryStore) SetOccupancy(ctx context.Context, id string, count int) error {
	if count < 0 {
		return fmt.Errorf("occupancy must be non-negative, got %d", count)
	}
	s.mutate(id, func(res *Resource, now time.Time) {
		if count == 0 && res.Occupancy != 0 {
			res.LastActivityAt = now
		}
		res.Occupancy = count
	})
	return nil
}

func (s *MemoryStore) mutate(id string, fn func(res *Resource, now time.Time)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.resources[id]
	if !ok {
		return
	}
	fn(res, fromEpoch(epoch(s.now())))
}

func (s *MemoryStore) ScanIdleCandidates(ctx context.Context, timeout time.Duration) iter.Seq2[Resource, error] {
	return func(yield func(Resource, error) bool) {
		now := epoch(s.now())
		limit := timeoutSeconds(timeout)

		s.mu.Lock()
		candidates := make([]Resource, 0)
		for _, res := range s.resources {
			if res.Occupancy == 0 && now-epoch(res.LastActivityAt) > limit {
				candidates = append(candidates, *res)
			}
		}
		s.mu.Unlock()

		sort.Slice(candidates, func(i, j int) bool {
			if candidates[i].LastActivityAt.Equal(candidates[j].LastActivityAt) {
				return candidates[i].ID < candidates[j].ID
			}
			return candidates[i].LastActivityAt.Before(candidates[j].LastActivityAt)
		})
		for _, res := range candidates {
			if err := ctx.Err(); err != nil {
				yield(Resource{}, err)
				return
			}
			if !yield(res, nil) {
				return
			}
		}
	}
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.resources, id)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}
