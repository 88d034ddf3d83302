package hitl

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-process Store. Used by tests and by deployments that
// run without a database.
type MemoryStore struct {
	mu      sync.Mutex
	threads map[string]Thread
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{threads: make(map[string]Thread)}
}

func (s *MemoryStore) CreateThread(ctx context.Context, t Thread) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.threads[t.ID]; ok {
		return fmt.Errorf("thread %s exists", t.ID)
	}
	s.threads[t.ID] = t
	return nil
}

func (s *MemoryStore) GetThread(ctx context.Context, id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	return t, nil
}

func (s *MemoryStore) ListThreads(ctx context.Context, limit, offset int) ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	all := make([]Thread, 0, len(s.threads))
	for _, t := range s.threads {
		all = append(all, t)
	}
	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})
	if offset >= len(all) {
		return []Thread{}, nil
	}
	all = all[offset:]
	if limit > 0 && limit < len(all) {
		all = all[:limit]
	}
	return all, nil
}

func (s *MemoryStore) TransitionThread(ctx context.Context, id string, from, to State, comment string, at time.Time) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.threads[id]
	if !ok {
		return Thread{}, ErrNotFound
	}
	if t.State != from {
		return Thread{}, fmt.Errorf("%w: state %s", ErrAlreadyResolved, t.State)
	}
	t.State = to
	if comment != "" {
		t.Comment = comment
	}
	t.UpdatedAt = at
	s.threads[id] = t
	return t, nil
}
