package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrStateNotFound = errors.New("ratelimit: state not found")

// StateStore persists budget snapshots so a restarted process can seed its
// scopes from the last observed headers instead of rediscovering them.
type StateStore interface {
	Get(ctx context.Context, scope Scope) (Budget, error)
	Upsert(ctx context.Context, budget Budget) error
}

type MemoryStateStore struct {
	mu    sync.RWMutex
	items map[string]Budget
}

func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{items: map[string]Budget{}}
}

func (s *MemoryStateStore) Get(_ context.Context, scope Scope) (Budget, error) {
	if s == nil {
		return Budget{}, fmt.Errorf("ratelimit: state store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	budget, ok := s.items[normalizeScope(scope).Key()]
	if !ok {
		return Budget{}, ErrStateNotFound
	}
	return budget.Clone(), nil
}

func (s *MemoryStateStore) Upsert(_ context.Context, budget Budget) error {
	if s == nil {
		return fmt.Errorf("ratelimit: state store is nil")
	}
	budget.Scope = normalizeScope(budget.Scope)
	if err := budget.Scope.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[budget.Scope.Key()] = budget.Clone()
	return nil
}

var _ StateStore = (*MemoryStateStore)(nil)
