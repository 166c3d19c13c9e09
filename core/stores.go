package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// TokenStore is the credential boundary. Implementations own persistence;
// callers never write credentials anywhere else.
type TokenStore interface {
	Get(ctx context.Context, identity string) (Credential, error)
	Put(ctx context.Context, identity string, credential Credential) error
}

// ExpiringLister is implemented by token stores that can list credentials
// approaching expiry.
type ExpiringLister interface {
	ExpiringWithin(ctx context.Context, window time.Duration, now time.Time) ([]Credential, error)
}

// EventStore persists webhook events. InsertIfAbsent must be atomic on
// DeliveryID: a second insert with the same id returns the stored event and
// inserted=false.
type EventStore interface {
	InsertIfAbsent(ctx context.Context, event WebhookEvent) (WebhookEvent, bool, error)
	Get(ctx context.Context, deliveryID string) (WebhookEvent, error)
	UpdateState(ctx context.Context, update EventStateUpdate) error
	ListByState(ctx context.Context, state EventState, limit int) ([]WebhookEvent, error)
}

type EventStateUpdate struct {
	DeliveryID string
	State      EventState
	Attempts   int
	LastError  string
	UpdatedAt  time.Time
}

type MemoryTokenStore struct {
	mu    sync.RWMutex
	items map[string]Credential
}

func NewMemoryTokenStore() *MemoryTokenStore {
	return &MemoryTokenStore{items: map[string]Credential{}}
}

func (s *MemoryTokenStore) Get(_ context.Context, identity string) (Credential, error) {
	if s == nil {
		return Credential{}, fmt.Errorf("core: token store is nil")
	}
	identity = strings.TrimSpace(identity)
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.items[identity]
	if !ok {
		return Credential{}, fmt.Errorf("%w: %q", ErrCredentialNotFound, identity)
	}
	return credential.Clone(), nil
}

func (s *MemoryTokenStore) Put(_ context.Context, identity string, credential Credential) error {
	if s == nil {
		return fmt.Errorf("core: token store is nil")
	}
	identity = strings.TrimSpace(identity)
	credential.Identity = identity
	if err := credential.Validate(); err != nil {
		return err
	}
	if credential.UpdatedAt.IsZero() {
		credential.UpdatedAt = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[identity] = credential.Clone()
	return nil
}

func (s *MemoryTokenStore) ExpiringWithin(_ context.Context, window time.Duration, now time.Time) ([]Credential, error) {
	if s == nil {
		return nil, fmt.Errorf("core: token store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := []Credential{}
	for _, credential := range s.items {
		if credential.Expired(now, window) {
			out = append(out, credential.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].ExpiresAt.Equal(*out[j].ExpiresAt) {
			return out[i].ExpiresAt.Before(*out[j].ExpiresAt)
		}
		return out[i].Identity < out[j].Identity
	})
	return out, nil
}

type MemoryEventStore struct {
	mu    sync.RWMutex
	seq   int64
	items map[string]memoryEvent
}

type memoryEvent struct {
	seq   int64
	event WebhookEvent
}

func NewMemoryEventStore() *MemoryEventStore {
	return &MemoryEventStore{items: map[string]memoryEvent{}}
}

func (s *MemoryEventStore) InsertIfAbsent(_ context.Context, event WebhookEvent) (WebhookEvent, bool, error) {
	if s == nil {
		return WebhookEvent{}, false, fmt.Errorf("core: event store is nil")
	}
	deliveryID := strings.TrimSpace(event.DeliveryID)
	if deliveryID == "" {
		return WebhookEvent{}, false, fmt.Errorf("core: delivery id is required")
	}
	event.DeliveryID = deliveryID
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.items[deliveryID]; ok {
		return existing.event.Clone(), false, nil
	}
	s.seq++
	s.items[deliveryID] = memoryEvent{seq: s.seq, event: event.Clone()}
	return event.Clone(), true, nil
}

func (s *MemoryEventStore) Get(_ context.Context, deliveryID string) (WebhookEvent, error) {
	if s == nil {
		return WebhookEvent{}, fmt.Errorf("core: event store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[strings.TrimSpace(deliveryID)]
	if !ok {
		return WebhookEvent{}, fmt.Errorf("%w: %q", ErrEventNotFound, deliveryID)
	}
	return item.event.Clone(), nil
}

func (s *MemoryEventStore) UpdateState(_ context.Context, update EventStateUpdate) error {
	if s == nil {
		return fmt.Errorf("core: event store is nil")
	}
	deliveryID := strings.TrimSpace(update.DeliveryID)
	s.mu.Lock()
	defer s.mu.Unlock()
	item, ok := s.items[deliveryID]
	if !ok {
		return fmt.Errorf("%w: %q", ErrEventNotFound, deliveryID)
	}
	updatedAt := update.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = time.Now().UTC()
	}
	if err := item.event.TransitionTo(update.State, update.LastError, updatedAt); err != nil {
		return err
	}
	item.event.Attempts = update.Attempts
	s.items[deliveryID] = item
	return nil
}

func (s *MemoryEventStore) ListByState(_ context.Context, state EventState, limit int) ([]WebhookEvent, error) {
	if s == nil {
		return nil, fmt.Errorf("core: event store is nil")
	}
	s.mu.RLock()
	matches := make([]memoryEvent, 0, len(s.items))
	for _, item := range s.items {
		if item.event.State == state {
			matches = append(matches, item)
		}
	}
	s.mu.RUnlock()

	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].event.ReceivedAt.Equal(matches[j].event.ReceivedAt) {
			return matches[i].event.ReceivedAt.Before(matches[j].event.ReceivedAt)
		}
		return matches[i].seq < matches[j].seq
	})
	if limit > 0 && len(matches) > limit {
		matches = matches[:limit]
	}
	out := make([]WebhookEvent, 0, len(matches))
	for _, item := range matches {
		out = append(out, item.event.Clone())
	}
	return out, nil
}

var (
	_ TokenStore     = (*MemoryTokenStore)(nil)
	_ ExpiringLister = (*MemoryTokenStore)(nil)
	_ EventStore     = (*MemoryEventStore)(nil)
)
