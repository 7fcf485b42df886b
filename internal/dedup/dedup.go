// Package dedup is the idempotency gate for webhook processing.
//
// A key is "processed" from the moment it is marked until its horizon elapses.
// The horizon must be longer than the upstream's redelivery window.
package dedup

import (
	"context"
	"sync"
	"time"
)

const (
	DefaultNotificationHorizon = 10 * time.Minute
	DefaultMessageHorizon      = time.Hour
)

// Store is a TTL set of processed keys
type Store interface {
	IsProcessed(ctx context.Context, key string) (bool, error)
	MarkProcessed(ctx context.Context, key string) error
	// TryMark marks key and reports true if it was not already processed
	TryMark(ctx context.Context, key string) (bool, error)
	// Forget releases a key so a failed notification can be redelivered
	Forget(ctx context.Context, key string) error
}

// Manager holds the two independent caches used by the reconciler
type Manager struct {
	notifications Store
	messages      Store
}

// NewManager pairs a notification store with a Gmail-message store
func NewManager(notifications, messages Store) *Manager {
	return &Manager{notifications: notifications, messages: messages}
}

// NewMemoryManager builds a process-scoped manager with the given horizons
func NewMemoryManager(notificationHorizon, messageHorizon time.Duration) *Manager {
	return NewManager(NewMemoryStore(notificationHorizon), NewMemoryStore(messageHorizon))
}

func (m *Manager) Notifications() Store { return m.notifications }
func (m *Manager) Messages() Store      { return m.messages }

// MemoryStore is an in-process TTL set guarded by a mutex.
// Expired entries are swept on every mark.
type MemoryStore struct {
	horizon time.Duration
	now     func() time.Time

	mu      sync.Mutex
	entries map[string]time.Time
}

// NewMemoryStore creates a store that remembers keys for horizon
func NewMemoryStore(horizon time.Duration) *MemoryStore {
	return &MemoryStore{
		horizon: horizon,
		now:     time.Now,
		entries: make(map[string]time.Time),
	}
}

// WithClock overrides the time source
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) live(key string, now time.Time) bool {
	at, ok := s.entries[key]
	return ok && now.Sub(at) < s.horizon
}

func (s *MemoryStore) IsProcessed(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live(key, s.now()), nil
}

func (s *MemoryStore) MarkProcessed(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.entries[key] = now
	s.sweep(now)
	return nil
}

func (s *MemoryStore) TryMark(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if s.live(key, now) {
		return false, nil
	}
	s.entries[key] = now
	s.sweep(now)
	return true, nil
}

func (s *MemoryStore) Forget(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.entries, key)
	s.mu.Unlock()
	return nil
}

// Len returns the number of entries currently held, expired or not
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, at := range s.entries {
		if now.Sub(at) >= s.horizon {
			delete(s.entries, k)
		}
	}
}
