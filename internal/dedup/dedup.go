// Package dedup remembers recently accepted webhook event IDs so a redelivered
// event is acknowledged without being processed again.
//
// Claim is an atomic check-and-insert: of several concurrent claims for the
// same ID within the TTL exactly one returns true.
package dedup

import (
	"context"
	"sync"
	"time"

	"courierhook/internal/types"
)

// Store is a TTL-bounded set of event IDs.
type Store interface {
	// Claim records id and reports whether it was absent (or expired).
	Claim(ctx context.Context, id string, ttl time.Duration) (bool, error)
	// Release forgets id so the next delivery can claim it again.
	Release(ctx context.Context, id string) error
}

// sweepInterval is how often MemoryStore drops expired entries.
const sweepInterval = time.Minute

// MemoryStore is an in-process Store. Entries do not survive a restart.
type MemoryStore struct {
	clock types.Clock

	mu        sync.Mutex
	entries   map[string]time.Time
	lastSweep time.Time
}

// NewMemoryStore creates an empty MemoryStore. A nil clock uses real time.
func NewMemoryStore(clock types.Clock) *MemoryStore {
	if clock == nil {
		clock = types.RealClock{}
	}
	return &MemoryStore{
		clock:     clock,
		entries:   make(map[string]time.Time),
		lastSweep: clock.Now(),
	}
}

func (s *MemoryStore) Claim(_ context.Context, id string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if now.Sub(s.lastSweep) >= sweepInterval {
		s.sweepLocked(now)
	}

	if expiry, ok := s.entries[id]; ok && now.Before(expiry) {
		return false, nil
	}
	s.entries[id] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Len returns the number of tracked entries, including expired ones not yet
// swept.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for id, expiry := range s.entries {
		if !now.Before(expiry) {
			delete(s.entries, id)
		}
	}
	s.lastSweep = now
}

var _ Store = (*MemoryStore)(nil)
