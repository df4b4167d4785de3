package challenge

import (
	"context"
	"math/big"
	"sync"
	"time"

	"silentauth/internal/keypair"
	"silentauth/internal/security"
)

// MemoryStore is a Store held in process memory.
type MemoryStore struct {
	mu         sync.Mutex
	challenges map[string]*Challenge
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{challenges: make(map[string]*Challenge)}
}

// Create implements Store.
func (s *MemoryStore) Create(_ context.Context, c *Challenge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.challenges[c.PublicID]; ok {
		return ErrDuplicateID
	}
	s.challenges[c.PublicID] = c.Clone()
	return nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, publicID string) (*Challenge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[publicID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

// Transition implements Store.
func (s *MemoryStore) Transition(_ context.Context, publicID string, from, to Status, at time.Time) error {
	if from.Terminal() || !to.Valid() || !to.Terminal() {
		return ErrInvalidStatus
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.challenges[publicID]
	if !ok {
		return ErrNotFound
	}
	if c.Status != from {
		return ErrConflict
	}
	finalize(c, to, at)
	return nil
}

// ExpirePending implements Store.
func (s *MemoryStore) ExpirePending(_ context.Context, identity string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, c := range s.challenges {
		if c.Identity == identity && c.Status == StatusPending {
			finalize(c, StatusExpired, at)
			n++
		}
	}
	return n, nil
}

// Sweep implements Store.
func (s *MemoryStore) Sweep(_ context.Context, now, purgeBefore time.Time) (SweepResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var res SweepResult
	for id, c := range s.challenges {
		switch {
		case c.Status == StatusPending && now.After(c.ExpiresAt):
			finalize(c, StatusExpired, now)
			res.Expired = append(res.Expired, c.Clone())
		case c.Status.Terminal() && c.FinalizedAt.Before(purgeBefore):
			delete(s.challenges, id)
			res.Purged++
		}
	}
	return res, nil
}

// Len returns the number of stored challenges.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.challenges)
}

// finalize moves c to a terminal status and drops its message.
func finalize(c *Challenge, to Status, at time.Time) {
	c.Status = to
	c.FinalizedAt = at
	security.Wipe(c.Message)
	c.Message = nil
}

// MemoryRegistry is a KeyRegistry held in process memory.
type MemoryRegistry struct {
	mu   sync.RWMutex
	keys map[string]*keypair.PublicKey
}

// NewMemoryRegistry returns an empty MemoryRegistry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{keys: make(map[string]*keypair.PublicKey)}
}

// PublicKey implements KeyRegistry.
func (r *MemoryRegistry) PublicKey(_ context.Context, identity string) (*keypair.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	pub, ok := r.keys[identity]
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return &keypair.PublicKey{N: new(big.Int).Set(pub.N), E: pub.E}, nil
}

// RegisterKey implements KeyRegistry.
func (r *MemoryRegistry) RegisterKey(_ context.Context, identity string, pub *keypair.PublicKey, _ string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.keys[identity] = &keypair.PublicKey{N: new(big.Int).Set(pub.N), E: pub.E}
	return nil
}
