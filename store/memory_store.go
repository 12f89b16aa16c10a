package store

import (
	"context"
	"sync"
	"time"

	"github.com/guardian-ai/orchestrator/moderation"
)

// MemoryStore is an in-memory CaseStore for tests and single-process
// development. It enforces the same versioning and idempotency semantics as
// the durable backends and always hands out deep copies so callers cannot
// mutate checkpointed state in place.
type MemoryStore struct {
	mu      sync.RWMutex
	cases   map[string]*moderation.Case
	applied map[string]appliedEntry
	closed  bool
}

type appliedEntry struct {
	caseID    string
	version   int64
	appliedAt time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		cases:   make(map[string]*moderation.Case),
		applied: make(map[string]appliedEntry),
	}
}

func (s *MemoryStore) Create(ctx context.Context, c *moderation.Case, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	if _, ok := s.cases[c.CaseID]; ok {
		return ErrAlreadyExists
	}

	now := time.Now().UTC()
	c.Version = 1
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	s.cases[c.CaseID] = c.Clone()
	s.recordApplied(idempotencyKey, c)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, caseID string) (*moderation.Case, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, ErrStoreClosed
	}
	c, ok := s.cases[caseID]
	if !ok {
		return nil, ErrNotFound
	}
	return c.Clone(), nil
}

func (s *MemoryStore) Update(ctx context.Context, c *moderation.Case, expectedVersion int64, idempotencyKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrStoreClosed
	}
	current, ok := s.cases[c.CaseID]
	if !ok {
		return ErrNotFound
	}
	if current.Version != expectedVersion {
		return ErrVersionConflict
	}

	c.Version = expectedVersion + 1
	c.UpdatedAt = time.Now().UTC()

	s.cases[c.CaseID] = c.Clone()
	s.recordApplied(idempotencyKey, c)
	return nil
}

func (s *MemoryStore) Applied(ctx context.Context, idempotencyKey string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.applied[idempotencyKey]
	return ok, nil
}

func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// recordApplied must be called with the write lock held.
func (s *MemoryStore) recordApplied(key string, c *moderation.Case) {
	if key == "" {
		return
	}
	s.applied[key] = appliedEntry{
		caseID:    c.CaseID,
		version:   c.Version,
		appliedAt: time.Now().UTC(),
	}
}
