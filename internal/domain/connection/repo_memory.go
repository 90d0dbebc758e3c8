package connection

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// InMemoryRepository is a thread-safe in-memory Repository, used in tests and
// in the orchestrator's own unit tests where a real database is unavailable.
type InMemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Connection
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byID: make(map[uuid.UUID]*Connection)}
}

func (r *InMemoryRepository) Create(_ context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	cp := *c
	r.byID[c.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryRepository) ListByUser(_ context.Context, userID string) ([]*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.byID {
		if c.UserID == userID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListDueForSync(_ context.Context, asOf time.Time) ([]*Connection, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Connection
	for _, c := range r.byID {
		if !c.AutoSync || c.Status != StatusActive {
			continue
		}
		if c.NextSyncAt == nil || !c.NextSyncAt.After(asOf) {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) Update(_ context.Context, c *Connection) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = time.Now().UTC()
	cp := *c
	r.byID[c.ID] = &cp
	return nil
}

func (r *InMemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}
