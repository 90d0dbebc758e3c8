package conflict

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("conflict: not found")

type InMemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*Conflict
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byID: make(map[uuid.UUID]*Conflict)}
}

func (r *InMemoryRepository) Create(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.DetectedAt.IsZero() {
		c.DetectedAt = time.Now().UTC()
	}
	cp := *c
	r.byID[c.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryRepository) ListUnresolved(_ context.Context, connectionID uuid.UUID) ([]*Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conflict
	for _, c := range r.byID {
		if c.ConnectionID == connectionID && !c.IsResolved() {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) ListByResource(_ context.Context, connectionID uuid.UUID, resourceType, resourceID string) ([]*Conflict, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*Conflict
	for _, c := range r.byID {
		if c.ConnectionID == connectionID && c.ResourceType == resourceType && c.ResourceID == resourceID {
			cp := *c
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) Update(_ context.Context, c *Conflict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	r.byID[c.ID] = &cp
	return nil
}
