package rule

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("rule: not found")

type InMemoryRepository struct {
	mu   sync.RWMutex
	byID map[uuid.UUID]*TransformationRule
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byID: make(map[uuid.UUID]*TransformationRule)}
}

func (r *InMemoryRepository) Create(_ context.Context, in *TransformationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	now := time.Now().UTC()
	in.CreatedAt, in.UpdatedAt = now, now
	cp := *in
	r.byID[in.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*TransformationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rr, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *rr
	return &cp, nil
}

func (r *InMemoryRepository) ListForResource(_ context.Context, vendor, resourceType string, direction Direction) ([]*TransformationRule, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*TransformationRule
	for _, rr := range r.byID {
		if rr.Vendor == vendor && rr.ResourceType == resourceType && rr.Direction == direction {
			cp := *rr
			out = append(out, &cp)
		}
	}
	sort.Sort(Set(out))
	return out, nil
}

func (r *InMemoryRepository) Update(_ context.Context, in *TransformationRule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[in.ID]; !ok {
		return ErrNotFound
	}
	in.UpdatedAt = time.Now().UTC()
	cp := *in
	r.byID[in.ID] = &cp
	return nil
}

func (r *InMemoryRepository) Delete(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byID, id)
	return nil
}
