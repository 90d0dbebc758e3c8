package resource

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("resource: not found")

// InMemoryRepository is a thread-safe Repository used in tests.
type InMemoryRepository struct {
	mu         sync.Mutex
	byKey      map[Key]*FHIRResource
	listByConn map[uuid.UUID][]*FHIRResource
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byKey:      make(map[Key]*FHIRResource),
		listByConn: make(map[uuid.UUID][]*FHIRResource),
	}
}

func (r *InMemoryRepository) Upsert(_ context.Context, in *FHIRResource) (bool, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := in.Key()
	existing, ok := r.byKey[key]
	now := time.Now().UTC()

	if !ok {
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		in.CreatedAt, in.UpdatedAt = now, now
		cp := *in
		r.byKey[key] = &cp
		r.listByConn[in.ConnectionID] = append(r.listByConn[in.ConnectionID], &cp)
		return true, false, nil
	}

	if bytes.Equal(existing.RawPayload, in.RawPayload) {
		return false, false, nil
	}

	in.ID = existing.ID
	in.CreatedAt = existing.CreatedAt
	in.UpdatedAt = now
	cp := *in
	r.byKey[key] = &cp
	for i, stored := range r.listByConn[in.ConnectionID] {
		if stored.ID == existing.ID {
			r.listByConn[in.ConnectionID][i] = &cp
			break
		}
	}
	return false, true, nil
}

func (r *InMemoryRepository) GetByKey(_ context.Context, key Key) (*FHIRResource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.byKey[key]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *res
	return &cp, nil
}

func (r *InMemoryRepository) ListByConnection(_ context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*FHIRResource, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*FHIRResource
	for _, res := range r.listByConn[connectionID] {
		if resourceType == "" || res.ResourceType == resourceType {
			cp := *res
			out = append(out, &cp)
		}
	}
	if offset >= len(out) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(out) {
		end = len(out)
	}
	return out[offset:end], nil
}

func (r *InMemoryRepository) MarkProcessed(_ context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.byKey {
		if res.ID == id {
			res.Processed = true
			return nil
		}
	}
	return ErrNotFound
}

func (r *InMemoryRepository) SetDownloadState(_ context.Context, id uuid.UUID, state DownloadState, localPath string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, stored := range r.byKey {
		if stored.ID == id {
			stored.DownloadState = state
			if state == DownloadStateComplete && localPath != "" {
				stored.LocalFilePath = &localPath
			}
			stored.UpdatedAt = time.Now().UTC()
			return nil
		}
	}
	return ErrNotFound
}
