package syncjob

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("syncjob: not found")

// InMemoryRepository is a thread-safe Repository used by orchestrator tests
// and as a development fallback. It implements the same claim invariants as
// the PostgreSQL repository: priority ascending, then creation time, then job
// id; at most one PROCESSING job per connection at any instant.
type InMemoryRepository struct {
	mu   sync.Mutex
	byID map[uuid.UUID]*SyncJob
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byID: make(map[uuid.UUID]*SyncJob)}
}

func (r *InMemoryRepository) Create(_ context.Context, j *SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	now := time.Now().UTC()
	j.CreatedAt, j.UpdatedAt = now, now
	cp := *j
	r.byID[j.ID] = &cp
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (r *InMemoryRepository) ClaimNext(_ context.Context, workerID string) (*SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	busyConnections := make(map[uuid.UUID]bool)
	var candidates []*SyncJob
	for _, j := range r.byID {
		if j.Status == StatusProcessing {
			busyConnections[j.ConnectionID] = true
		}
	}
	for _, j := range r.byID {
		if (j.Status == StatusQueued || j.Status == StatusRetrying) && !busyConnections[j.ConnectionID] {
			candidates = append(candidates, j)
		}
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	sort.Slice(candidates, func(i, k int) bool { return Less(candidates[i], candidates[k]) })

	winner := candidates[0]
	winner.Status = StatusProcessing
	now := time.Now().UTC()
	winner.StartedAt = &now
	winner.HeartbeatAt = &now
	winner.WorkerID = &workerID
	winner.UpdatedAt = now

	cp := *winner
	return &cp, nil
}

func (r *InMemoryRepository) Heartbeat(_ context.Context, id uuid.UUID, workerID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if j.WorkerID == nil || *j.WorkerID != workerID {
		return errors.New("syncjob: heartbeat from non-owning worker")
	}
	now := time.Now().UTC()
	j.HeartbeatAt = &now
	return nil
}

func (r *InMemoryRepository) ReclaimStale(_ context.Context, heartbeatInterval time.Duration) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	deadline := time.Now().UTC().Add(-2 * heartbeatInterval)
	var reclaimed []uuid.UUID
	for _, j := range r.byID {
		if j.Status != StatusProcessing {
			continue
		}
		if j.HeartbeatAt != nil && j.HeartbeatAt.Before(deadline) {
			j.Status = StatusQueued
			j.WorkerID = nil
			j.HeartbeatAt = nil
			j.UpdatedAt = time.Now().UTC()
			reclaimed = append(reclaimed, j.ID)
		}
	}
	return reclaimed, nil
}

func (r *InMemoryRepository) Update(_ context.Context, j *SyncJob) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[j.ID]; !ok {
		return ErrNotFound
	}
	j.UpdatedAt = time.Now().UTC()
	cp := *j
	r.byID[j.ID] = &cp
	return nil
}

func (r *InMemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	j, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	j.Status = status
	j.UpdatedAt = time.Now().UTC()
	if IsTerminal(status) {
		now := time.Now().UTC()
		j.CompletedAt = &now
	}
	return nil
}

func (r *InMemoryRepository) ListByConnection(_ context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var all []*SyncJob
	for _, j := range r.byID {
		if j.ConnectionID == connectionID {
			cp := *j
			all = append(all, &cp)
		}
	}
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[offset:end], nil
}

func (r *InMemoryRepository) ListActiveByConnection(_ context.Context, connectionID uuid.UUID) ([]*SyncJob, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*SyncJob
	for _, j := range r.byID {
		if j.ConnectionID == connectionID && (j.Status == StatusQueued || j.Status == StatusProcessing || j.Status == StatusRetrying) {
			cp := *j
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) Stats(_ context.Context, connectionID uuid.UUID, since time.Time) (StatsResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var s StatsResult
	for _, j := range r.byID {
		if j.ConnectionID != connectionID || j.CreatedAt.Before(since) {
			continue
		}
		s.Total++
		switch j.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		case StatusCancelled:
			s.Cancelled++
		}
	}
	return s, nil
}

func (r *InMemoryRepository) QueueDepth(_ context.Context) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	depth := 0
	for _, j := range r.byID {
		if j.Status == StatusQueued || j.Status == StatusRetrying {
			depth++
		}
	}
	return depth, nil
}
