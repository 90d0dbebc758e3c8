package syncjob

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists SyncJob records and implements the durable queue
// semantics of spec §4.3: every state change commits before work proceeds.
type Repository interface {
	Create(ctx context.Context, j *SyncJob) error
	GetByID(ctx context.Context, id uuid.UUID) (*SyncJob, error)

	// ClaimNext atomically selects the highest-priority QUEUED or RETRYING
	// job whose connection has no job already PROCESSING, marks it
	// PROCESSING, and assigns it to workerID. It returns (nil, nil) when no
	// claimable job exists. Both implementations derive the busy
	// connections from the PROCESSING jobs in the store.
	ClaimNext(ctx context.Context, workerID string) (*SyncJob, error)

	// Heartbeat renews a claimed job's liveness marker so other workers do
	// not reclaim it.
	Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error

	// ReclaimStale resets PROCESSING jobs whose heartbeat has not been
	// renewed within 2x the heartbeat interval back to QUEUED, without
	// incrementing retry count, and returns the affected job ids.
	ReclaimStale(ctx context.Context, heartbeatInterval time.Duration) ([]uuid.UUID, error)

	Update(ctx context.Context, j *SyncJob) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error

	ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncJob, error)
	ListActiveByConnection(ctx context.Context, connectionID uuid.UUID) ([]*SyncJob, error)
	Stats(ctx context.Context, connectionID uuid.UUID, since time.Time) (StatsResult, error)
	QueueDepth(ctx context.Context) (int, error)
}

// StatsResult is the read-only projection returned by Repository.Stats.
type StatsResult struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}
