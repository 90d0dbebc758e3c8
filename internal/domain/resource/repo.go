package resource

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists FHIRResource records. Upsert is the primary write path:
// ingestion is idempotent on (connectionId, resourceType, vendorResourceId).
type Repository interface {
	// Upsert inserts or updates by the unique (connection, resource type,
	// vendor resource id) key. It reports whether the call created a new row
	// (created=true) or updated an existing one with different content
	// (updated=true); both false means the payload was unchanged, satisfying
	// testable property 8 (idempotent re-ingestion).
	Upsert(ctx context.Context, r *FHIRResource) (created, updated bool, err error)
	GetByKey(ctx context.Context, key Key) (*FHIRResource, error)
	ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*FHIRResource, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error

	// SetDownloadState records the outcome of fetching a resource's
	// binary attachment; localPath is stored only on COMPLETE.
	SetDownloadState(ctx context.Context, id uuid.UUID, state DownloadState, localPath string) error
}
