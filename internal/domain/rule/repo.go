package rule

import (
	"context"

	"github.com/google/uuid"
)

// Repository persists TransformationRule records, indexed for lookup by
// (vendor, resource type, direction).
type Repository interface {
	Create(ctx context.Context, r *TransformationRule) error
	GetByID(ctx context.Context, id uuid.UUID) (*TransformationRule, error)
	ListForResource(ctx context.Context, vendor, resourceType string, direction Direction) ([]*TransformationRule, error)
	Update(ctx context.Context, r *TransformationRule) error
	Delete(ctx context.Context, id uuid.UUID) error
}
