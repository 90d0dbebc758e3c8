package conflict

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var ErrAlreadyResolved = errors.New("conflict: already resolved")

// Repository persists Conflict records.
type Repository interface {
	Create(ctx context.Context, c *Conflict) error
	GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error)
	ListUnresolved(ctx context.Context, connectionID uuid.UUID) ([]*Conflict, error)
	ListByResource(ctx context.Context, connectionID uuid.UUID, resourceType, resourceID string) ([]*Conflict, error)
	Update(ctx context.Context, c *Conflict) error
}
