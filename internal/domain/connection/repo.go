package connection

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists Connection records.
type Repository interface {
	Create(ctx context.Context, c *Connection) error
	GetByID(ctx context.Context, id uuid.UUID) (*Connection, error)
	ListByUser(ctx context.Context, userID string) ([]*Connection, error)
	ListDueForSync(ctx context.Context, asOf time.Time) ([]*Connection, error)
	Update(ctx context.Context, c *Connection) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error
	Delete(ctx context.Context, id uuid.UUID) error
}
