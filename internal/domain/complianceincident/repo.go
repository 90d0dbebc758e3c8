package complianceincident

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Repository persists ComplianceIncidents. There is deliberately no
// Delete method: a compliance incident, once created, lives forever —
// closure is a Status transition, not a row removal.
type Repository interface {
	// Create assigns Number atomically from the per-year sequence of the
	// incident's CreatedAt year and inserts the incident.
	Create(ctx context.Context, prefix string, c *ComplianceIncident) error

	GetByID(ctx context.Context, id uuid.UUID) (*ComplianceIncident, error)
	GetByNumber(ctx context.Context, number string) (*ComplianceIncident, error)

	List(ctx context.Context, filter ListFilter) ([]*ComplianceIncident, error)

	UpdateStatus(ctx context.Context, id uuid.UUID, next Status, now time.Time) error
	Update(ctx context.Context, c *ComplianceIncident) error

	AppendAudit(ctx context.Context, incidentID uuid.UUID, entry *AuditEntry) error
	ListAudit(ctx context.Context, incidentID uuid.UUID) ([]*AuditEntry, error)
}

// ListFilter narrows List by optional criteria; zero values are
// wildcards.
type ListFilter struct {
	Status   Status
	Category Category
	Severity Severity
	Limit    int
}
