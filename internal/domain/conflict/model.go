// Package conflict models field-level disagreements between a locally held
// value and a value newly observed from the remote vendor during sync, and
// the resolution the conflict engine reaches.
package conflict

import (
	"time"

	"github.com/google/uuid"
)

type Resolution string

const (
	ResolutionLocal   Resolution = "LOCAL"
	ResolutionRemote  Resolution = "REMOTE"
	ResolutionMerge   Resolution = "MERGE"
	ResolutionManual  Resolution = "MANUAL"
	ResolutionPending Resolution = ""
)

// Conflict records a single disputed field on a single resource. It is
// created the moment the transform engine detects the discrepancy and is
// later filled in with a resolution, either automatically by the resolution
// chain or by a human reviewer.
type Conflict struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	ConnectionID  uuid.UUID  `db:"connection_id" json:"connectionId"`
	ResourceType  string     `db:"resource_type" json:"resourceType"`
	ResourceID    string     `db:"resource_id" json:"resourceId"`
	FieldPath     string     `db:"field_path" json:"fieldPath"`
	LocalValue    string     `db:"local_value" json:"localValue"`
	RemoteValue   string     `db:"remote_value" json:"remoteValue"`
	DetectedAt    time.Time  `db:"detected_at" json:"detectedAt"`
	Resolution    Resolution `db:"resolution" json:"resolution"`
	ResolvedValue *string    `db:"resolved_value" json:"resolvedValue,omitempty"`
	ResolvedBy    *string    `db:"resolved_by" json:"resolvedBy,omitempty"`
	ResolvedAt    *time.Time `db:"resolved_at" json:"resolvedAt,omitempty"`
}

// IsResolved reports whether a resolution has been reached.
func (c *Conflict) IsResolved() bool {
	return c.Resolution != ResolutionPending
}

// Resolve applies a resolution, stamping ResolvedValue/ResolvedBy/ResolvedAt.
// It refuses to re-resolve an already-resolved conflict; callers that need to
// override a resolution must do so explicitly via a new Conflict record.
func (c *Conflict) Resolve(res Resolution, value, by string, at time.Time) error {
	if c.IsResolved() {
		return ErrAlreadyResolved
	}
	c.Resolution = res
	c.ResolvedValue = &value
	c.ResolvedBy = &by
	c.ResolvedAt = &at
	return nil
}
