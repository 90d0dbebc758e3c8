// Package resource models a vendor-side FHIR resource captured locally by a
// sync or bulk-export job.
package resource

import (
	"time"

	"github.com/google/uuid"
)

type DownloadState string

const (
	DownloadStateNone     DownloadState = "NONE"
	DownloadStatePending  DownloadState = "PENDING"
	DownloadStateComplete DownloadState = "COMPLETE"
	DownloadStateFailed   DownloadState = "FAILED"
)

// FHIRResource is a vendor resource captured locally. RawPayload is retained
// verbatim (never mutated) so the transformation engine can be re-run against
// it as rules evolve.
type FHIRResource struct {
	ID                 uuid.UUID     `db:"id" json:"id"`
	ConnectionID       uuid.UUID     `db:"connection_id" json:"connectionId"`
	ResourceType       string        `db:"resource_type" json:"resourceType"`
	VendorResourceID   string        `db:"vendor_resource_id" json:"vendorResourceId"`
	RawPayload         []byte        `db:"raw_payload" json:"-"`
	Title              *string       `db:"title" json:"title,omitempty"`
	Date               *time.Time    `db:"date" json:"date,omitempty"`
	Category           *string       `db:"category" json:"category,omitempty"`
	ResourceStatus     *string       `db:"resource_status" json:"status,omitempty"`
	ContentType        *string       `db:"content_type" json:"contentType,omitempty"`
	ContentURL         *string       `db:"content_url" json:"contentUrl,omitempty"`
	DownloadState      DownloadState `db:"download_state" json:"downloadState"`
	LocalFilePath      *string       `db:"local_file_path" json:"localFilePath,omitempty"`
	Processed          bool          `db:"processed" json:"processed"`
	LastUpdateObserved *time.Time    `db:"last_update_observed" json:"lastUpdateObserved,omitempty"`
	CreatedAt          time.Time     `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updatedAt"`
}

// Key returns the (connection, vendor resource id, resource type) tuple that
// must be unique per spec §3, and that makes repeated ingestion idempotent.
type Key struct {
	ConnectionID     uuid.UUID
	VendorResourceID string
	ResourceType     string
}

func (r *FHIRResource) Key() Key {
	return Key{ConnectionID: r.ConnectionID, VendorResourceID: r.VendorResourceID, ResourceType: r.ResourceType}
}
