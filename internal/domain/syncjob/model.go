// Package syncjob models one unit of work processed by the sync
// orchestrator: a durable, priority-ordered job moving FHIR resources
// between a vendor EHR and the canonical local store.
package syncjob

import (
	"time"

	"github.com/google/uuid"
)

type JobType string

const (
	JobTypeFull        JobType = "FULL"
	JobTypeIncremental JobType = "INCREMENTAL"
	JobTypePatient     JobType = "PATIENT"
	JobTypeResource    JobType = "RESOURCE"
	JobTypeWebhook     JobType = "WEBHOOK"
	JobTypeBulkExport  JobType = "BULK_EXPORT"
)

type Direction string

const (
	DirectionInbound       Direction = "INBOUND"
	DirectionOutbound      Direction = "OUTBOUND"
	DirectionBidirectional Direction = "BIDIRECTIONAL"
)

type Status string

const (
	StatusPending    Status = "PENDING"
	StatusQueued     Status = "QUEUED"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
	StatusCancelled  Status = "CANCELLED"
	StatusRetrying   Status = "RETRYING"
)

// terminal holds the set of states from which a job never transitions again.
var terminal = map[Status]bool{
	StatusCompleted: true,
	StatusFailed:    true,
	StatusCancelled: true,
}

// IsTerminal reports whether status is one of the job's terminal states.
func IsTerminal(s Status) bool { return terminal[s] }

// legalNext enumerates the state machine edges from §4.3: PENDING → QUEUED →
// PROCESSING → {COMPLETED | FAILED | CANCELLED | RETRYING → QUEUED}. PENDING,
// QUEUED, and PROCESSING may all be cancelled directly.
var legalNext = map[Status]map[Status]bool{
	StatusPending:    {StatusQueued: true, StatusCancelled: true},
	StatusQueued:     {StatusProcessing: true, StatusCancelled: true},
	StatusProcessing: {StatusCompleted: true, StatusFailed: true, StatusCancelled: true, StatusRetrying: true},
	StatusRetrying:   {StatusQueued: true},
}

// CanTransition reports whether moving from 'from' to 'to' is a legal edge in
// the job state machine.
func CanTransition(from, to Status) bool {
	return legalNext[from][to]
}

// Options configures how a job runs.
type Options struct {
	BatchSize        int  `json:"batchSize"`
	MaxRetries       int  `json:"maxRetries"`
	RetryDelayMS     int  `json:"retryDelayMs"`
	TimeoutSeconds   int  `json:"timeoutSeconds"`
	ValidateOutput   bool `json:"validateOutput"`
	ResolveConflicts bool `json:"resolveConflicts"`
}

// DefaultOptions mirrors the defaults named across spec §4.3/§4.4/§5:
// maxRetries 3, a 5-minute job timeout (2 hours for bulk exports, set by the
// caller), and a 100-resource ingestion batch.
func DefaultOptions() Options {
	return Options{
		BatchSize:      100,
		MaxRetries:     3,
		RetryDelayMS:   250,
		TimeoutSeconds: 300,
	}
}

// Counters tracks per-job progress, updated incrementally as resources are
// processed.
type Counters struct {
	Processed int `json:"processed"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
}

// Summary tracks outcome totals for C4's progress reporting.
type Summary struct {
	Created             int   `json:"created"`
	Updated             int   `json:"updated"`
	Deleted             int   `json:"deleted"`
	Bytes               int64 `json:"bytes"`
	DocumentsDownloaded int   `json:"documentsDownloaded"`
}

// SyncJob is one unit of orchestrated work.
type SyncJob struct {
	ID                 uuid.UUID         `db:"id" json:"id"`
	JobType            JobType           `db:"job_type" json:"jobType"`
	Direction          Direction         `db:"direction" json:"direction"`
	Priority           int               `db:"priority" json:"priority"`
	Status             Status            `db:"status" json:"status"`
	ConnectionID       uuid.UUID         `db:"connection_id" json:"connectionId"`
	ResourceTypeFilter *string           `db:"resource_type_filter" json:"resourceTypeFilter,omitempty"`
	ResourceIDs        []string          `db:"resource_ids" json:"resourceIds,omitempty"`
	Filter             map[string]string `db:"filter" json:"filter,omitempty"`
	Options            Options           `db:"options" json:"options"`
	RetryCount         int               `db:"retry_count" json:"retryCount"`
	StartedAt          *time.Time        `db:"started_at" json:"startedAt,omitempty"`
	CompletedAt        *time.Time        `db:"completed_at" json:"completedAt,omitempty"`
	Counters           Counters          `db:"counters" json:"counters"`
	Summary            Summary           `db:"summary" json:"summary"`
	LastError          *string           `db:"last_error" json:"lastError,omitempty"`
	StatusPollURL      *string           `db:"status_poll_url" json:"-"`
	WorkerID           *string           `db:"worker_id" json:"-"`
	HeartbeatAt        *time.Time        `db:"heartbeat_at" json:"-"`
	CreatedAt          time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt          time.Time         `db:"updated_at" json:"updatedAt"`
}

// Duration returns end-start once the job has reached a terminal state, the
// zero duration otherwise.
func (j *SyncJob) Duration() time.Duration {
	if j.StartedAt == nil || j.CompletedAt == nil {
		return 0
	}
	return j.CompletedAt.Sub(*j.StartedAt)
}

// Less implements the total order from §4.3/§5: ascending priority, then
// ascending creation time, then ascending job id as the final tie-break so
// that no two distinct jobs ever compare equal.
func Less(a, b *SyncJob) bool {
	if a.Priority != b.Priority {
		return a.Priority < b.Priority
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID.String() < b.ID.String()
}
