package errorrecord

import (
	"context"
	"time"
)

// Repository persists ErrorRecords and implements the sliding-window
// deduplication spec §5 requires: IncrementOccurrence is the single
// read-modify-write operation the router calls for both a brand-new
// fingerprint and a repeat one within the window.
type Repository interface {
	Create(ctx context.Context, e *ErrorRecord) error
	GetByFingerprint(ctx context.Context, fingerprint string) (*ErrorRecord, error)

	// IncrementOccurrence is the router's single entry point for recording
	// an observed error. If candidate.Fingerprint is unseen, or reset is
	// true (the caller determined the existing record's last occurrence
	// fell outside the dedup window), candidate is written as a fresh
	// first occurrence. Otherwise the existing record's OccurrenceCount,
	// LastSeen, and Samples are updated in place and candidate's
	// classification fields are left untouched. Returns the stored record
	// and whether this call started a fresh occurrence count.
	IncrementOccurrence(ctx context.Context, candidate *ErrorRecord, maxSamples int, now time.Time, reset bool) (rec *ErrorRecord, created bool, err error)

	ListBySeverity(ctx context.Context, sev Severity, limit int) ([]*ErrorRecord, error)
	DeleteOlderThan(ctx context.Context, sev Severity, cutoff time.Time) (int64, error)

	Stats(ctx context.Context) (StatsResult, error)
}

// StatsResult summarizes the current error population by severity, for
// the admin dashboard and the rotation/retention job's logging.
type StatsResult struct {
	TotalRecords     int64
	TotalOccurrences int64
	BySeverity       map[Severity]int64
}
