// Package errorrecord holds the operational error taxonomy spec §4.6's
// Telemetry Router classifies incoming failures into: a master/sub code
// pair, a deduplication fingerprint, and up to three sample stack traces
// retained per fingerprint.
package errorrecord

import (
	"time"

	"github.com/google/uuid"
)

// Severity ranks an ErrorRecord for retention and alerting purposes.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// MaxSamples is the default cap on retained stack-trace samples per
// fingerprint (spec §3's "up to three sample stack traces"). Config can
// override this via MAX_SAMPLE_STACK_TRACES.
const MaxSamples = 3

// ErrorRecord is one deduplicated operational error: every further
// occurrence within the dedup window increments OccurrenceCount and
// refreshes LastSeen rather than creating a new row.
type ErrorRecord struct {
	ID              uuid.UUID
	Fingerprint     string
	MasterCode      string
	SubCode         string
	Message         string
	Endpoint        string
	Severity        Severity
	FirstSeen       time.Time
	LastSeen        time.Time
	OccurrenceCount int
	Samples         []string
}

// AddSample appends a stack-trace sample, keeping at most max entries
// (oldest dropped first) so a hot, frequently-firing error doesn't grow
// its record without bound.
func (e *ErrorRecord) AddSample(sample string, max int) {
	if sample == "" {
		return
	}
	e.Samples = append(e.Samples, sample)
	if len(e.Samples) > max {
		e.Samples = e.Samples[len(e.Samples)-max:]
	}
}
