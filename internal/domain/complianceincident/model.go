// Package complianceincident holds the regulated-category incident
// record spec §3/§4.6 requires: once created a ComplianceIncident is
// never deleted, only appended to and transitioned through its status
// lifecycle, since it may itself be evidence in a breach investigation.
package complianceincident

import (
	"time"

	"github.com/google/uuid"
)

// Category is one of the regulated incident kinds the Telemetry Router
// recognizes, distinct from (and routed separately from) operational
// error codes.
type Category string

const (
	CategoryUnauthorizedAccess          Category = "UNAUTHORIZED_ACCESS"
	CategoryPHIDisclosure               Category = "PHI_DISCLOSURE"
	CategoryInsufficientEncryption      Category = "INSUFFICIENT_ENCRYPTION"
	CategoryMissingAuditLogs            Category = "MISSING_AUDIT_LOGS"
	CategoryInadequateAccessControls    Category = "INADEQUATE_ACCESS_CONTROLS"
	CategoryBreachNotificationFailure   Category = "BREACH_NOTIFICATION_FAILURE"
	CategoryBusinessAssociateViolation  Category = "BUSINESS_ASSOCIATE_VIOLATION"
	CategoryMinimumNecessaryViolation   Category = "MINIMUM_NECESSARY_VIOLATION"
	CategoryPatientRightsViolation      Category = "PATIENT_RIGHTS_VIOLATION"
	CategorySecurityRiskAnalysisFailure Category = "SECURITY_RISK_ANALYSIS_FAILURE"
	CategoryGeneric                     Category = "COMPLIANCE_VIOLATION"
)

// Severity mirrors errorrecord.Severity but is kept as its own type:
// compliance severity drives regulator-notification deadlines, not log
// retention, and the two scales are allowed to diverge.
type Severity string

const (
	SeverityLow      Severity = "LOW"
	SeverityMedium   Severity = "MEDIUM"
	SeverityHigh     Severity = "HIGH"
	SeverityCritical Severity = "CRITICAL"
)

// Status is the incident's lifecycle. Transitions are forward-only.
type Status string

const (
	StatusDetected      Status = "DETECTED"
	StatusAcknowledged  Status = "ACKNOWLEDGED"
	StatusInvestigating Status = "INVESTIGATING"
	StatusContained     Status = "CONTAINED"
	StatusReported      Status = "REPORTED"
	StatusRemediated    Status = "REMEDIATED"
	StatusClosed        Status = "CLOSED"
)

var legalNext = map[Status]map[Status]bool{
	StatusDetected:      {StatusAcknowledged: true, StatusInvestigating: true},
	StatusAcknowledged:  {StatusInvestigating: true, StatusContained: true},
	StatusInvestigating: {StatusContained: true, StatusReported: true},
	StatusContained:     {StatusReported: true, StatusRemediated: true},
	StatusReported:      {StatusRemediated: true, StatusClosed: true},
	StatusRemediated:    {StatusClosed: true},
	StatusClosed:        {},
}

// CanTransition reports whether moving from s to next is a legal forward
// step in the incident lifecycle.
func (s Status) CanTransition(next Status) bool {
	return legalNext[s][next]
}

// AuditEntry is one immutable append to an incident's audit trail —
// every status change, assignment, or regulator communication is
// recorded here rather than overwriting a field, per the "never
// deleted" invariant.
type AuditEntry struct {
	ID        uuid.UUID
	Actor     string
	Action    string
	Detail    string
	CreatedAt time.Time
}

// ComplianceIncident is a regulated-category event serious enough to
// require its own durable, numbered record, independent of the
// operational error dedup path.
type ComplianceIncident struct {
	ID                       uuid.UUID
	Number                   string // "{prefix}-{year}-{sequence}", e.g. "CI-2026-0007"
	Severity                 Severity
	Category                 Category
	Description              string
	DataExposed              bool
	RecordsAffected          int
	Status                   Status
	AssignedTo               string
	ReportedToRegulatorAt    *time.Time
	BreachNotificationDueAt  *time.Time
	BreachNotificationSentAt *time.Time
	RelatedErrorFingerprint  string
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// RequiresBreachNotification reports whether regulatory breach
// notification timers apply — PHI exposure and data breaches trigger
// them, lower-severity access-control findings do not unless they also
// exposed data.
func (c *ComplianceIncident) RequiresBreachNotification() bool {
	return c.DataExposed || c.Category == CategoryPHIDisclosure
}
