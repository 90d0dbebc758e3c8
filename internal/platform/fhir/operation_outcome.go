package fhir

import (
	"encoding/json"
	"fmt"
	"strings"
)

// OperationOutcome severity levels per FHIR R4 spec.
const (
	IssueSeverityFatal       = "fatal"
	IssueSeverityError       = "error"
	IssueSeverityWarning     = "warning"
	IssueSeverityInformation = "information"
)

// OperationOutcome issue type codes per FHIR R4 spec.
const (
	IssueTypeInvalid      = "invalid"
	IssueTypeStructure    = "structure"
	IssueTypeRequired     = "required"
	IssueTypeValue        = "value"
	IssueTypeNotFound     = "not-found"
	IssueTypeConflict     = "conflict"
	IssueTypeProcessing   = "processing"
	IssueTypeSecurity     = "security"
	IssueTypeLogin        = "login"
	IssueTypeThrottled    = "throttled"
	IssueTypeNotSupported = "not-supported"
	IssueTypeBusinessRule = "business-rule"
	IssueTypeException    = "exception"
	IssueTypeTimeout      = "timeout"
	IssueTypeDuplicate    = "duplicate"
	IssueTypeDeleted      = "deleted"
	IssueTypeCodeInvalid  = "code-invalid"
)

// validSeverities is the set of valid FHIR issue severity values.
var validSeverities = map[string]bool{
	IssueSeverityFatal:       true,
	IssueSeverityError:       true,
	IssueSeverityWarning:     true,
	IssueSeverityInformation: true,
}

// validIssueTypes is the set of valid FHIR issue type codes.
var validIssueTypes = map[string]bool{
	IssueTypeInvalid:      true,
	IssueTypeStructure:    true,
	IssueTypeRequired:     true,
	IssueTypeValue:        true,
	IssueTypeNotFound:     true,
	IssueTypeConflict:     true,
	IssueTypeProcessing:   true,
	IssueTypeSecurity:     true,
	IssueTypeLogin:        true,
	IssueTypeThrottled:    true,
	IssueTypeNotSupported: true,
	IssueTypeBusinessRule: true,
	IssueTypeException:    true,
	IssueTypeTimeout:      true,
	IssueTypeDuplicate:    true,
	IssueTypeDeleted:      true,
	IssueTypeCodeInvalid:  true,
}

// IsValidSeverity checks whether a severity string is a valid FHIR issue severity.
func IsValidSeverity(s string) bool {
	return validSeverities[s]
}

// IsValidIssueType checks whether a code is a valid FHIR issue type.
func IsValidIssueType(code string) bool {
	return validIssueTypes[code]
}

// ParseOperationOutcome decodes a vendor error-response body as an
// OperationOutcome. It returns ok=false when the body is not an
// OperationOutcome document, which vendors are free to do on transport-
// level failures.
func ParseOperationOutcome(body []byte) (*OperationOutcome, bool) {
	var o OperationOutcome
	if err := json.Unmarshal(body, &o); err != nil || o.ResourceType != "OperationOutcome" {
		return nil, false
	}
	return &o, true
}

// HasErrors reports whether any issue is error- or fatal-severity.
func (o *OperationOutcome) HasErrors() bool {
	for _, issue := range o.Issue {
		if issue.Severity == IssueSeverityError || issue.Severity == IssueSeverityFatal {
			return true
		}
	}
	return false
}

// Summary joins the issues' diagnostics into one line for error
// messages and logs, falling back to severity/code pairs when a vendor
// omits diagnostics.
func (o *OperationOutcome) Summary() string {
	var parts []string
	for _, issue := range o.Issue {
		if issue.Diagnostics != "" {
			parts = append(parts, issue.Diagnostics)
			continue
		}
		parts = append(parts, fmt.Sprintf("%s/%s", issue.Severity, issue.Code))
	}
	return strings.Join(parts, "; ")
}
