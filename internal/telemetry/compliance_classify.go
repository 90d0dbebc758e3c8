package telemetry

import (
	"strings"

	"github.com/ehrcore/ehrcore/internal/domain/complianceincident"
)

// complianceKeywords maps a message substring to the regulated category
// it implies, checked only when the caller hasn't supplied an explicit
// category. Order matters: more specific phrases are listed before the
// generic catch-alls.
var complianceKeywords = []struct {
	substr   string
	category complianceincident.Category
}{
	{"unauthorized access to patient", complianceincident.CategoryUnauthorizedAccess},
	{"unauthorized access", complianceincident.CategoryUnauthorizedAccess},
	{"protected health information", complianceincident.CategoryPHIDisclosure},
	{"phi disclosure", complianceincident.CategoryPHIDisclosure},
	{"encryption failure", complianceincident.CategoryInsufficientEncryption},
	{"insufficient encryption", complianceincident.CategoryInsufficientEncryption},
	{"audit log failure", complianceincident.CategoryMissingAuditLogs},
	{"missing audit log", complianceincident.CategoryMissingAuditLogs},
	{"access control", complianceincident.CategoryInadequateAccessControls},
	{"breach notification", complianceincident.CategoryBreachNotificationFailure},
	{"business associate", complianceincident.CategoryBusinessAssociateViolation},
	{"minimum necessary", complianceincident.CategoryMinimumNecessaryViolation},
	{"patient rights", complianceincident.CategoryPatientRightsViolation},
	{"risk analysis", complianceincident.CategorySecurityRiskAnalysisFailure},
	{"hipaa", complianceincident.CategoryGeneric},
	{"compliance violation", complianceincident.CategoryGeneric},
}

// complianceCategories is the closed set of valid explicit categories a
// caller may supply, mirroring complianceKeywords' targets.
var complianceCategories = map[complianceincident.Category]bool{
	complianceincident.CategoryUnauthorizedAccess:          true,
	complianceincident.CategoryPHIDisclosure:               true,
	complianceincident.CategoryInsufficientEncryption:      true,
	complianceincident.CategoryMissingAuditLogs:            true,
	complianceincident.CategoryInadequateAccessControls:    true,
	complianceincident.CategoryBreachNotificationFailure:   true,
	complianceincident.CategoryBusinessAssociateViolation:  true,
	complianceincident.CategoryMinimumNecessaryViolation:   true,
	complianceincident.CategoryPatientRightsViolation:      true,
	complianceincident.CategorySecurityRiskAnalysisFailure: true,
	complianceincident.CategoryGeneric:                     true,
}

// ClassifyCompliance decides whether an incoming error is compliance-
// relevant, per spec §4.6's routing rule: an explicit category always
// wins; otherwise the message is matched against the compliance keyword
// set. Returns ok=false when neither applies, meaning the event is
// purely operational.
func ClassifyCompliance(message string, explicitCategory complianceincident.Category) (complianceincident.Category, bool) {
	if explicitCategory != "" && complianceCategories[explicitCategory] {
		return explicitCategory, true
	}

	lower := strings.ToLower(message)
	for _, rule := range complianceKeywords {
		if strings.Contains(lower, rule.substr) {
			return rule.category, true
		}
	}
	return "", false
}
