// Package telemetry implements the Telemetry Router: classifying every
// error raised anywhere in the core into an operational master/sub code
// or a regulated compliance category, deduplicating the former within a
// sliding window, and routing the latter into an immutable incident
// store with notification dispatch.
package telemetry

import "strings"

// MasterCode is a top-level operational error category.
type MasterCode string

const (
	MasterDBConnection   MasterCode = "DB_CONNECTION_ERROR"
	MasterDBQuery        MasterCode = "DB_QUERY_ERROR"
	MasterAPIIntegration MasterCode = "API_INTEGRATION_ERROR"
	MasterEHRSync        MasterCode = "EHR_SYNC_ERROR"
	MasterEHRFHIR        MasterCode = "EHR_FHIR_ERROR"
	MasterValidation     MasterCode = "VALIDATION_ERROR"
	MasterAuthorization  MasterCode = "AUTHORIZATION_ERROR"
	MasterSystem         MasterCode = "SYSTEM_ERROR"
	MasterFileSystem     MasterCode = "FILE_SYSTEM_ERROR"
	MasterNetwork        MasterCode = "NETWORK_ERROR"
)

// subCodeList is the closed, ordered set each master code owns. Order
// matters only in that subCodeList[m][0] is the default sub-code used
// when keyword matching resolves a master code but no specific
// sub-code. A caller-supplied SubCode outside its MasterCode's set is
// rejected by Classify.
var subCodeList = map[MasterCode][]string{
	MasterDBConnection: {
		"DB_TIMEOUT", "DB_AUTH_FAILED", "DB_POOL_EXHAUSTED", "DB_CONNECTION_REFUSED", "DB_HOST_UNREACHABLE",
	},
	MasterDBQuery: {
		"DB_CONSTRAINT_VIOLATION", "DB_SYNTAX_ERROR", "DB_DEADLOCK", "DB_QUERY_TIMEOUT",
	},
	MasterAPIIntegration: {
		"API_BAD_REQUEST", "API_NOT_FOUND", "API_RATE_LIMITED", "API_UNPROCESSABLE", "API_UNEXPECTED_RESPONSE",
	},
	MasterEHRSync: {
		"SYNC_JOB_FAILED", "SYNC_TIMEOUT", "SYNC_CONFLICT_UNRESOLVED", "SYNC_QUEUE_SATURATED",
	},
	MasterEHRFHIR: {
		"FHIR_INVALID_BUNDLE", "FHIR_OPERATION_OUTCOME", "FHIR_UNSUPPORTED_RESOURCE", "FHIR_EXPORT_FAILED",
	},
	MasterValidation: {
		"VALIDATION_REQUIRED_FIELD", "VALIDATION_TYPE_MISMATCH", "VALIDATION_SCHEMA",
	},
	MasterAuthorization: {
		"AUTH_TOKEN_EXPIRED", "AUTH_TOKEN_INVALID", "AUTH_STATE_MISMATCH", "AUTH_EXCHANGE_FAILED", "AUTH_FORBIDDEN",
	},
	MasterSystem: {
		"SYSTEM_UNCLASSIFIED", "SYSTEM_PANIC", "SYSTEM_OUT_OF_MEMORY", "SYSTEM_CONFIG_INVALID",
	},
	MasterFileSystem: {
		"FS_DISK_FULL", "FS_PERMISSION_DENIED", "FS_FILE_NOT_FOUND",
	},
	MasterNetwork: {
		"NET_TIMEOUT", "NET_CONNECTION_REFUSED", "NET_DNS_FAILURE", "NET_TLS_ERROR",
	},
}

// subCodeSet indexes subCodeList for O(1) membership checks, built once
// at init from the ordered source of truth above.
var subCodeSet = func() map[MasterCode]map[string]bool {
	out := make(map[MasterCode]map[string]bool, len(subCodeList))
	for master, subs := range subCodeList {
		set := make(map[string]bool, len(subs))
		for _, s := range subs {
			set[s] = true
		}
		out[master] = set
	}
	return out
}()

// keywordRules maps a message substring (checked case-insensitively) to
// the master code it implies, used only when the caller hasn't supplied
// an explicit sub-code. Checked in order; first match wins, so more
// specific substrings are listed before general ones.
var keywordRules = []struct {
	substr string
	master MasterCode
}{
	{"connection refused", MasterNetwork},
	{"timeout", MasterNetwork},
	{"dns", MasterNetwork},
	{"tls", MasterNetwork},
	{"pool exhausted", MasterDBConnection},
	{"database", MasterDBConnection},
	{"deadlock", MasterDBQuery},
	{"sql", MasterDBQuery},
	{"unauthorized", MasterAuthorization},
	{"forbidden", MasterAuthorization},
	{"token expired", MasterAuthorization},
	{"bundle", MasterEHRFHIR},
	{"fhir", MasterEHRFHIR},
	{"export", MasterEHRFHIR},
	{"sync", MasterEHRSync},
	{"validation", MasterValidation},
	{"required field", MasterValidation},
	{"disk", MasterFileSystem},
	{"permission denied", MasterFileSystem},
	{"panic", MasterSystem},
	{"out of memory", MasterSystem},
}

// Classification is Classify's result.
type Classification struct {
	MasterCode MasterCode
	SubCode    string
}

// Classify resolves an error's master/sub code. If subCode is non-empty
// it must belong to a known master's set (spec §4.6: "a caller may
// supply a sub-code directly"); otherwise Classify falls back to
// keyword matching against message, defaulting to MasterSystem /
// "SYSTEM_UNCLASSIFIED" when nothing matches.
func Classify(message, subCode string) Classification {
	if subCode != "" {
		for master, subs := range subCodeSet {
			if subs[subCode] {
				return Classification{MasterCode: master, SubCode: subCode}
			}
		}
	}

	lower := strings.ToLower(message)
	for _, rule := range keywordRules {
		if strings.Contains(lower, rule.substr) {
			return Classification{MasterCode: rule.master, SubCode: subCodeList[rule.master][0]}
		}
	}
	return Classification{MasterCode: MasterSystem, SubCode: "SYSTEM_UNCLASSIFIED"}
}
