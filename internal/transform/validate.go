package transform

import "fmt"

// ValidationError is raised when validateOutput is set on a job (spec
// §4.5) and the transformed record is missing a field the canonical schema
// declares required. The ingest path skips writing the record rather than
// persisting a partial one, and the job counts it as Skipped; no error
// record of any severity is raised for it.
type ValidationError struct {
	ResourceType string
	MissingField string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("transform: %s missing required field %q", e.ResourceType, e.MissingField)
}

// RequiredFields is the canonical schema's required-field table, indexed by
// resource type. It is a static map covering the US Core baseline resource
// types every adapter supports; nothing loads it from configuration.
var RequiredFields = map[string][]string{
	"Patient":            {"id", "name"},
	"Observation":        {"id", "status", "code"},
	"Condition":          {"id", "code"},
	"MedicationRequest":  {"id", "status", "medication"},
	"AllergyIntolerance": {"id", "code"},
	"Immunization":       {"id", "status", "vaccineCode"},
	"Procedure":          {"id", "status", "code"},
	"DocumentReference":  {"id", "status"},
}

// ValidateRequired checks that every field RequiredFields declares for
// resourceType is present in output, returning the first missing one as a
// *ValidationError.
func ValidateRequired(resourceType string, output map[string]interface{}) error {
	for _, field := range RequiredFields[resourceType] {
		if _, ok := getPath(output, field); !ok {
			return &ValidationError{ResourceType: resourceType, MissingField: field}
		}
	}
	return nil
}
