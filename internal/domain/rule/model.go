// Package rule models the transformation rules the mapping engine applies
// when moving a resource between a vendor's wire format and the local
// canonical one.
package rule

import (
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindFieldMapping   Kind = "FIELD_MAPPING"
	KindValueMapping   Kind = "VALUE_MAPPING"
	KindTypeConversion Kind = "TYPE_CONVERSION"
	KindConcat         Kind = "CONCAT"
	KindSplit          Kind = "SPLIT"
	KindCalculation    Kind = "CALCULATION"
	KindConditional    Kind = "CONDITIONAL"
	KindLookup         Kind = "LOOKUP"
	KindCustom         Kind = "CUSTOM"
)

var ValidKinds = map[Kind]bool{
	KindFieldMapping: true, KindValueMapping: true, KindTypeConversion: true,
	KindConcat: true, KindSplit: true, KindCalculation: true,
	KindConditional: true, KindLookup: true, KindCustom: true,
}

type Direction string

const (
	DirectionInbound  Direction = "INBOUND"
	DirectionOutbound Direction = "OUTBOUND"
)

// TransformationRule maps one field (or set of fields) between a vendor's
// wire format and the local canonical representation. Rules are indexed by
// (Vendor, ResourceType, Direction) and applied in ascending Priority order;
// ties are broken by CreatedAt so rule sets behave deterministically.
type TransformationRule struct {
	ID              uuid.UUID         `db:"id" json:"id"`
	Vendor          string            `db:"vendor" json:"vendor"`
	ResourceType    string            `db:"resource_type" json:"resourceType"`
	Direction       Direction         `db:"direction" json:"direction"`
	Kind            Kind              `db:"kind" json:"kind"`
	SourceFieldPath string            `db:"source_field_path" json:"sourceFieldPath"`
	TargetFieldPath string            `db:"target_field_path" json:"targetFieldPath"`
	ValueMap        map[string]string `db:"value_map" json:"valueMap,omitempty"`
	Expression      *string           `db:"expression" json:"expression,omitempty"`
	Priority        int               `db:"priority" json:"priority"`
	Enabled         bool              `db:"enabled" json:"enabled"`
	CreatedAt       time.Time         `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time         `db:"updated_at" json:"updatedAt"`
}

// Set is an ordered, enabled-only rule list ready for evaluation.
type Set []*TransformationRule

func (s Set) Len() int      { return len(s) }
func (s Set) Swap(i, j int) { s[i], s[j] = s[j], s[i] }
func (s Set) Less(i, j int) bool {
	if s[i].Priority != s[j].Priority {
		return s[i].Priority < s[j].Priority
	}
	return s[i].CreatedAt.Before(s[j].CreatedAt)
}

// Enabled filters out disabled rules, preserving order.
func Enabled(rules []*TransformationRule) Set {
	var out Set
	for _, r := range rules {
		if r.Enabled {
			out = append(out, r)
		}
	}
	return out
}
