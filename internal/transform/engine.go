package transform

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/ehrcore/ehrcore/internal/domain/rule"
)

// CustomFunc is a pre-registered named function a CUSTOM rule may invoke.
// It receives the full input document and returns the value to write at
// the rule's target field path.
type CustomFunc func(doc map[string]interface{}) (interface{}, error)

// Mode controls how Engine.Apply reacts to a rule whose source field is
// absent from the input document.
type Mode int

const (
	// ModeLenient (the default, per spec §4.5) records a warning and
	// continues with the remaining rules.
	ModeLenient Mode = iota
	// ModeStrict fails the whole Apply call on the first missing field.
	ModeStrict
)

// Engine evaluates TransformationRule sets against an input document,
// producing a canonical (or vendor-shaped, for OUTBOUND) output document.
type Engine struct {
	rules  rule.Repository
	custom map[string]CustomFunc
	mode   Mode
}

func NewEngine(rules rule.Repository, mode Mode) *Engine {
	return &Engine{rules: rules, custom: make(map[string]CustomFunc), mode: mode}
}

// RegisterCustom adds a named function CUSTOM rules may reference by name
// via their Expression field.
func (e *Engine) RegisterCustom(name string, fn CustomFunc) {
	e.custom[name] = fn
}

// Result is what Apply returns: the transformed document plus any lenient-
// mode warnings encountered along the way.
type Result struct {
	Output   map[string]interface{}
	Warnings []string
}

// Apply fetches the rule set for (vendor, resourceType, direction), sorts it
// by ascending priority (ties broken by creation time, per rule.Set), and
// applies each rule in order to a scratch output map, per spec §4.5.
func (e *Engine) Apply(ctx context.Context, vendor, resourceType string, direction rule.Direction, input map[string]interface{}) (*Result, error) {
	rules, err := e.rules.ListForResource(ctx, vendor, resourceType, direction)
	if err != nil {
		return nil, fmt.Errorf("load rules for %s/%s/%s: %w", vendor, resourceType, direction, err)
	}
	set := rule.Enabled(rules)
	sort.Sort(set)

	result := &Result{Output: make(map[string]interface{})}
	for _, r := range set {
		if err := e.applyRule(r, input, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

func (e *Engine) applyRule(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	switch r.Kind {
	case rule.KindFieldMapping:
		return e.applyFieldMapping(r, input, result)
	case rule.KindValueMapping:
		return e.applyValueMapping(r, input, result)
	case rule.KindTypeConversion:
		return e.applyTypeConversion(r, input, result)
	case rule.KindConcat:
		return e.applyConcat(r, input, result)
	case rule.KindSplit:
		return e.applySplit(r, input, result)
	case rule.KindCalculation:
		return e.applyCalculation(r, input, result)
	case rule.KindConditional:
		return e.applyConditional(r, input, result)
	case rule.KindLookup:
		return e.applyLookup(r, input, result)
	case rule.KindCustom:
		return e.applyCustom(r, input, result)
	default:
		return fmt.Errorf("transform: unknown rule kind %q", r.Kind)
	}
}

// missing records a missing source field per the engine's strict/lenient
// mode and reports whether the caller should stop processing this rule.
func (e *Engine) missing(result *Result, r *rule.TransformationRule) error {
	msg := fmt.Sprintf("rule %s: source field %q absent from input", r.ID, r.SourceFieldPath)
	if e.mode == ModeStrict {
		return fmt.Errorf("%s", msg)
	}
	result.Warnings = append(result.Warnings, msg)
	return nil
}

func (e *Engine) applyFieldMapping(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	v, ok := getPath(input, r.SourceFieldPath)
	if !ok {
		return e.missing(result, r)
	}
	setPath(result.Output, r.TargetFieldPath, v)
	return nil
}

func (e *Engine) applyValueMapping(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	v, ok := getPath(input, r.SourceFieldPath)
	if !ok {
		return e.missing(result, r)
	}
	key := fmt.Sprintf("%v", v)
	if mapped, ok := r.ValueMap[key]; ok {
		setPath(result.Output, r.TargetFieldPath, mapped)
		return nil
	}
	// Unknown keys pass through unchanged, per spec §4.5.
	setPath(result.Output, r.TargetFieldPath, v)
	return nil
}

func (e *Engine) applyLookup(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	// LOOKUP resolves via a code-system table identically to VALUE_MAPPING,
	// but unknown codes are dropped rather than passed through, since a
	// code-system lookup that finds nothing is a data gap, not identity.
	v, ok := getPath(input, r.SourceFieldPath)
	if !ok {
		return e.missing(result, r)
	}
	key := fmt.Sprintf("%v", v)
	if mapped, ok := r.ValueMap[key]; ok {
		setPath(result.Output, r.TargetFieldPath, mapped)
	}
	return nil
}

func (e *Engine) applyTypeConversion(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	v, ok := getPath(input, r.SourceFieldPath)
	if !ok {
		return e.missing(result, r)
	}
	target := ""
	if r.Expression != nil {
		target = *r.Expression
	}
	converted, err := convertType(v, target)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	setPath(result.Output, r.TargetFieldPath, converted)
	return nil
}

func convertType(v interface{}, target string) (interface{}, error) {
	switch target {
	case "string":
		return fmt.Sprintf("%v", v), nil
	case "number":
		switch t := v.(type) {
		case float64:
			return t, nil
		case string:
			f, err := strconv.ParseFloat(t, 64)
			if err != nil {
				return nil, fmt.Errorf("convert %q to number: %w", t, err)
			}
			return f, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to number", v)
		}
	case "boolean":
		switch t := v.(type) {
		case bool:
			return t, nil
		case string:
			b, err := strconv.ParseBool(t)
			if err != nil {
				return nil, fmt.Errorf("convert %q to boolean: %w", t, err)
			}
			return b, nil
		default:
			return nil, fmt.Errorf("cannot convert %T to boolean", v)
		}
	case "date":
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("cannot convert %T to date", v)
		}
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			if t, err = time.Parse("2006-01-02", s); err != nil {
				return nil, fmt.Errorf("parse %q as ISO-8601 date: %w", s, err)
			}
		}
		return t.Format(time.RFC3339), nil
	case "array":
		if arr, ok := v.([]interface{}); ok {
			return arr, nil
		}
		return []interface{}{v}, nil
	default:
		return nil, fmt.Errorf("unsupported conversion target %q", target)
	}
}

// applyConcat joins ValueMap's ordered source field paths (keyed "0","1",...
// to preserve order through the map) with Expression as the separator.
// Null/absent values are skipped, not rendered as "null", per spec §4.5.
func (e *Engine) applyConcat(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	sep := ""
	if r.Expression != nil {
		sep = *r.Expression
	}
	paths := orderedConcatFields(r)
	var parts []string
	for _, p := range paths {
		v, ok := getPath(input, p)
		if !ok || v == nil {
			continue
		}
		parts = append(parts, fmt.Sprintf("%v", v))
	}
	setPath(result.Output, r.TargetFieldPath, strings.Join(parts, sep))
	return nil
}

// applySplit is CONCAT's inverse: it splits the source field on Expression
// (the separator) and writes the resulting slice to TargetFieldPath.
func (e *Engine) applySplit(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	v, ok := getPath(input, r.SourceFieldPath)
	if !ok {
		return e.missing(result, r)
	}
	s, ok := v.(string)
	if !ok {
		return fmt.Errorf("rule %s: SPLIT source field is not a string (%T)", r.ID, v)
	}
	sep := ","
	if r.Expression != nil && *r.Expression != "" {
		sep = *r.Expression
	}
	parts := strings.Split(s, sep)
	out := make([]interface{}, len(parts))
	for i, p := range parts {
		out[i] = p
	}
	setPath(result.Output, r.TargetFieldPath, out)
	return nil
}

// orderedConcatFields reads CONCAT's source field list out of ValueMap,
// keyed by stringified position ("0", "1", ...) since TransformationRule
// carries only one SourceFieldPath but CONCAT needs several; the rule's own
// SourceFieldPath is always included first.
func orderedConcatFields(r *rule.TransformationRule) []string {
	fields := []string{r.SourceFieldPath}
	for i := 0; ; i++ {
		v, ok := r.ValueMap[strconv.Itoa(i)]
		if !ok {
			break
		}
		fields = append(fields, v)
	}
	return fields
}

func (e *Engine) applyCalculation(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	if r.Expression == nil {
		return fmt.Errorf("rule %s: CALCULATION requires an expression", r.ID)
	}
	v, err := evalExpression(*r.Expression, input)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	setPath(result.Output, r.TargetFieldPath, v)
	return nil
}

// applyConditional writes the source field to the target only when
// Expression evaluates to true over the input document; otherwise it is a
// no-op (not a missing-field warning, since the condition legitimately
// chose to skip the field).
func (e *Engine) applyConditional(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	if r.Expression == nil {
		return fmt.Errorf("rule %s: CONDITIONAL requires an expression", r.ID)
	}
	ok, err := evalCondition(*r.Expression, input)
	if err != nil {
		return fmt.Errorf("rule %s: %w", r.ID, err)
	}
	if !ok {
		return nil
	}
	v, present := getPath(input, r.SourceFieldPath)
	if !present {
		return e.missing(result, r)
	}
	setPath(result.Output, r.TargetFieldPath, v)
	return nil
}

func (e *Engine) applyCustom(r *rule.TransformationRule, input map[string]interface{}, result *Result) error {
	if r.Expression == nil {
		return fmt.Errorf("rule %s: CUSTOM requires a registered function name", r.ID)
	}
	fn, ok := e.custom[*r.Expression]
	if !ok {
		return fmt.Errorf("rule %s: no CUSTOM function registered as %q", r.ID, *r.Expression)
	}
	v, err := fn(input)
	if err != nil {
		return fmt.Errorf("rule %s: custom function %q: %w", r.ID, *r.Expression, err)
	}
	setPath(result.Output, r.TargetFieldPath, v)
	return nil
}
