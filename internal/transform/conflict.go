package transform

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/ehrcore/ehrcore/internal/domain/conflict"
)

// ConflictPolicy configures conflict detection/resolution for one
// (vendor, resourceType) pair, per spec §4.5.
type ConflictPolicy struct {
	// RemoteAuthoritative lists field paths that always take the remote
	// value without raising a conflict.
	RemoteAuthoritative map[string]bool
	// FieldOverride names a resolution ("LOCAL", "REMOTE", "MERGE") for a
	// specific field path, taking priority over every other policy.
	FieldOverride map[string]conflict.Resolution
	// AutoResolve, when true (driven by the job's resolveConflicts
	// option), applies the newest-wins fallback instead of leaving
	// unresolved conflicts for manual review.
	AutoResolve bool
}

// Detect compares local and remote flattened field values for the same
// (resourceType, vendor resource id) and emits one Conflict per disputed
// field, per spec §4.5 / §3. Both local and remote are flat
// path-to-string-value maps (produced by Flatten, below) so equality is a
// simple string compare regardless of the original JSON type.
func Detect(connectionID uuid.UUID, resourceType, resourceID string, local, remote map[string]string, policy ConflictPolicy, now time.Time) []*conflict.Conflict {
	var out []*conflict.Conflict
	for field, remoteVal := range remote {
		localVal, present := local[field]
		if !present {
			continue
		}
		if localVal == remoteVal {
			continue
		}
		if policy.RemoteAuthoritative[field] {
			continue
		}
		out = append(out, &conflict.Conflict{
			ID:           uuid.New(),
			ConnectionID: connectionID,
			ResourceType: resourceType,
			ResourceID:   resourceID,
			FieldPath:    field,
			LocalValue:   localVal,
			RemoteValue:  remoteVal,
			DetectedAt:   now,
			Resolution:   conflict.ResolutionPending,
		})
	}
	return out
}

// Resolve applies the resolution chain spec §4.5 defines, in priority
// order: per-field override, then remote-authoritative, then (only when
// policy.AutoResolve is set) newest-wins by meta.lastUpdated, finally
// falling back to MANUAL — which leaves the conflict unresolved for a
// human reviewer, per spec §3's "unresolved conflict blocks downstream
// write" invariant.
func Resolve(c *conflict.Conflict, policy ConflictPolicy, remoteLastUpdated, localLastUpdated *time.Time, resolver string, now time.Time) error {
	if override, ok := policy.FieldOverride[c.FieldPath]; ok {
		return resolveAs(c, override, resolver, now)
	}
	if policy.RemoteAuthoritative[c.FieldPath] {
		return resolveAs(c, conflict.ResolutionRemote, resolver, now)
	}
	if policy.AutoResolve && remoteLastUpdated != nil && localLastUpdated != nil {
		if remoteLastUpdated.After(*localLastUpdated) {
			return resolveAs(c, conflict.ResolutionRemote, resolver, now)
		}
		return resolveAs(c, conflict.ResolutionLocal, resolver, now)
	}
	// MANUAL: leave unresolved. Not an error — the caller checks
	// c.IsResolved() to decide whether the field's write is blocked.
	return nil
}

func resolveAs(c *conflict.Conflict, res conflict.Resolution, resolver string, now time.Time) error {
	var value string
	switch res {
	case conflict.ResolutionLocal:
		value = c.LocalValue
	case conflict.ResolutionRemote:
		value = c.RemoteValue
	case conflict.ResolutionMerge:
		value = fmt.Sprintf("%s|%s", c.LocalValue, c.RemoteValue)
	default:
		return fmt.Errorf("transform: unsupported automatic resolution %q", res)
	}
	return c.Resolve(res, value, resolver, now)
}

// Flatten walks a generic JSON document into a path -> stringified-value
// map, so Detect can compare vendor-shaped and canonical documents
// field-by-field regardless of underlying JSON type.
func Flatten(doc map[string]interface{}) map[string]string {
	out := make(map[string]string)
	flattenInto("", doc, out)
	return out
}

func flattenInto(prefix string, v interface{}, out map[string]string) {
	switch t := v.(type) {
	case map[string]interface{}:
		for k, val := range t {
			p := k
			if prefix != "" {
				p = prefix + "." + k
			}
			flattenInto(p, val, out)
		}
	case []interface{}:
		for i, val := range t {
			p := fmt.Sprintf("%s.%d", prefix, i)
			flattenInto(p, val, out)
		}
	case nil:
		// absent, not an empty-string conflict
	default:
		out[prefix] = fmt.Sprintf("%v", t)
	}
}
