// Package ingest is the shared inbound write path: every FHIR resource
// arriving from a vendor — whether from a paged Search during a sync job
// or from an NDJSON bulk-export file — passes through one Processor that
// applies the transformation rules, detects conflicts against the local
// record, and upserts into the canonical store.
package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ehrcore/ehrcore/internal/domain/conflict"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/rule"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/platform/fhir"
	"github.com/ehrcore/ehrcore/internal/transform"
	"github.com/ehrcore/ehrcore/pkg/fhirmodels"
)

// Outcome reports what one Process call did with a resource.
type Outcome struct {
	Created bool
	Updated bool
	// Skipped is true when the resource was not written: a failed
	// required-field validation, an unresolved conflict blocking the
	// write, or conflicts resolved in favor of the local record.
	Skipped    bool
	SkipReason string
	Conflicts  []*conflict.Conflict
}

// Processor applies the transform/conflict pipeline for inbound writes.
type Processor struct {
	engine    *transform.Engine
	resources resource.Repository
	conflicts conflict.Repository
	now       func() time.Time
}

func NewProcessor(engine *transform.Engine, resources resource.Repository, conflicts conflict.Repository) *Processor {
	return &Processor{engine: engine, resources: resources, conflicts: conflicts, now: time.Now}
}

// Process ingests one raw vendor resource for conn under job's options.
// The raw payload is stored verbatim; transformation output feeds the
// extracted metadata columns and the conflict comparison.
func (p *Processor) Process(ctx context.Context, conn *connection.Connection, job *syncjob.SyncJob, raw json.RawMessage) (*Outcome, error) {
	var env fhir.Resource
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode vendor resource: %w", err)
	}
	if env.ResourceType == "" || env.ID == "" {
		return nil, fmt.Errorf("vendor resource missing resourceType or id")
	}
	resourceType, vendorID := env.ResourceType, env.ID

	var doc map[string]interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode vendor resource: %w", err)
	}

	result, err := p.engine.Apply(ctx, string(conn.Vendor), resourceType, rule.DirectionInbound, doc)
	if err != nil {
		return nil, fmt.Errorf("transform %s/%s: %w", resourceType, vendorID, err)
	}
	canonical := result.Output
	if len(canonical) == 0 {
		// No rules configured for this (vendor, type): the raw document
		// is its own canonical shape.
		canonical = doc
	}

	if job.Options.ValidateOutput {
		if err := transform.ValidateRequired(resourceType, canonical); err != nil {
			return &Outcome{Skipped: true, SkipReason: err.Error()}, nil
		}
	}

	now := p.now().UTC()
	outcome := &Outcome{}

	existing, getErr := p.resources.GetByKey(ctx, resource.Key{
		ConnectionID:     conn.ID,
		VendorResourceID: vendorID,
		ResourceType:     resourceType,
	})
	if getErr == nil && existing != nil {
		conflicts, verdict, err := p.detectConflicts(ctx, conn, job, resourceType, vendorID, existing, doc, canonical, now)
		if err != nil {
			return nil, err
		}
		outcome.Conflicts = conflicts
		switch verdict {
		case writeBlocked:
			outcome.Skipped = true
			outcome.SkipReason = "unresolved conflicts block write"
			return outcome, nil
		case keepLocal:
			outcome.Skipped = true
			outcome.SkipReason = "conflicts resolved in favor of the local record"
			return outcome, nil
		}
	}

	rec := buildResource(conn, resourceType, vendorID, raw, canonical)
	created, updated, err := p.resources.Upsert(ctx, rec)
	if err != nil {
		return nil, fmt.Errorf("upsert %s/%s: %w", resourceType, vendorID, err)
	}
	outcome.Created = created
	outcome.Updated = updated
	return outcome, nil
}

// Outbound transforms one locally stored resource through the OUTBOUND
// rule set into the vendor's wire shape. A nil, nil return means the
// record was skipped: no outbound rules produced output, or validation
// rejected the result.
func (p *Processor) Outbound(ctx context.Context, conn *connection.Connection, job *syncjob.SyncJob, rec *resource.FHIRResource) (map[string]interface{}, error) {
	var doc map[string]interface{}
	if err := json.Unmarshal(rec.RawPayload, &doc); err != nil {
		return nil, fmt.Errorf("decode stored payload for %s/%s: %w", rec.ResourceType, rec.VendorResourceID, err)
	}
	result, err := p.engine.Apply(ctx, string(conn.Vendor), rec.ResourceType, rule.DirectionOutbound, doc)
	if err != nil {
		return nil, fmt.Errorf("outbound transform %s/%s: %w", rec.ResourceType, rec.VendorResourceID, err)
	}
	if len(result.Output) == 0 {
		return nil, nil
	}
	if job.Options.ValidateOutput {
		if err := transform.ValidateRequired(rec.ResourceType, result.Output); err != nil {
			return nil, nil
		}
	}
	return result.Output, nil
}

// conflictVerdict is detectConflicts' decision about the pending write.
type conflictVerdict int

const (
	// writeRemote means the remote payload may be applied.
	writeRemote conflictVerdict = iota
	// writeBlocked means at least one conflict is unresolved and the job
	// has not opted into auto-resolution.
	writeBlocked
	// keepLocal means the resolution chain decided the local record wins
	// (the store holds whole payloads, so a local win skips the write;
	// the disputed remote values survive on the conflict rows).
	keepLocal
)

// detectConflicts compares the stored record's canonical view against the
// incoming one, persists every detected conflict, and runs the resolution
// chain.
func (p *Processor) detectConflicts(ctx context.Context, conn *connection.Connection, job *syncjob.SyncJob, resourceType, vendorID string, existing *resource.FHIRResource, remoteDoc, remoteCanonical map[string]interface{}, now time.Time) ([]*conflict.Conflict, conflictVerdict, error) {
	var localDoc map[string]interface{}
	if err := json.Unmarshal(existing.RawPayload, &localDoc); err != nil {
		// A stored payload that no longer parses cannot be compared;
		// take the remote wholesale.
		return nil, writeRemote, nil
	}
	localResult, err := p.engine.Apply(ctx, string(conn.Vendor), resourceType, rule.DirectionInbound, localDoc)
	if err != nil {
		return nil, writeRemote, fmt.Errorf("transform local %s/%s: %w", resourceType, vendorID, err)
	}
	localCanonical := localResult.Output
	if len(localCanonical) == 0 {
		localCanonical = localDoc
	}

	policy := transform.ConflictPolicy{
		RemoteAuthoritative: map[string]bool{"meta.lastUpdated": true, "meta.versionId": true},
		AutoResolve:         job.Options.ResolveConflicts,
	}
	detected := transform.Detect(conn.ID, resourceType, vendorID,
		transform.Flatten(localCanonical), transform.Flatten(remoteCanonical), policy, now)

	remoteUpdated := metaLastUpdated(remoteDoc)
	localUpdated := metaLastUpdated(localDoc)
	if localUpdated == nil {
		localUpdated = existing.LastUpdateObserved
	}

	verdict := writeRemote
	localWins := false
	for _, c := range detected {
		if err := transform.Resolve(c, policy, remoteUpdated, localUpdated, "sync-worker", now); err != nil {
			return nil, writeRemote, err
		}
		if err := p.conflicts.Create(ctx, c); err != nil {
			return nil, writeRemote, fmt.Errorf("record conflict on %s: %w", c.FieldPath, err)
		}
		if !c.IsResolved() {
			verdict = writeBlocked
		}
		if c.Resolution == conflict.ResolutionLocal {
			localWins = true
		}
	}
	if verdict == writeRemote && localWins {
		verdict = keepLocal
	}
	return detected, verdict, nil
}

func buildResource(conn *connection.Connection, resourceType, vendorID string, raw json.RawMessage, canonical map[string]interface{}) *resource.FHIRResource {
	rec := &resource.FHIRResource{
		ConnectionID:     conn.ID,
		ResourceType:     resourceType,
		VendorResourceID: vendorID,
		RawPayload:       raw,
		DownloadState:    resource.DownloadStateNone,
	}
	if s := stringAt(canonical, "title"); s != "" {
		rec.Title = &s
	}
	if s := stringAt(canonical, "category"); s != "" {
		rec.Category = &s
	} else if resourceType == "Observation" {
		if c := observationCategory(canonical); c != "" {
			rec.Category = &c
		}
	}
	if s := stringAt(canonical, "status"); s != "" {
		rec.ResourceStatus = &s
	}
	if s := stringAt(canonical, "date"); s != "" {
		if t, err := time.Parse(time.RFC3339, s); err == nil {
			rec.Date = &t
		}
	}
	if t := metaLastUpdated(canonical); t != nil {
		rec.LastUpdateObserved = t
	}

	// DocumentReference-style resources carry an attachment whose bytes
	// are fetched separately; record where and mark the download pending.
	var att struct {
		Content []struct {
			Attachment struct {
				ContentType string `json:"contentType"`
				URL         string `json:"url"`
			} `json:"attachment"`
		} `json:"content"`
	}
	if err := json.Unmarshal(raw, &att); err == nil && len(att.Content) > 0 {
		a := att.Content[0].Attachment
		if a.URL != "" {
			rec.ContentURL = &a.URL
			rec.DownloadState = resource.DownloadStatePending
		}
		if a.ContentType != "" {
			rec.ContentType = &a.ContentType
		}
	}
	return rec
}

// knownObservationCategories is the closed FHIR value set the extracted
// category column accepts; free-text or vendor-local codes are left out
// of the column and remain available in the raw payload.
var knownObservationCategories = map[string]bool{
	fhirmodels.ObsCategoryVitalSigns:    true,
	fhirmodels.ObsCategoryLaboratory:    true,
	fhirmodels.ObsCategoryImaging:       true,
	fhirmodels.ObsCategorySocialHistory: true,
	fhirmodels.ObsCategorySurvey:        true,
	fhirmodels.ObsCategoryExam:          true,
	fhirmodels.ObsCategoryProcedure:     true,
	fhirmodels.ObsCategoryActivity:      true,
	fhirmodels.ObsCategoryTherapy:       true,
}

// observationCategory digs the first recognized category code out of an
// Observation's category[].coding[] structure.
func observationCategory(doc map[string]interface{}) string {
	categories, ok := doc["category"].([]interface{})
	if !ok {
		return ""
	}
	for _, c := range categories {
		cat, ok := c.(map[string]interface{})
		if !ok {
			continue
		}
		codings, ok := cat["coding"].([]interface{})
		if !ok {
			continue
		}
		for _, cd := range codings {
			coding, ok := cd.(map[string]interface{})
			if !ok {
				continue
			}
			if code, _ := coding["code"].(string); knownObservationCategories[code] {
				return code
			}
		}
	}
	return ""
}

func stringAt(doc map[string]interface{}, key string) string {
	v, ok := doc[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func metaLastUpdated(doc map[string]interface{}) *time.Time {
	meta, ok := doc["meta"].(map[string]interface{})
	if !ok {
		return nil
	}
	s, ok := meta["lastUpdated"].(string)
	if !ok {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
