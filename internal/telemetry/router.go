package telemetry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/domain/complianceincident"
	"github.com/ehrcore/ehrcore/internal/domain/errorrecord"
	"github.com/ehrcore/ehrcore/internal/platform/notification"
)

// Event is one error observation submitted to the router by any component
// of the core. Zero-valued fields are inferred: SubCode and
// ComplianceCategory by message matching, Severity defaulting to MEDIUM
// for operational errors and HIGH for compliance incidents.
type Event struct {
	Message    string
	SubCode    string
	Endpoint   string
	Severity   errorrecord.Severity
	StackTrace string

	// ComplianceCategory, when set by the caller, forces compliance
	// routing regardless of message content.
	ComplianceCategory complianceincident.Category
	DataExposed        bool
	RecordsAffected    int
	Actor              string
}

// Outcome reports where an event was routed.
type Outcome struct {
	Compliance bool
	Incident   *complianceincident.ComplianceIncident
	Record     *errorrecord.ErrorRecord
	// Created is true when the operational path inserted a fresh record
	// rather than merging into an in-window fingerprint.
	Created bool
}

// Options tunes the router; zero values fall back to the spec defaults.
type Options struct {
	DedupWindow    time.Duration
	MaxSamples     int
	IncidentPrefix string
}

func (o *Options) applyDefaults() {
	if o.DedupWindow <= 0 {
		o.DedupWindow = 5 * time.Minute
	}
	if o.MaxSamples <= 0 {
		o.MaxSamples = errorrecord.MaxSamples
	}
	if o.IncidentPrefix == "" {
		o.IncidentPrefix = "CI"
	}
}

// Router classifies every error the core produces and routes it down one
// of two paths: the deduplicated operational store, or the immutable
// compliance incident store with notification dispatch. One Router is
// constructed at boot and shared by every component.
type Router struct {
	errors    errorrecord.Repository
	incidents complianceincident.Repository
	notifier  notification.Dispatcher
	templates *notification.TemplateEngine
	log       zerolog.Logger
	opts      Options

	// fpLocks serializes increment-or-insert per fingerprint so two
	// concurrent occurrences of the same error never race the window
	// check into a double insert.
	mu      sync.Mutex
	fpLocks map[string]*sync.Mutex

	now func() time.Time
}

func NewRouter(errors errorrecord.Repository, incidents complianceincident.Repository, notifier notification.Dispatcher, log zerolog.Logger, opts Options) *Router {
	opts.applyDefaults()
	if notifier == nil {
		notifier = notification.NopDispatcher{}
	}
	return &Router{
		errors:    errors,
		incidents: incidents,
		notifier:  notifier,
		templates: notification.NewTemplateEngine(),
		log:       log,
		opts:      opts,
		fpLocks:   make(map[string]*sync.Mutex),
		now:       time.Now,
	}
}

// Report is the single entry point: classify, decide operational vs.
// compliance, route accordingly.
func (r *Router) Report(ctx context.Context, ev Event) (*Outcome, error) {
	if category, ok := ClassifyCompliance(ev.Message, ev.ComplianceCategory); ok {
		return r.reportCompliance(ctx, ev, category)
	}
	return r.reportOperational(ctx, ev)
}

func (r *Router) reportCompliance(ctx context.Context, ev Event, category complianceincident.Category) (*Outcome, error) {
	severity := complianceincident.Severity(ev.Severity)
	if severity == "" {
		severity = complianceincident.SeverityHigh
	}

	incident := &complianceincident.ComplianceIncident{
		Severity:        severity,
		Category:        category,
		Description:     ev.Message,
		DataExposed:     ev.DataExposed,
		RecordsAffected: ev.RecordsAffected,
		Status:          complianceincident.StatusDetected,
		CreatedAt:       r.now().UTC(),
	}
	if err := r.incidents.Create(ctx, r.opts.IncidentPrefix, incident); err != nil {
		return nil, fmt.Errorf("create compliance incident: %w", err)
	}

	actor := ev.Actor
	if actor == "" {
		actor = "telemetry-router"
	}
	audit := &complianceincident.AuditEntry{
		Actor:  actor,
		Action: "DETECTED",
		Detail: fmt.Sprintf("category=%s endpoint=%s", category, ev.Endpoint),
	}
	if err := r.incidents.AppendAudit(ctx, incident.ID, audit); err != nil {
		return nil, fmt.Errorf("append incident audit: %w", err)
	}

	// Cross-correlation reference in the operational store: the incident
	// number and nothing else. The incident body lives only in the
	// compliance store.
	ref := &errorrecord.ErrorRecord{
		Fingerprint: Fingerprint(incident.Number, MasterSystem, ev.Endpoint),
		MasterCode:  string(MasterSystem),
		SubCode:     "SYSTEM_UNCLASSIFIED",
		Message:     "compliance incident " + incident.Number,
		Endpoint:    ev.Endpoint,
		Severity:    errorrecord.Severity(severity),
	}
	if err := r.errors.Create(ctx, ref); err != nil {
		r.log.Warn().Err(err).Str("incident", incident.Number).Msg("failed to write incident cross-reference")
	}

	body, err := r.templates.Render(notification.KindComplianceIncident, map[string]string{
		"number":   incident.Number,
		"category": string(category),
		"severity": string(severity),
	})
	if err != nil {
		body = fmt.Sprintf("Compliance incident %s detected.", incident.Number)
	}
	notifyErr := r.notifier.Dispatch(ctx, notification.Event{
		Kind:     notification.KindComplianceIncident,
		Subject:  incident.Number,
		Body:     body,
		Severity: string(severity),
		Metadata: map[string]string{"category": string(category)},
		At:       r.now().UTC(),
	})
	if notifyErr != nil {
		r.log.Error().Err(notifyErr).Str("incident", incident.Number).Msg("compliance notification dispatch failed")
	}

	r.log.Warn().
		Str("incident", incident.Number).
		Str("category", string(category)).
		Str("severity", string(severity)).
		Msg("compliance incident recorded")

	return &Outcome{Compliance: true, Incident: incident, Created: true}, nil
}

func (r *Router) reportOperational(ctx context.Context, ev Event) (*Outcome, error) {
	cls := Classify(ev.Message, ev.SubCode)
	severity := ev.Severity
	if severity == "" {
		severity = errorrecord.SeverityMedium
	}

	fp := Fingerprint(ev.Message, cls.MasterCode, ev.Endpoint)
	candidate := &errorrecord.ErrorRecord{
		Fingerprint: fp,
		MasterCode:  string(cls.MasterCode),
		SubCode:     cls.SubCode,
		Message:     ev.Message,
		Endpoint:    ev.Endpoint,
		Severity:    severity,
	}
	if ev.StackTrace != "" {
		candidate.Samples = []string{ev.StackTrace}
	}

	lock := r.lockFor(fp)
	lock.Lock()
	defer lock.Unlock()

	now := r.now().UTC()
	reset := false
	existing, err := r.errors.GetByFingerprint(ctx, fp)
	if err == nil && now.Sub(existing.LastSeen) > r.opts.DedupWindow {
		reset = true
	}

	rec, created, err := r.errors.IncrementOccurrence(ctx, candidate, r.opts.MaxSamples, now, reset)
	if err != nil {
		return nil, fmt.Errorf("record operational error: %w", err)
	}

	r.log.Debug().
		Str("fingerprint", fp).
		Str("masterCode", string(cls.MasterCode)).
		Str("subCode", cls.SubCode).
		Int("occurrences", rec.OccurrenceCount).
		Bool("created", created).
		Msg("operational error recorded")

	return &Outcome{Record: rec, Created: created}, nil
}

func (r *Router) lockFor(fingerprint string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.fpLocks[fingerprint]
	if !ok {
		l = &sync.Mutex{}
		r.fpLocks[fingerprint] = l
	}
	return l
}

// Stats exposes the operational error population for the admin endpoint.
func (r *Router) Stats(ctx context.Context) (errorrecord.StatsResult, error) {
	return r.errors.Stats(ctx)
}
