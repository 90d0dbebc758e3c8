// Package orchestrator is the durable, priority-ordered sync job queue:
// it accepts job requests, runs them on a bounded worker pool subject to
// per-connection serialization and per-vendor ceilings, retries transient
// failures with jittered backoff, and ticks recurring schedules under a
// single leader lease.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/bulkexport"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/ingest"
	"github.com/ehrcore/ehrcore/internal/platform/notification"
	"github.com/ehrcore/ehrcore/internal/telemetry"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

// Config bounds the orchestrator's runtime behavior; zero values fall
// back to the spec defaults.
type Config struct {
	Workers           int
	HeartbeatInterval time.Duration
	PollInterval      time.Duration
	QueueHighWater    int
	ShutdownGrace     time.Duration
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 16
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 15 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.QueueHighWater <= 0 {
		c.QueueHighWater = 1000
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// JobConfig is the caller's request to Enqueue.
type JobConfig struct {
	JobType            syncjob.JobType   `json:"jobType"`
	Direction          syncjob.Direction `json:"direction"`
	Priority           int               `json:"priority"`
	ConnectionID       uuid.UUID         `json:"connectionId"`
	UserID             string            `json:"userId"`
	ResourceTypeFilter *string           `json:"resourceTypeFilter,omitempty"`
	ResourceIDs        []string          `json:"resourceIds,omitempty"`
	Filter             map[string]string `json:"filter,omitempty"`
	Options            syncjob.Options   `json:"options"`
}

// inflight tracks one PROCESSING job owned by this process, so Cancel can
// signal it and shutdown can sweep it.
type inflight struct {
	cancel    context.CancelFunc
	requested bool // set when Cancel asked for cooperative stop
}

// Deps collects the orchestrator's collaborators, all constructed once
// at boot and injected — no package-level singletons.
type Deps struct {
	Jobs      syncjob.Repository
	Conns     connection.Repository
	Resources resource.Repository
	Registry  *vendor.Registry
	Processor *ingest.Processor
	Bulk      *bulkexport.Runner
	Router    *telemetry.Router
	Notifier  notification.Dispatcher
}

// Orchestrator is constructed once at boot and shared; all state that
// must survive the process lives in the syncjob repository.
type Orchestrator struct {
	cfg       Config
	jobs      syncjob.Repository
	conns     connection.Repository
	resources resource.Repository
	registry  *vendor.Registry
	proc      *ingest.Processor
	bulk      *bulkexport.Runner
	router    *telemetry.Router
	notifier  notification.Dispatcher
	templates *notification.TemplateEngine
	log       zerolog.Logger

	mu      sync.Mutex
	running map[uuid.UUID]*inflight

	workersWG sync.WaitGroup
	stop      chan struct{}
	stopOnce  sync.Once
	now       func() time.Time
}

func New(cfg Config, d Deps, log zerolog.Logger) *Orchestrator {
	cfg.applyDefaults()
	if d.Notifier == nil {
		d.Notifier = notification.NopDispatcher{}
	}
	return &Orchestrator{
		cfg:       cfg,
		jobs:      d.Jobs,
		conns:     d.Conns,
		resources: d.Resources,
		registry:  d.Registry,
		proc:      d.Processor,
		bulk:      d.Bulk,
		router:    d.Router,
		notifier:  d.Notifier,
		templates: notification.NewTemplateEngine(),
		log:       log,
		running:   make(map[uuid.UUID]*inflight),
		stop:      make(chan struct{}),
		now:       time.Now,
	}
}

// Enqueue validates config, persists the job in PENDING, and promotes it
// to QUEUED — both transitions committed before returning.
func (o *Orchestrator) Enqueue(ctx context.Context, cfg JobConfig) (uuid.UUID, error) {
	if err := o.validate(ctx, &cfg); err != nil {
		return uuid.Nil, err
	}

	depth, err := o.jobs.QueueDepth(ctx)
	if err != nil {
		return uuid.Nil, err
	}
	if depth >= o.cfg.QueueHighWater {
		return uuid.Nil, ErrQueueFull
	}

	opts := cfg.Options
	defaults := syncjob.DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaults.BatchSize
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = defaults.MaxRetries
	}
	if opts.RetryDelayMS <= 0 {
		opts.RetryDelayMS = defaults.RetryDelayMS
	}
	if opts.TimeoutSeconds <= 0 {
		if cfg.JobType == syncjob.JobTypeBulkExport {
			opts.TimeoutSeconds = 7200
		} else {
			opts.TimeoutSeconds = defaults.TimeoutSeconds
		}
	}

	priority := cfg.Priority
	if priority < 1 || priority > 5 {
		priority = 3
	}

	job := &syncjob.SyncJob{
		JobType:            cfg.JobType,
		Direction:          cfg.Direction,
		Priority:           priority,
		Status:             syncjob.StatusPending,
		ConnectionID:       cfg.ConnectionID,
		ResourceTypeFilter: cfg.ResourceTypeFilter,
		ResourceIDs:        cfg.ResourceIDs,
		Filter:             cfg.Filter,
		Options:            opts,
	}
	if err := o.jobs.Create(ctx, job); err != nil {
		return uuid.Nil, err
	}
	if err := o.jobs.UpdateStatus(ctx, job.ID, syncjob.StatusQueued); err != nil {
		return uuid.Nil, err
	}
	o.log.Info().
		Str("jobId", job.ID.String()).
		Str("jobType", string(job.JobType)).
		Int("priority", job.Priority).
		Str("connectionId", job.ConnectionID.String()).
		Msg("job enqueued")
	return job.ID, nil
}

var validJobTypes = map[syncjob.JobType]bool{
	syncjob.JobTypeFull: true, syncjob.JobTypeIncremental: true,
	syncjob.JobTypePatient: true, syncjob.JobTypeResource: true,
	syncjob.JobTypeWebhook: true, syncjob.JobTypeBulkExport: true,
}

var validDirections = map[syncjob.Direction]bool{
	syncjob.DirectionInbound: true, syncjob.DirectionOutbound: true,
	syncjob.DirectionBidirectional: true,
}

func (o *Orchestrator) validate(ctx context.Context, cfg *JobConfig) error {
	if !validJobTypes[cfg.JobType] {
		return &ValidationError{Field: "jobType", Reason: "is missing or unknown"}
	}
	if !validDirections[cfg.Direction] {
		return &ValidationError{Field: "direction", Reason: "is missing or unknown"}
	}
	if cfg.UserID == "" {
		return &ValidationError{Field: "userId", Reason: "is required"}
	}
	if cfg.ConnectionID == uuid.Nil {
		return &ValidationError{Field: "connectionId", Reason: "is required"}
	}
	conn, err := o.conns.GetByID(ctx, cfg.ConnectionID)
	if err != nil {
		return &ValidationError{Field: "connectionId", Reason: "does not resolve to a connection"}
	}
	if !connection.ValidVendors[conn.Vendor] {
		return &ValidationError{Field: "vendor", Reason: "is unknown"}
	}
	return nil
}

// Cancel transitions a PENDING/QUEUED job to CANCELLED directly, and
// signals a PROCESSING job's worker to stop at its next safe point.
func (o *Orchestrator) Cancel(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if syncjob.IsTerminal(job.Status) {
		return ErrNotCancellable
	}

	if job.Status == syncjob.StatusProcessing {
		o.mu.Lock()
		fl, ok := o.running[jobID]
		if ok {
			fl.requested = true
			fl.cancel()
		}
		o.mu.Unlock()
		if ok {
			// The owning worker observes the cancellation and performs
			// the durable transition at its next suspension point.
			return nil
		}
		// Owned by a vanished worker; reclaim-then-cancel by marking
		// directly.
	}
	return o.jobs.UpdateStatus(ctx, jobID, syncjob.StatusCancelled)
}

// Retry re-enqueues a FAILED job manually: retry count incremented,
// counters reset, RETRYING then QUEUED.
func (o *Orchestrator) Retry(ctx context.Context, jobID uuid.UUID) error {
	job, err := o.jobs.GetByID(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status != syncjob.StatusFailed {
		return ErrNotRetryable
	}
	job.RetryCount++
	job.Counters = syncjob.Counters{}
	job.Summary = syncjob.Summary{}
	job.LastError = nil
	job.CompletedAt = nil
	job.Status = syncjob.StatusRetrying
	if err := o.jobs.Update(ctx, job); err != nil {
		return err
	}
	return o.jobs.UpdateStatus(ctx, jobID, syncjob.StatusQueued)
}

// Status returns the job as stored.
func (o *Orchestrator) Status(ctx context.Context, jobID uuid.UUID) (*syncjob.SyncJob, error) {
	return o.jobs.GetByID(ctx, jobID)
}

// History lists a connection's jobs, newest first.
func (o *Orchestrator) History(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*syncjob.SyncJob, error) {
	return o.jobs.ListByConnection(ctx, connectionID, limit, offset)
}

// Stats summarizes a connection's job outcomes within the window.
func (o *Orchestrator) Stats(ctx context.Context, connectionID uuid.UUID, window time.Duration) (syncjob.StatsResult, error) {
	return o.jobs.Stats(ctx, connectionID, o.now().Add(-window))
}

// QueueDepth exposes the ready-queue depth for the metrics endpoint.
func (o *Orchestrator) QueueDepth(ctx context.Context) (int, error) {
	return o.jobs.QueueDepth(ctx)
}
