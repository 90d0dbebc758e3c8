// Package bulkexport executes FHIR $export jobs: kickoff with
// respond-async, status polling with capped exponential backoff, and
// resumable NDJSON ingestion through the shared inbound processor.
package bulkexport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/ingest"
	"github.com/ehrcore/ehrcore/internal/platform/fhir"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

const defaultMaxPollTime = 2 * time.Hour

// Runner drives one BULK_EXPORT job end to end on behalf of the
// orchestrator's worker.
type Runner struct {
	jobs     syncjob.Repository
	conns    connection.Repository
	registry *vendor.Registry
	proc     *ingest.Processor
	progress ProgressStore
	log      zerolog.Logger

	pollInitial time.Duration
	pollCeiling time.Duration
	maxPollTime time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
}

func NewRunner(jobs syncjob.Repository, conns connection.Repository, registry *vendor.Registry, proc *ingest.Processor, progress ProgressStore, log zerolog.Logger) *Runner {
	schedule := fhir.DefaultPollSchedule()
	return &Runner{
		jobs:        jobs,
		conns:       conns,
		registry:    registry,
		proc:        proc,
		progress:    progress,
		log:         log,
		pollInitial: schedule.Initial,
		pollCeiling: schedule.Ceiling,
		maxPollTime: defaultMaxPollTime,
		sleep:       sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Run executes the whole export pipeline for job: kickoff (skipped when a
// status URL is already recorded, e.g. after a worker reclaim), await
// completion, ingest. The job's counters are updated incrementally; the
// caller owns the job's terminal state transition.
func (r *Runner) Run(ctx context.Context, job *syncjob.SyncJob) error {
	conn, err := r.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	adapter, err := r.registry.Resolve(conn.Vendor)
	if err != nil {
		return err
	}

	if job.StatusPollURL == nil || *job.StatusPollURL == "" {
		if err := r.Kickoff(ctx, job, conn, adapter); err != nil {
			return err
		}
	}

	manifest, err := r.AwaitCompletion(ctx, job, conn, adapter)
	if err != nil {
		return err
	}
	return r.Ingest(ctx, job, conn, adapter, manifest)
}

// Kickoff issues the $export request and durably records the
// Content-Location status URL on the job before returning.
func (r *Runner) Kickoff(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, adapter vendor.Adapter) error {
	params := vendor.BulkExportParams{Scope: exportScope(job)}
	if job.ResourceTypeFilter != nil && *job.ResourceTypeFilter != "" {
		params.ResourceTypes = []string{*job.ResourceTypeFilter}
	} else if types, ok := job.Filter["resourceTypes"]; ok && types != "" {
		params.ResourceTypes = strings.Split(types, ",")
	}
	if since, ok := job.Filter["_since"]; ok {
		if t, err := time.Parse(time.RFC3339, since); err == nil {
			params.Since = &t
		}
	}
	if gid, ok := job.Filter["groupId"]; ok {
		params.GroupID = gid
	}

	statusURL, err := adapter.StartBulkExport(ctx, conn, params)
	if err != nil {
		return fmt.Errorf("export kickoff: %w", err)
	}
	job.StatusPollURL = &statusURL
	if err := r.jobs.Update(ctx, job); err != nil {
		return fmt.Errorf("persist status poll url: %w", err)
	}
	r.log.Info().Str("jobId", job.ID.String()).Str("statusUrl", statusURL).Msg("bulk export kicked off")
	return nil
}

func exportScope(job *syncjob.SyncJob) vendor.BulkExportScope {
	switch job.Filter["exportType"] {
	case string(vendor.ScopeSystem):
		return vendor.ScopeSystem
	case string(vendor.ScopeGroup):
		return vendor.ScopeGroup
	default:
		return vendor.ScopePatient
	}
}

// AwaitCompletion polls the status URL until the server reports the
// export complete. Cadence starts at pollInitial and doubles to
// pollCeiling; a Retry-After header overrides the computed delay. Gives
// up after maxPollTime.
func (r *Runner) AwaitCompletion(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, adapter vendor.Adapter) (*vendor.ExportManifest, error) {
	deadline := time.Now().Add(r.maxPollTime)
	delay := r.pollInitial

	for {
		result, err := adapter.PollBulkExport(ctx, conn, *job.StatusPollURL)
		if err != nil {
			return nil, fmt.Errorf("poll export: %w", err)
		}
		switch result.Status {
		case vendor.PollComplete:
			return result.Manifest, nil
		case vendor.PollError:
			return nil, fmt.Errorf("export failed on vendor side: %s", result.ErrorDetail)
		}

		if result.Progress != "" {
			r.log.Debug().Str("jobId", job.ID.String()).Str("progress", result.Progress).Msg("export in progress")
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("export did not complete within %s", r.maxPollTime)
		}

		wait := delay
		if result.RetryAfter > 0 {
			wait = result.RetryAfter
		}
		if err := r.sleep(ctx, wait); err != nil {
			return nil, err
		}
		delay *= 2
		if delay > r.pollCeiling {
			delay = r.pollCeiling
		}
	}
}

// Ingest downloads every output file in the manifest and streams its
// NDJSON lines through the inbound processor. A file that fails does not
// fail the job unless every file failed; each failure is recorded on its
// FileProgress row so a later retry re-attempts only the failed files.
func (r *Runner) Ingest(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, adapter vendor.Adapter, manifest *vendor.ExportManifest) error {
	if len(manifest.Output) == 0 {
		return nil
	}
	failures := 0
	for _, file := range manifest.Output {
		if err := r.ingestFile(ctx, job, conn, adapter, file); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			failures++
			msg := err.Error()
			r.log.Error().Str("jobId", job.ID.String()).Str("file", file.URL).Err(err).Msg("export file ingestion failed")
			if perr := r.progress.Upsert(ctx, r.progressRow(ctx, job, file, func(p *FileProgress) {
				p.Failed = true
				p.LastError = &msg
			})); perr != nil {
				return perr
			}
		}
	}
	if failures == len(manifest.Output) {
		return fmt.Errorf("all %d export files failed", failures)
	}
	return nil
}

// RetryFailed re-attempts only the files whose progress rows are failed
// or incomplete — the manual-retry path behind
// POST /ehr/{vendor}/bulk-export/{jobId}/process.
func (r *Runner) RetryFailed(ctx context.Context, job *syncjob.SyncJob) error {
	conn, err := r.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	adapter, err := r.registry.Resolve(conn.Vendor)
	if err != nil {
		return err
	}
	rows, err := r.progress.ListByJob(ctx, job.ID)
	if err != nil {
		return err
	}
	retried := 0
	for _, row := range rows {
		if row.Completed {
			continue
		}
		retried++
		file := vendor.ExportOutputFile{ResourceType: row.ResourceType, URL: row.FileURL}
		if err := r.ingestFile(ctx, job, conn, adapter, file); err != nil {
			msg := err.Error()
			if perr := r.progress.Upsert(ctx, r.progressRow(ctx, job, file, func(p *FileProgress) {
				p.Failed = true
				p.LastError = &msg
			})); perr != nil {
				return perr
			}
			return err
		}
	}
	if retried == 0 {
		return fmt.Errorf("no failed or incomplete files to retry for job %s", job.ID)
	}
	return nil
}

// progressRow loads the existing row for (job, file) or builds a fresh
// one, then applies mutate.
func (r *Runner) progressRow(ctx context.Context, job *syncjob.SyncJob, file vendor.ExportOutputFile, mutate func(*FileProgress)) *FileProgress {
	p, err := r.progress.Get(ctx, job.ID, file.URL)
	if err != nil {
		p = &FileProgress{JobID: job.ID, FileURL: file.URL, ResourceType: file.ResourceType}
	}
	mutate(p)
	return p
}

func (r *Runner) ingestFile(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, adapter vendor.Adapter, file vendor.ExportOutputFile) error {
	startOffset := 0
	if p, err := r.progress.Get(ctx, job.ID, file.URL); err == nil {
		if p.Completed {
			return nil
		}
		startOffset = p.LineOffset
	}

	body, err := adapter.DownloadBulkFile(ctx, conn, file.URL)
	if err != nil {
		return fmt.Errorf("download %s: %w", file.URL, err)
	}
	defer body.Close()

	batchSize := job.Options.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	reader := fhir.NewNDJSONReader(body)

	line := 0
	inBatch := 0
	for {
		raw, rerr := reader.Next()
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				break
			}
			// Record how far we got so the retry resumes here.
			if line > startOffset {
				_ = r.checkpoint(ctx, job, file, line)
			}
			return fmt.Errorf("read %s: %w", file.URL, rerr)
		}
		line++
		job.Summary.Bytes += int64(len(raw)) + 1
		if line <= startOffset {
			continue
		}
		if len(raw) == 0 {
			continue
		}
		// Cancellation is honored between resources, never mid-line.
		if err := ctx.Err(); err != nil {
			return err
		}

		payload := make(json.RawMessage, len(raw))
		copy(payload, raw)
		outcome, perr := r.proc.Process(ctx, conn, job, payload)
		job.Counters.Processed++
		switch {
		case perr != nil:
			job.Counters.Failed++
			r.log.Warn().Str("file", file.URL).Int("line", line).Err(perr).Msg("resource ingestion failed")
		case outcome.Skipped:
			job.Counters.Skipped++
		default:
			job.Counters.Succeeded++
			if outcome.Created {
				job.Summary.Created++
			}
			if outcome.Updated {
				job.Summary.Updated++
			}
		}

		inBatch++
		if inBatch >= batchSize {
			inBatch = 0
			if err := r.checkpoint(ctx, job, file, line); err != nil {
				return err
			}
		}
	}

	if err := r.progress.Upsert(ctx, r.progressRow(ctx, job, file, func(p *FileProgress) {
		p.LineOffset = line
		p.Completed = true
		p.Failed = false
		p.LastError = nil
	})); err != nil {
		return err
	}
	return r.jobs.Update(ctx, job)
}

// checkpoint durably records the line offset and job counters so a crash
// resumes from here.
func (r *Runner) checkpoint(ctx context.Context, job *syncjob.SyncJob, file vendor.ExportOutputFile, line int) error {
	if err := r.progress.Upsert(ctx, r.progressRow(ctx, job, file, func(p *FileProgress) {
		p.LineOffset = line
		p.Failed = false
		p.LastError = nil
	})); err != nil {
		return err
	}
	return r.jobs.Update(ctx, job)
}
