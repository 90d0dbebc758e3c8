package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/errorrecord"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/platform/notification"
	"github.com/ehrcore/ehrcore/internal/telemetry"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

// Start launches the worker pool and the stale-job reclaim loop. It
// returns immediately; call Shutdown to drain.
func (o *Orchestrator) Start() {
	for i := 0; i < o.cfg.Workers; i++ {
		workerID := fmt.Sprintf("worker-%d-%s", i, uuid.New().String()[:8])
		o.workersWG.Add(1)
		go o.workerLoop(workerID)
	}
	o.workersWG.Add(1)
	go o.reclaimLoop()
}

// Shutdown stops accepting work, signals cancellation to in-flight
// workers, and waits up to the configured grace period for them to
// checkpoint and release their jobs back to QUEUED.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopOnce.Do(func() { close(o.stop) })

	o.mu.Lock()
	for _, fl := range o.running {
		fl.cancel()
	}
	o.mu.Unlock()

	done := make(chan struct{})
	go func() {
		o.workersWG.Wait()
		close(done)
	}()

	grace := time.NewTimer(o.cfg.ShutdownGrace)
	defer grace.Stop()
	select {
	case <-done:
		return nil
	case <-grace.C:
		return fmt.Errorf("orchestrator: %d jobs still in flight after %s grace period", len(o.snapshotRunning()), o.cfg.ShutdownGrace)
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) snapshotRunning() []uuid.UUID {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]uuid.UUID, 0, len(o.running))
	for id := range o.running {
		out = append(out, id)
	}
	return out
}

func (o *Orchestrator) stopping() bool {
	select {
	case <-o.stop:
		return true
	default:
		return false
	}
}

func (o *Orchestrator) workerLoop(workerID string) {
	defer o.workersWG.Done()
	for {
		if o.stopping() {
			return
		}
		job, err := o.jobs.ClaimNext(context.Background(), workerID)
		if err != nil {
			o.log.Error().Err(err).Str("worker", workerID).Msg("claim failed")
			o.idle()
			continue
		}
		if job == nil {
			o.idle()
			continue
		}
		o.runJob(workerID, job)
	}
}

func (o *Orchestrator) idle() {
	timer := time.NewTimer(o.cfg.PollInterval)
	defer timer.Stop()
	select {
	case <-o.stop:
	case <-timer.C:
	}
}

// reclaimLoop returns jobs whose worker stopped heartbeating to QUEUED,
// without incrementing their retry count.
func (o *Orchestrator) reclaimLoop() {
	defer o.workersWG.Done()
	ticker := time.NewTicker(o.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stop:
			return
		case <-ticker.C:
			ids, err := o.jobs.ReclaimStale(context.Background(), o.cfg.HeartbeatInterval)
			if err != nil {
				o.log.Error().Err(err).Msg("stale job reclaim failed")
				continue
			}
			for _, id := range ids {
				o.log.Warn().Str("jobId", id.String()).Msg("reclaimed stale job")
			}
		}
	}
}

func (o *Orchestrator) runJob(workerID string, job *syncjob.SyncJob) {
	timeout := time.Duration(job.Options.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		if job.JobType == syncjob.JobTypeBulkExport {
			timeout = 2 * time.Hour
		} else {
			timeout = 5 * time.Minute
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fl := &inflight{cancel: cancel}
	o.mu.Lock()
	o.running[job.ID] = fl
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		delete(o.running, job.ID)
		o.mu.Unlock()
	}()

	hbStop := make(chan struct{})
	go o.heartbeat(job.ID, workerID, hbStop)
	err := o.execute(ctx, job)
	close(hbStop)

	o.finish(ctx, job, fl, err)
}

func (o *Orchestrator) heartbeat(jobID uuid.UUID, workerID string, stop <-chan struct{}) {
	ticker := time.NewTicker(o.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := o.jobs.Heartbeat(context.Background(), jobID, workerID); err != nil {
				o.log.Warn().Err(err).Str("jobId", jobID.String()).Msg("heartbeat failed")
			}
		}
	}
}

func (o *Orchestrator) execute(ctx context.Context, job *syncjob.SyncJob) error {
	if job.JobType == syncjob.JobTypeBulkExport {
		return o.bulk.Run(ctx, job)
	}
	return o.runSync(ctx, job)
}

// finish applies the terminal (or retrying) transition for a completed
// run. Context-level interruptions are disambiguated: a user Cancel
// becomes CANCELLED, shutdown releases back to QUEUED, and a deadline
// becomes FAILED with JOB_TIMEOUT.
func (o *Orchestrator) finish(ctx context.Context, job *syncjob.SyncJob, fl *inflight, err error) {
	bg := context.Background()

	if err == nil {
		if uerr := o.jobs.Update(bg, job); uerr != nil {
			o.log.Error().Err(uerr).Str("jobId", job.ID.String()).Msg("persist job counters")
		}
		if uerr := o.jobs.UpdateStatus(bg, job.ID, syncjob.StatusCompleted); uerr != nil {
			o.log.Error().Err(uerr).Str("jobId", job.ID.String()).Msg("mark job completed")
			return
		}
		o.touchConnectionSyncTimes(bg, job)
		o.notify(bg, notification.KindSyncCompleted, job, "")
		o.log.Info().Str("jobId", job.ID.String()).Int("processed", job.Counters.Processed).Msg("job completed")
		return
	}

	if fl.requested {
		_ = o.jobs.Update(bg, job)
		if uerr := o.jobs.UpdateStatus(bg, job.ID, syncjob.StatusCancelled); uerr != nil {
			o.log.Error().Err(uerr).Str("jobId", job.ID.String()).Msg("mark job cancelled")
		}
		o.log.Info().Str("jobId", job.ID.String()).Msg("job cancelled")
		return
	}

	if o.stopping() && errors.Is(ctx.Err(), context.Canceled) {
		// Shutdown: checkpoint what we have and release the job for
		// another worker; the retry count is untouched.
		_ = o.jobs.Update(bg, job)
		if uerr := o.jobs.UpdateStatus(bg, job.ID, syncjob.StatusQueued); uerr != nil {
			o.log.Error().Err(uerr).Str("jobId", job.ID.String()).Msg("release job on shutdown")
		}
		return
	}

	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		msg := codeJobTimeout
		job.LastError = &msg
		_ = o.jobs.Update(bg, job)
		_ = o.jobs.UpdateStatus(bg, job.ID, syncjob.StatusFailed)
		o.report(bg, job, fmt.Errorf("%s: job exceeded its %ds deadline", codeJobTimeout, job.Options.TimeoutSeconds), "SYNC_TIMEOUT")
		o.notify(bg, notification.KindSyncFailed, job, codeJobTimeout)
		return
	}

	if isTransient(err) && job.RetryCount < job.Options.MaxRetries {
		job.RetryCount++
		job.Counters = syncjob.Counters{}
		msg := err.Error()
		job.LastError = &msg
		job.Status = syncjob.StatusRetrying
		if uerr := o.jobs.Update(bg, job); uerr != nil {
			o.log.Error().Err(uerr).Str("jobId", job.ID.String()).Msg("mark job retrying")
			return
		}
		o.sleepBackoff(job, err)
		if uerr := o.jobs.UpdateStatus(bg, job.ID, syncjob.StatusQueued); uerr != nil {
			o.log.Error().Err(uerr).Str("jobId", job.ID.String()).Msg("requeue retrying job")
		}
		o.log.Warn().Str("jobId", job.ID.String()).Int("retry", job.RetryCount).Err(err).Msg("job retrying")
		return
	}

	msg := err.Error()
	job.LastError = &msg
	_ = o.jobs.Update(bg, job)
	_ = o.jobs.UpdateStatus(bg, job.ID, syncjob.StatusFailed)
	o.report(bg, job, err, "SYNC_JOB_FAILED")
	o.notify(bg, notification.KindSyncFailed, job, msg)
	o.log.Error().Str("jobId", job.ID.String()).Err(err).Msg("job failed")
}

// isTransient reports whether the orchestrator should retry, per spec §7:
// vendor 429/503/5xx and plain network failures are transient; 4xx,
// validation, and conflict errors are not.
func isTransient(err error) bool {
	var vErr *vendor.Error
	if errors.As(err, &vErr) {
		return vErr.Transient
	}
	return false
}

// sleepBackoff waits base × 2^(attempt-1), jittered ±20%, before
// requeueing — or the vendor's Retry-After when that is longer.
func (o *Orchestrator) sleepBackoff(job *syncjob.SyncJob, cause error) {
	base := time.Duration(job.Options.RetryDelayMS) * time.Millisecond
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	delay := base << (job.RetryCount - 1)
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	delay = time.Duration(float64(delay) * jitter)

	var vErr *vendor.Error
	if errors.As(cause, &vErr) && vErr.RetryAfter > 0 {
		if ra := time.Duration(vErr.RetryAfter) * time.Second; ra > delay {
			delay = ra
		}
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-o.stop:
	case <-timer.C:
	}
}

func (o *Orchestrator) touchConnectionSyncTimes(ctx context.Context, job *syncjob.SyncJob) {
	conn, err := o.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return
	}
	now := o.now().UTC()
	conn.LastSyncAt = &now
	if conn.AutoSync && conn.SyncFrequencyHours > 0 {
		next := now.Add(time.Duration(conn.SyncFrequencyHours) * time.Hour)
		conn.NextSyncAt = &next
	}
	if err := o.conns.Update(ctx, conn); err != nil {
		o.log.Warn().Err(err).Str("connectionId", conn.ID.String()).Msg("update connection sync times")
	}
}

func (o *Orchestrator) report(ctx context.Context, job *syncjob.SyncJob, err error, subCode string) {
	if o.router == nil {
		return
	}
	if _, rerr := o.router.Report(ctx, telemetry.Event{
		Message:  err.Error(),
		SubCode:  subCode,
		Endpoint: "sync:" + string(job.JobType),
		Severity: errorrecord.SeverityHigh,
	}); rerr != nil {
		o.log.Warn().Err(rerr).Msg("telemetry report failed")
	}
}

func (o *Orchestrator) notify(ctx context.Context, kind notification.Kind, job *syncjob.SyncJob, detail string) {
	body, err := o.templates.Render(kind, map[string]string{
		"jobId":        job.ID.String(),
		"connectionId": job.ConnectionID.String(),
		"processed":    strconv.Itoa(job.Counters.Processed),
		"failed":       strconv.Itoa(job.Counters.Failed),
		"error":        detail,
	})
	if err != nil {
		body = detail
	}
	if derr := o.notifier.Dispatch(ctx, notification.Event{
		Kind:    kind,
		Subject: "sync job " + job.ID.String(),
		Body:    body,
		At:      o.now().UTC(),
	}); derr != nil {
		o.log.Warn().Err(derr).Str("jobId", job.ID.String()).Msg("notification dispatch failed")
	}
}

// runSync executes a non-bulk job: resolve connection and adapter, fetch
// per job type, push every resource through the inbound processor, and —
// for OUTBOUND/BIDIRECTIONAL — transform local records to the vendor
// shape.
func (o *Orchestrator) runSync(ctx context.Context, job *syncjob.SyncJob) error {
	conn, err := o.conns.GetByID(ctx, job.ConnectionID)
	if err != nil {
		return fmt.Errorf("load connection: %w", err)
	}
	if conn.Status != connection.StatusActive {
		return fmt.Errorf("connection %s is %s, not ACTIVE", conn.ID, conn.Status)
	}
	adapter, err := o.registry.Resolve(conn.Vendor)
	if err != nil {
		return err
	}

	if job.Direction != syncjob.DirectionOutbound {
		if err := o.runInbound(ctx, job, conn, adapter); err != nil {
			return err
		}
		if job.Filter["downloadDocuments"] == "true" {
			if err := o.downloadDocuments(ctx, job, conn, adapter); err != nil {
				return err
			}
		}
	}
	if job.Direction == syncjob.DirectionOutbound || job.Direction == syncjob.DirectionBidirectional {
		if err := o.runOutbound(ctx, job, conn); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) runInbound(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, adapter vendor.Adapter) error {
	if job.JobType == syncjob.JobTypePatient {
		patientID := ""
		if conn.VendorPatientID != nil {
			patientID = *conn.VendorPatientID
		}
		if pid, ok := job.Filter["patientId"]; ok {
			patientID = pid
		}
		if patientID == "" {
			return fmt.Errorf("PATIENT sync requires a vendor patient id")
		}
		raw, err := adapter.FetchPatient(ctx, conn, patientID)
		if err != nil {
			return err
		}
		return o.processOne(ctx, job, conn, raw)
	}

	types := o.resourceTypesFor(job, adapter)
	params := vendor.SearchParams{}
	if job.JobType == syncjob.JobTypeIncremental && conn.LastSyncAt != nil {
		params.Since = conn.LastSyncAt
	}
	if len(job.ResourceIDs) > 0 {
		params.Values = map[string][]string{"_id": {joinIDs(job.ResourceIDs)}}
	}
	if rid, ok := job.Filter["resourceId"]; ok && rid != "" {
		params.Values = map[string][]string{"_id": {rid}}
	}

	for _, resourceType := range types {
		for result := range adapter.Search(ctx, conn, resourceType, params) {
			if result.Err != nil {
				return result.Err
			}
			if err := o.processOne(ctx, job, conn, result.Resource); err != nil {
				return err
			}
			// Cancellation between resources, never mid-response.
			if err := ctx.Err(); err != nil {
				return err
			}
		}
		if err := o.jobs.Update(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) processOne(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, raw []byte) error {
	outcome, err := o.proc.Process(ctx, conn, job, raw)
	job.Counters.Processed++
	if err != nil {
		job.Counters.Failed++
		return err
	}
	if outcome.Skipped {
		job.Counters.Skipped++
		return nil
	}
	job.Counters.Succeeded++
	if outcome.Created {
		job.Summary.Created++
	}
	if outcome.Updated {
		job.Summary.Updated++
	}
	return nil
}

// documentDir is where fetched binary attachments land, one file per
// resource id.
const documentDir = "data/documents"

// downloadDocuments fetches the binary attachments of stored resources
// whose download is still pending, honoring cancellation between files.
func (o *Orchestrator) downloadDocuments(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection, adapter vendor.Adapter) error {
	if err := os.MkdirAll(documentDir, 0o755); err != nil {
		return fmt.Errorf("create document dir: %w", err)
	}
	const page = 100
	for offset := 0; ; offset += page {
		records, err := o.resources.ListByConnection(ctx, conn.ID, "DocumentReference", page, offset)
		if err != nil {
			return err
		}
		if len(records) == 0 {
			return nil
		}
		for _, rec := range records {
			if rec.DownloadState != resource.DownloadStatePending || rec.ContentURL == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			data, ferr := adapter.FetchBinary(ctx, conn, *rec.ContentURL)
			if ferr != nil {
				o.log.Warn().Err(ferr).Str("resourceId", rec.ID.String()).Msg("document download failed")
				if serr := o.resources.SetDownloadState(ctx, rec.ID, resource.DownloadStateFailed, ""); serr != nil {
					return serr
				}
				job.Counters.Failed++
				continue
			}
			path := filepath.Join(documentDir, rec.ID.String())
			if werr := os.WriteFile(path, data, 0o600); werr != nil {
				return fmt.Errorf("write document %s: %w", path, werr)
			}
			if serr := o.resources.SetDownloadState(ctx, rec.ID, resource.DownloadStateComplete, path); serr != nil {
				return serr
			}
			job.Summary.DocumentsDownloaded++
			job.Summary.Bytes += int64(len(data))
		}
		if len(records) < page {
			return nil
		}
	}
}

// runOutbound transforms local records through the OUTBOUND rule sets,
// producing vendor-shaped payloads. The uniform adapter contract carries
// no vendor write operation, so delivery of the produced payloads is the
// integration boundary's concern; the leg still counts and validates.
func (o *Orchestrator) runOutbound(ctx context.Context, job *syncjob.SyncJob, conn *connection.Connection) error {
	types := []string{}
	if job.ResourceTypeFilter != nil && *job.ResourceTypeFilter != "" {
		types = append(types, *job.ResourceTypeFilter)
	} else if adapter, err := o.registry.Resolve(conn.Vendor); err == nil {
		types = adapter.Capabilities().ResourceTypes
	}

	for _, resourceType := range types {
		const page = 200
		for offset := 0; ; offset += page {
			records, err := o.resources.ListByConnection(ctx, conn.ID, resourceType, page, offset)
			if err != nil {
				return err
			}
			if len(records) == 0 {
				break
			}
			for _, rec := range records {
				if err := ctx.Err(); err != nil {
					return err
				}
				out, err := o.proc.Outbound(ctx, conn, job, rec)
				job.Counters.Processed++
				switch {
				case err != nil:
					job.Counters.Failed++
				case out == nil:
					job.Counters.Skipped++
				default:
					job.Counters.Succeeded++
				}
			}
			if len(records) < page {
				break
			}
		}
	}
	return o.jobs.Update(ctx, job)
}

func (o *Orchestrator) resourceTypesFor(job *syncjob.SyncJob, adapter vendor.Adapter) []string {
	if job.ResourceTypeFilter != nil && *job.ResourceTypeFilter != "" {
		return []string{*job.ResourceTypeFilter}
	}
	if rt, ok := job.Filter["resourceType"]; ok && rt != "" {
		return []string{rt}
	}
	return adapter.Capabilities().ResourceTypes
}

func joinIDs(ids []string) string {
	out := ""
	for i, id := range ids {
		if i > 0 {
			out += ","
		}
		out += id
	}
	return out
}
