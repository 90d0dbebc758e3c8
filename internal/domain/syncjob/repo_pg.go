package syncjob

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehrcore/ehrcore/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by PostgreSQL via pgx. ClaimNext
// uses SELECT ... FOR UPDATE SKIP LOCKED inside a single transaction so that
// two workers racing the same queue never claim the same job (testable
// property 4 in §8).
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const jobColumns = `
	id, job_type, direction, priority, status, connection_id, resource_type_filter,
	resource_ids, filter, options, retry_count, started_at, completed_at, counters,
	summary, last_error, status_poll_url, worker_id, heartbeat_at, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, j *SyncJob) error {
	if j.ID == uuid.Nil {
		j.ID = uuid.New()
	}
	optionsJSON, _ := json.Marshal(j.Options)
	filterJSON, _ := json.Marshal(j.Filter)
	countersJSON, _ := json.Marshal(j.Counters)
	summaryJSON, _ := json.Marshal(j.Summary)

	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO sync_jobs (
			id, job_type, direction, priority, status, connection_id, resource_type_filter,
			resource_ids, filter, options, retry_count, counters, summary
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		j.ID, j.JobType, j.Direction, j.Priority, j.Status, j.ConnectionID, j.ResourceTypeFilter,
		j.ResourceIDs, filterJSON, optionsJSON, j.RetryCount, countersJSON, summaryJSON,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*SyncJob, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+jobColumns+` FROM sync_jobs WHERE id = $1`, id)
	return scanJob(row)
}

// ClaimNext picks the highest-priority QUEUED/RETRYING job whose connection
// has no PROCESSING job, following the ordering contract of §4.3/§5:
// priority ascending, then created_at, then id.
func (r *repoPG) ClaimNext(ctx context.Context, workerID string) (*SyncJob, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("claim next: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	row := tx.QueryRow(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE status IN ('QUEUED', 'RETRYING')
		  AND connection_id NOT IN (SELECT connection_id FROM sync_jobs WHERE status = 'PROCESSING')
		ORDER BY priority ASC, created_at ASC, id ASC
		FOR UPDATE SKIP LOCKED
		LIMIT 1`)

	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) || errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim next: scan: %w", err)
	}

	now := time.Now().UTC()
	_, err = tx.Exec(ctx, `
		UPDATE sync_jobs SET status = 'PROCESSING', worker_id = $2, started_at = $3,
			heartbeat_at = $3, updated_at = $3 WHERE id = $1`,
		job.ID, workerID, now)
	if err != nil {
		return nil, fmt.Errorf("claim next: update: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("claim next: commit: %w", err)
	}

	job.Status = StatusProcessing
	job.WorkerID = &workerID
	job.StartedAt = &now
	job.HeartbeatAt = &now
	return job, nil
}

func (r *repoPG) Heartbeat(ctx context.Context, id uuid.UUID, workerID string) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET heartbeat_at = NOW() WHERE id = $1 AND worker_id = $2 AND status = 'PROCESSING'`,
		id, workerID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return errors.New("syncjob: heartbeat: job not owned by worker or not processing")
	}
	return nil
}

func (r *repoPG) ReclaimStale(ctx context.Context, heartbeatInterval time.Duration) ([]uuid.UUID, error) {
	deadline := time.Now().UTC().Add(-2 * heartbeatInterval)
	rows, err := r.conn(ctx).Query(ctx, `
		UPDATE sync_jobs SET status = 'QUEUED', worker_id = NULL, heartbeat_at = NULL, updated_at = NOW()
		WHERE status = 'PROCESSING' AND heartbeat_at < $1
		RETURNING id`, deadline)
	if err != nil {
		return nil, fmt.Errorf("reclaim stale: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("reclaim stale: scan: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, j *SyncJob) error {
	countersJSON, _ := json.Marshal(j.Counters)
	summaryJSON, _ := json.Marshal(j.Summary)

	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET
			status = $2, retry_count = $3, started_at = $4, completed_at = $5,
			counters = $6, summary = $7, last_error = $8, status_poll_url = $9,
			worker_id = $10, heartbeat_at = $11, updated_at = NOW()
		WHERE id = $1`,
		j.ID, j.Status, j.RetryCount, j.StartedAt, j.CompletedAt,
		countersJSON, summaryJSON, j.LastError, j.StatusPollURL,
		j.WorkerID, j.HeartbeatAt,
	)
	return err
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	var completedAt interface{}
	if IsTerminal(status) {
		completedAt = time.Now().UTC()
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE sync_jobs SET status = $2, completed_at = COALESCE($3, completed_at), updated_at = NOW()
		WHERE id = $1`, id, status, completedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, limit, offset int) ([]*SyncJob, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs WHERE connection_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, connectionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list by connection: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *repoPG) ListActiveByConnection(ctx context.Context, connectionID uuid.UUID) ([]*SyncJob, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+jobColumns+` FROM sync_jobs
		WHERE connection_id = $1 AND status IN ('QUEUED', 'PROCESSING', 'RETRYING')`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list active by connection: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

func (r *repoPG) Stats(ctx context.Context, connectionID uuid.UUID, since time.Time) (StatsResult, error) {
	var s StatsResult
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE status = 'COMPLETED'),
			COUNT(*) FILTER (WHERE status = 'FAILED'),
			COUNT(*) FILTER (WHERE status = 'CANCELLED')
		FROM sync_jobs WHERE connection_id = $1 AND created_at >= $2`,
		connectionID, since,
	).Scan(&s.Total, &s.Completed, &s.Failed, &s.Cancelled)
	return s, err
}

func (r *repoPG) QueueDepth(ctx context.Context) (int, error) {
	var depth int
	err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM sync_jobs WHERE status IN ('QUEUED', 'RETRYING')`).Scan(&depth)
	return depth, err
}

func scanJob(row pgx.Row) (*SyncJob, error) {
	var j SyncJob
	var optionsJSON, filterJSON, countersJSON, summaryJSON []byte
	err := row.Scan(
		&j.ID, &j.JobType, &j.Direction, &j.Priority, &j.Status, &j.ConnectionID, &j.ResourceTypeFilter,
		&j.ResourceIDs, &filterJSON, &optionsJSON, &j.RetryCount, &j.StartedAt, &j.CompletedAt, &countersJSON,
		&summaryJSON, &j.LastError, &j.StatusPollURL, &j.WorkerID, &j.HeartbeatAt, &j.CreatedAt, &j.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan sync job: %w", err)
	}
	_ = json.Unmarshal(optionsJSON, &j.Options)
	_ = json.Unmarshal(filterJSON, &j.Filter)
	_ = json.Unmarshal(countersJSON, &j.Counters)
	_ = json.Unmarshal(summaryJSON, &j.Summary)
	return &j, nil
}

func scanJobs(rows pgx.Rows) ([]*SyncJob, error) {
	var out []*SyncJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}
