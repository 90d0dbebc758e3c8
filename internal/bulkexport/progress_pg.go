package bulkexport

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehrcore/ehrcore/internal/platform/db"
)

type progressPG struct {
	pool *pgxpool.Pool
}

// NewPGProgressStore returns a ProgressStore backed by PostgreSQL via pgx.
func NewPGProgressStore(pool *pgxpool.Pool) ProgressStore {
	return &progressPG{pool: pool}
}

func (s *progressPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return s.pool
}

func (s *progressPG) Upsert(ctx context.Context, p *FileProgress) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	_, err := s.conn(ctx).Exec(ctx, `
		INSERT INTO export_file_progress (
			id, job_id, file_url, resource_type, line_offset, completed, failed, last_error, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,now())
		ON CONFLICT (job_id, file_url) DO UPDATE SET
			line_offset = EXCLUDED.line_offset,
			completed = EXCLUDED.completed,
			failed = EXCLUDED.failed,
			last_error = EXCLUDED.last_error,
			updated_at = now()`,
		p.ID, p.JobID, p.FileURL, p.ResourceType, p.LineOffset, p.Completed, p.Failed, p.LastError,
	)
	if err != nil {
		return fmt.Errorf("upsert export file progress: %w", err)
	}
	return nil
}

func (s *progressPG) Get(ctx context.Context, jobID uuid.UUID, fileURL string) (*FileProgress, error) {
	row := s.conn(ctx).QueryRow(ctx, `
		SELECT id, job_id, file_url, resource_type, line_offset, completed, failed, last_error, updated_at
		FROM export_file_progress WHERE job_id = $1 AND file_url = $2`,
		jobID, fileURL,
	)
	p := &FileProgress{}
	err := row.Scan(&p.ID, &p.JobID, &p.FileURL, &p.ResourceType, &p.LineOffset, &p.Completed, &p.Failed, &p.LastError, &p.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrProgressNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get export file progress: %w", err)
	}
	return p, nil
}

func (s *progressPG) ListByJob(ctx context.Context, jobID uuid.UUID) ([]*FileProgress, error) {
	rows, err := s.conn(ctx).Query(ctx, `
		SELECT id, job_id, file_url, resource_type, line_offset, completed, failed, last_error, updated_at
		FROM export_file_progress WHERE job_id = $1 ORDER BY file_url`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("list export file progress: %w", err)
	}
	defer rows.Close()

	var out []*FileProgress
	for rows.Next() {
		p := &FileProgress{}
		if err := rows.Scan(&p.ID, &p.JobID, &p.FileURL, &p.ResourceType, &p.LineOffset, &p.Completed, &p.Failed, &p.LastError, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan export file progress: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}
