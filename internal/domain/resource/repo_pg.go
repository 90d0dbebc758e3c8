package resource

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehrcore/ehrcore/internal/platform/db"
)

type repoPG struct {
	pool *pgxpool.Pool
}

// NewPGRepository returns a Repository backed by PostgreSQL via pgx.
func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const resourceColumns = `
	id, connection_id, resource_type, vendor_resource_id, raw_payload, title, date, category,
	resource_status, content_type, content_url, download_state, local_file_path, processed,
	last_update_observed, created_at, updated_at`

// Upsert relies on a unique index on (connection_id, resource_type, vendor_resource_id).
// It first reads the stored payload to decide whether the write is a no-op,
// a fresh insert, or a content change, satisfying testable property 8.
func (r *repoPG) Upsert(ctx context.Context, in *FHIRResource) (bool, bool, error) {
	var existingPayload []byte
	err := r.conn(ctx).QueryRow(ctx, `
		SELECT raw_payload FROM fhir_resources
		WHERE connection_id = $1 AND resource_type = $2 AND vendor_resource_id = $3`,
		in.ConnectionID, in.ResourceType, in.VendorResourceID,
	).Scan(&existingPayload)

	switch {
	case errors.Is(err, pgx.ErrNoRows):
		if in.ID == uuid.Nil {
			in.ID = uuid.New()
		}
		_, err := r.conn(ctx).Exec(ctx, `
			INSERT INTO fhir_resources (
				id, connection_id, resource_type, vendor_resource_id, raw_payload, title, date,
				category, resource_status, content_type, content_url, download_state,
				local_file_path, processed, last_update_observed
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)`,
			in.ID, in.ConnectionID, in.ResourceType, in.VendorResourceID, in.RawPayload, in.Title, in.Date,
			in.Category, in.ResourceStatus, in.ContentType, in.ContentURL, in.DownloadState,
			in.LocalFilePath, in.Processed, in.LastUpdateObserved,
		)
		if err != nil {
			return false, false, fmt.Errorf("insert fhir resource: %w", err)
		}
		return true, false, nil

	case err != nil:
		return false, false, fmt.Errorf("lookup fhir resource: %w", err)
	}

	if bytes.Equal(existingPayload, in.RawPayload) {
		return false, false, nil
	}

	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE fhir_resources SET
			raw_payload = $4, title = $5, date = $6, category = $7, resource_status = $8,
			content_type = $9, content_url = $10, download_state = $11, local_file_path = $12,
			last_update_observed = $13, updated_at = NOW()
		WHERE connection_id = $1 AND resource_type = $2 AND vendor_resource_id = $3`,
		in.ConnectionID, in.ResourceType, in.VendorResourceID, in.RawPayload, in.Title, in.Date,
		in.Category, in.ResourceStatus, in.ContentType, in.ContentURL, in.DownloadState,
		in.LocalFilePath, in.LastUpdateObserved,
	)
	if err != nil {
		return false, false, fmt.Errorf("update fhir resource: %w", err)
	}
	return false, true, nil
}

func (r *repoPG) GetByKey(ctx context.Context, key Key) (*FHIRResource, error) {
	row := r.conn(ctx).QueryRow(ctx, `
		SELECT `+resourceColumns+` FROM fhir_resources
		WHERE connection_id = $1 AND resource_type = $2 AND vendor_resource_id = $3`,
		key.ConnectionID, key.ResourceType, key.VendorResourceID)
	return scanResource(row)
}

func (r *repoPG) ListByConnection(ctx context.Context, connectionID uuid.UUID, resourceType string, limit, offset int) ([]*FHIRResource, error) {
	var rows pgx.Rows
	var err error
	if resourceType == "" {
		rows, err = r.conn(ctx).Query(ctx, `
			SELECT `+resourceColumns+` FROM fhir_resources
			WHERE connection_id = $1 ORDER BY created_at DESC LIMIT $2 OFFSET $3`,
			connectionID, limit, offset)
	} else {
		rows, err = r.conn(ctx).Query(ctx, `
			SELECT `+resourceColumns+` FROM fhir_resources
			WHERE connection_id = $1 AND resource_type = $2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`,
			connectionID, resourceType, limit, offset)
	}
	if err != nil {
		return nil, fmt.Errorf("list fhir resources: %w", err)
	}
	defer rows.Close()
	return scanResources(rows)
}

func (r *repoPG) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE fhir_resources SET processed = true, updated_at = NOW() WHERE id = $1`, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanResource(row pgx.Row) (*FHIRResource, error) {
	var res FHIRResource
	err := row.Scan(
		&res.ID, &res.ConnectionID, &res.ResourceType, &res.VendorResourceID, &res.RawPayload, &res.Title,
		&res.Date, &res.Category, &res.ResourceStatus, &res.ContentType, &res.ContentURL, &res.DownloadState,
		&res.LocalFilePath, &res.Processed, &res.LastUpdateObserved, &res.CreatedAt, &res.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan fhir resource: %w", err)
	}
	return &res, nil
}

func scanResources(rows pgx.Rows) ([]*FHIRResource, error) {
	var out []*FHIRResource
	for rows.Next() {
		var res FHIRResource
		if err := rows.Scan(
			&res.ID, &res.ConnectionID, &res.ResourceType, &res.VendorResourceID, &res.RawPayload, &res.Title,
			&res.Date, &res.Category, &res.ResourceStatus, &res.ContentType, &res.ContentURL, &res.DownloadState,
			&res.LocalFilePath, &res.Processed, &res.LastUpdateObserved, &res.CreatedAt, &res.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan fhir resource row: %w", err)
		}
		out = append(out, &res)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate fhir resources: %w", err)
	}
	return out, nil
}

func (r *repoPG) SetDownloadState(ctx context.Context, id uuid.UUID, state DownloadState, localPath string) error {
	var path *string
	if state == DownloadStateComplete && localPath != "" {
		path = &localPath
	}
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE fhir_resources SET download_state = $2, local_file_path = COALESCE($3, local_file_path), updated_at = now()
		WHERE id = $1`,
		id, state, path,
	)
	if err != nil {
		return fmt.Errorf("set download state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
