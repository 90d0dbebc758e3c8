package conflict

import (
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

func NewPGRepository(pool *pgxpool.Pool) Repository {
	return &repoPG{pool: pool}
}

func (r *repoPG) conn(ctx context.Context) db.Queryable {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const conflictColumns = `
	id, connection_id, resource_type, resource_id, field_path, local_value, remote_value,
	detected_at, resolution, resolved_value, resolved_by, resolved_at`

func (r *repoPG) Create(ctx context.Context, c *Conflict) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO conflicts (
			id, connection_id, resource_type, resource_id, field_path, local_value, remote_value, resolution
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		c.ID, c.ConnectionID, c.ResourceType, c.ResourceID, c.FieldPath, c.LocalValue, c.RemoteValue, c.Resolution,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Conflict, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+conflictColumns+` FROM conflicts WHERE id = $1`, id)
	return scanConflict(row)
}

func (r *repoPG) ListUnresolved(ctx context.Context, connectionID uuid.UUID) ([]*Conflict, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE connection_id = $1 AND resolution = '' ORDER BY detected_at ASC`, connectionID)
	if err != nil {
		return nil, fmt.Errorf("list unresolved conflicts: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func (r *repoPG) ListByResource(ctx context.Context, connectionID uuid.UUID, resourceType, resourceID string) ([]*Conflict, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+conflictColumns+` FROM conflicts
		WHERE connection_id = $1 AND resource_type = $2 AND resource_id = $3 ORDER BY detected_at ASC`,
		connectionID, resourceType, resourceID)
	if err != nil {
		return nil, fmt.Errorf("list conflicts by resource: %w", err)
	}
	defer rows.Close()
	return scanConflicts(rows)
}

func (r *repoPG) Update(ctx context.Context, c *Conflict) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE conflicts SET resolution = $2, resolved_value = $3, resolved_by = $4, resolved_at = $5
		WHERE id = $1`,
		c.ID, c.Resolution, c.ResolvedValue, c.ResolvedBy, c.ResolvedAt,
	)
	return err
}

func scanConflict(row pgx.Row) (*Conflict, error) {
	var c Conflict
	err := row.Scan(
		&c.ID, &c.ConnectionID, &c.ResourceType, &c.ResourceID, &c.FieldPath, &c.LocalValue, &c.RemoteValue,
		&c.DetectedAt, &c.Resolution, &c.ResolvedValue, &c.ResolvedBy, &c.ResolvedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan conflict: %w", err)
	}
	return &c, nil
}

func scanConflicts(rows pgx.Rows) ([]*Conflict, error) {
	var out []*Conflict
	for rows.Next() {
		var c Conflict
		if err := rows.Scan(
			&c.ID, &c.ConnectionID, &c.ResourceType, &c.ResourceID, &c.FieldPath, &c.LocalValue, &c.RemoteValue,
			&c.DetectedAt, &c.Resolution, &c.ResolvedValue, &c.ResolvedBy, &c.ResolvedAt,
		); err != nil {
			return nil, fmt.Errorf("scan conflict row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate conflicts: %w", err)
	}
	return out, nil
}
