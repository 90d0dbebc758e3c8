package rule

import (
	"encoding/json"
	"errors"
	"fmt"

	"context"

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

const ruleColumns = `
	id, vendor, resource_type, direction, kind, source_field_path, target_field_path,
	value_map, expression, priority, enabled, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, in *TransformationRule) error {
	if in.ID == uuid.Nil {
		in.ID = uuid.New()
	}
	valueMap, err := json.Marshal(in.ValueMap)
	if err != nil {
		return fmt.Errorf("marshal value map: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO transformation_rules (
			id, vendor, resource_type, direction, kind, source_field_path, target_field_path,
			value_map, expression, priority, enabled
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		in.ID, in.Vendor, in.ResourceType, in.Direction, in.Kind, in.SourceFieldPath, in.TargetFieldPath,
		valueMap, in.Expression, in.Priority, in.Enabled,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*TransformationRule, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+ruleColumns+` FROM transformation_rules WHERE id = $1`, id)
	return scanRule(row)
}

func (r *repoPG) ListForResource(ctx context.Context, vendor, resourceType string, direction Direction) ([]*TransformationRule, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+ruleColumns+` FROM transformation_rules
		WHERE vendor = $1 AND resource_type = $2 AND direction = $3 AND enabled = true
		ORDER BY priority ASC, created_at ASC`, vendor, resourceType, direction)
	if err != nil {
		return nil, fmt.Errorf("list transformation rules: %w", err)
	}
	defer rows.Close()

	var out []*TransformationRule
	for rows.Next() {
		rr, err := scanRuleRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *repoPG) Update(ctx context.Context, in *TransformationRule) error {
	valueMap, err := json.Marshal(in.ValueMap)
	if err != nil {
		return fmt.Errorf("marshal value map: %w", err)
	}
	_, err = r.conn(ctx).Exec(ctx, `
		UPDATE transformation_rules SET
			source_field_path = $2, target_field_path = $3, value_map = $4, expression = $5,
			priority = $6, enabled = $7, updated_at = NOW()
		WHERE id = $1`,
		in.ID, in.SourceFieldPath, in.TargetFieldPath, valueMap, in.Expression, in.Priority, in.Enabled,
	)
	return err
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM transformation_rules WHERE id = $1`, id)
	return err
}

func scanRule(row pgx.Row) (*TransformationRule, error) {
	var rr TransformationRule
	var valueMap []byte
	err := row.Scan(
		&rr.ID, &rr.Vendor, &rr.ResourceType, &rr.Direction, &rr.Kind, &rr.SourceFieldPath, &rr.TargetFieldPath,
		&valueMap, &rr.Expression, &rr.Priority, &rr.Enabled, &rr.CreatedAt, &rr.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan transformation rule: %w", err)
	}
	if len(valueMap) > 0 {
		if err := json.Unmarshal(valueMap, &rr.ValueMap); err != nil {
			return nil, fmt.Errorf("unmarshal value map: %w", err)
		}
	}
	return &rr, nil
}

func scanRuleRow(rows pgx.Rows) (*TransformationRule, error) {
	var rr TransformationRule
	var valueMap []byte
	if err := rows.Scan(
		&rr.ID, &rr.Vendor, &rr.ResourceType, &rr.Direction, &rr.Kind, &rr.SourceFieldPath, &rr.TargetFieldPath,
		&valueMap, &rr.Expression, &rr.Priority, &rr.Enabled, &rr.CreatedAt, &rr.UpdatedAt,
	); err != nil {
		return nil, fmt.Errorf("scan transformation rule row: %w", err)
	}
	if len(valueMap) > 0 {
		if err := json.Unmarshal(valueMap, &rr.ValueMap); err != nil {
			return nil, fmt.Errorf("unmarshal value map: %w", err)
		}
	}
	return &rr, nil
}
