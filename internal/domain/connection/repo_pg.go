package connection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ehrcore/ehrcore/internal/platform/db"
)

var ErrNotFound = errors.New("connection: not found")

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

const connColumns = `
	id, user_id, vendor, vendor_patient_id, fhir_base_url, authorization_url, token_url,
	client_id, sealed_client_secret, redirect_uri, sealed_access_token, sealed_refresh_token,
	access_token_expiry, last_sync_at, next_sync_at, sync_frequency_hours, auto_sync,
	status, created_at, updated_at`

func (r *repoPG) Create(ctx context.Context, c *Connection) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO connections (
			id, user_id, vendor, vendor_patient_id, fhir_base_url, authorization_url, token_url,
			client_id, sealed_client_secret, redirect_uri, sealed_access_token, sealed_refresh_token,
			access_token_expiry, last_sync_at, next_sync_at, sync_frequency_hours, auto_sync, status
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)`,
		c.ID, c.UserID, c.Vendor, c.VendorPatientID, c.FHIRBaseURL, c.AuthorizationURL, c.TokenURL,
		c.ClientID, c.SealedClientSecret, c.RedirectURI, c.SealedAccessToken, c.SealedRefreshToken,
		c.AccessTokenExpiry, c.LastSyncAt, c.NextSyncAt, c.SyncFrequencyHours, c.AutoSync, c.Status,
	)
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*Connection, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+connColumns+` FROM connections WHERE id = $1`, id)
	return scanConnection(row)
}

func (r *repoPG) ListByUser(ctx context.Context, userID string) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, `SELECT `+connColumns+` FROM connections WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("list connections by user: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (r *repoPG) ListDueForSync(ctx context.Context, asOf time.Time) ([]*Connection, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+connColumns+` FROM connections
		WHERE auto_sync = true AND status = $1 AND (next_sync_at IS NULL OR next_sync_at <= $2)
		ORDER BY next_sync_at NULLS FIRST`, StatusActive, asOf)
	if err != nil {
		return nil, fmt.Errorf("list connections due for sync: %w", err)
	}
	defer rows.Close()
	return scanConnections(rows)
}

func (r *repoPG) Update(ctx context.Context, c *Connection) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE connections SET
			vendor_patient_id = $2, fhir_base_url = $3, authorization_url = $4, token_url = $5,
			client_id = $6, sealed_client_secret = $7, redirect_uri = $8,
			sealed_access_token = $9, sealed_refresh_token = $10, access_token_expiry = $11,
			last_sync_at = $12, next_sync_at = $13, sync_frequency_hours = $14, auto_sync = $15,
			status = $16, updated_at = NOW()
		WHERE id = $1`,
		c.ID, c.VendorPatientID, c.FHIRBaseURL, c.AuthorizationURL, c.TokenURL,
		c.ClientID, c.SealedClientSecret, c.RedirectURI,
		c.SealedAccessToken, c.SealedRefreshToken, c.AccessTokenExpiry,
		c.LastSyncAt, c.NextSyncAt, c.SyncFrequencyHours, c.AutoSync, c.Status,
	)
	return err
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, status Status) error {
	tag, err := r.conn(ctx).Exec(ctx, `UPDATE connections SET status = $2, updated_at = NOW() WHERE id = $1`, id, status)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *repoPG) Delete(ctx context.Context, id uuid.UUID) error {
	_, err := r.conn(ctx).Exec(ctx, `DELETE FROM connections WHERE id = $1`, id)
	return err
}

func scanConnection(row pgx.Row) (*Connection, error) {
	var c Connection
	err := row.Scan(
		&c.ID, &c.UserID, &c.Vendor, &c.VendorPatientID, &c.FHIRBaseURL, &c.AuthorizationURL, &c.TokenURL,
		&c.ClientID, &c.SealedClientSecret, &c.RedirectURI, &c.SealedAccessToken, &c.SealedRefreshToken,
		&c.AccessTokenExpiry, &c.LastSyncAt, &c.NextSyncAt, &c.SyncFrequencyHours, &c.AutoSync,
		&c.Status, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan connection: %w", err)
	}
	return &c, nil
}

func scanConnections(rows pgx.Rows) ([]*Connection, error) {
	var out []*Connection
	for rows.Next() {
		var c Connection
		if err := rows.Scan(
			&c.ID, &c.UserID, &c.Vendor, &c.VendorPatientID, &c.FHIRBaseURL, &c.AuthorizationURL, &c.TokenURL,
			&c.ClientID, &c.SealedClientSecret, &c.RedirectURI, &c.SealedAccessToken, &c.SealedRefreshToken,
			&c.AccessTokenExpiry, &c.LastSyncAt, &c.NextSyncAt, &c.SyncFrequencyHours, &c.AutoSync,
			&c.Status, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan connection row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate connections: %w", err)
	}
	return out, nil
}
