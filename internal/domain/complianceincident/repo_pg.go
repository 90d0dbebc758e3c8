package complianceincident

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

const incidentColumns = `
	id, number, severity, category, description, data_exposed, records_affected,
	status, assigned_to, reported_to_regulator_at, breach_notification_due_at,
	breach_notification_sent_at, related_error_fingerprint, created_at, updated_at`

// Create assigns the incident's number from compliance_incident_sequences,
// a (year, sequence) table keyed so that concurrent creates in the same
// year serialize on a single row rather than racing on a shared counter
// held in application memory.
func (r *repoPG) Create(ctx context.Context, prefix string, c *ComplianceIncident) error {
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = StatusDetected
	}
	year := time.Now().UTC().Year()

	var seq int
	err := r.conn(ctx).QueryRow(ctx, `
		INSERT INTO compliance_incident_sequences (year, next_value) VALUES ($1, 2)
		ON CONFLICT (year) DO UPDATE SET next_value = compliance_incident_sequences.next_value + 1
		RETURNING next_value - 1`, year).Scan(&seq)
	if err != nil {
		return fmt.Errorf("allocate compliance incident sequence: %w", err)
	}
	c.Number = fmt.Sprintf("%s-%d-%04d", prefix, year, seq)

	_, err = r.conn(ctx).Exec(ctx, `
		INSERT INTO compliance_incidents (
			id, number, severity, category, description, data_exposed, records_affected,
			status, assigned_to, related_error_fingerprint
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.Number, c.Severity, c.Category, c.Description, c.DataExposed, c.RecordsAffected,
		c.Status, c.AssignedTo, c.RelatedErrorFingerprint,
	)
	if err != nil {
		return fmt.Errorf("insert compliance incident: %w", err)
	}
	return nil
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*ComplianceIncident, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+incidentColumns+` FROM compliance_incidents WHERE id = $1`, id)
	return scanIncident(row)
}

func (r *repoPG) GetByNumber(ctx context.Context, number string) (*ComplianceIncident, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+incidentColumns+` FROM compliance_incidents WHERE number = $1`, number)
	return scanIncident(row)
}

func (r *repoPG) List(ctx context.Context, filter ListFilter) ([]*ComplianceIncident, error) {
	query := `SELECT ` + incidentColumns + ` FROM compliance_incidents WHERE
		($1 = '' OR status = $1) AND ($2 = '' OR category = $2) AND ($3 = '' OR severity = $3)
		ORDER BY created_at DESC`
	args := []interface{}{filter.Status, filter.Category, filter.Severity}
	if filter.Limit > 0 {
		query += " LIMIT $4"
		args = append(args, filter.Limit)
	}
	rows, err := r.conn(ctx).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list compliance incidents: %w", err)
	}
	defer rows.Close()
	return scanIncidents(rows)
}

func (r *repoPG) UpdateStatus(ctx context.Context, id uuid.UUID, next Status, now time.Time) error {
	cur, err := r.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if !cur.Status.CanTransition(next) {
		return fmt.Errorf("complianceincident: illegal status transition %s -> %s", cur.Status, next)
	}
	_, err = r.conn(ctx).Exec(ctx, `UPDATE compliance_incidents SET status = $2, updated_at = $3 WHERE id = $1`, id, next, now)
	return err
}

func (r *repoPG) Update(ctx context.Context, c *ComplianceIncident) error {
	_, err := r.conn(ctx).Exec(ctx, `
		UPDATE compliance_incidents SET
			severity = $2, assigned_to = $3, reported_to_regulator_at = $4,
			breach_notification_due_at = $5, breach_notification_sent_at = $6, updated_at = $7
		WHERE id = $1`,
		c.ID, c.Severity, c.AssignedTo, c.ReportedToRegulatorAt,
		c.BreachNotificationDueAt, c.BreachNotificationSentAt, c.UpdatedAt,
	)
	return err
}

func (r *repoPG) AppendAudit(ctx context.Context, incidentID uuid.UUID, entry *AuditEntry) error {
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO compliance_incident_audit (id, incident_id, actor, action, detail)
		VALUES ($1,$2,$3,$4,$5)`,
		entry.ID, incidentID, entry.Actor, entry.Action, entry.Detail,
	)
	return err
}

func (r *repoPG) ListAudit(ctx context.Context, incidentID uuid.UUID) ([]*AuditEntry, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT id, actor, action, detail, created_at FROM compliance_incident_audit
		WHERE incident_id = $1 ORDER BY created_at ASC`, incidentID)
	if err != nil {
		return nil, fmt.Errorf("list compliance incident audit: %w", err)
	}
	defer rows.Close()
	var out []*AuditEntry
	for rows.Next() {
		var e AuditEntry
		if err := rows.Scan(&e.ID, &e.Actor, &e.Action, &e.Detail, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan compliance incident audit row: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compliance incident audit: %w", err)
	}
	return out, nil
}

func scanIncident(row pgx.Row) (*ComplianceIncident, error) {
	var c ComplianceIncident
	err := row.Scan(
		&c.ID, &c.Number, &c.Severity, &c.Category, &c.Description, &c.DataExposed, &c.RecordsAffected,
		&c.Status, &c.AssignedTo, &c.ReportedToRegulatorAt, &c.BreachNotificationDueAt,
		&c.BreachNotificationSentAt, &c.RelatedErrorFingerprint, &c.CreatedAt, &c.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan compliance incident: %w", err)
	}
	return &c, nil
}

func scanIncidents(rows pgx.Rows) ([]*ComplianceIncident, error) {
	var out []*ComplianceIncident
	for rows.Next() {
		var c ComplianceIncident
		if err := rows.Scan(
			&c.ID, &c.Number, &c.Severity, &c.Category, &c.Description, &c.DataExposed, &c.RecordsAffected,
			&c.Status, &c.AssignedTo, &c.ReportedToRegulatorAt, &c.BreachNotificationDueAt,
			&c.BreachNotificationSentAt, &c.RelatedErrorFingerprint, &c.CreatedAt, &c.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan compliance incident row: %w", err)
		}
		out = append(out, &c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate compliance incidents: %w", err)
	}
	return out, nil
}
