package errorrecord

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

const errorRecordColumns = `
	id, fingerprint, master_code, sub_code, message, endpoint, severity,
	first_seen, last_seen, occurrence_count, samples`

func (r *repoPG) Create(ctx context.Context, e *ErrorRecord) error {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO error_records (
			id, fingerprint, master_code, sub_code, message, endpoint, severity,
			occurrence_count, samples
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)`,
		e.ID, e.Fingerprint, e.MasterCode, e.SubCode, e.Message, e.Endpoint, e.Severity,
		e.OccurrenceCount, e.Samples,
	)
	return err
}

func (r *repoPG) GetByFingerprint(ctx context.Context, fingerprint string) (*ErrorRecord, error) {
	row := r.conn(ctx).QueryRow(ctx, `SELECT `+errorRecordColumns+` FROM error_records WHERE fingerprint = $1`, fingerprint)
	return scanErrorRecord(row)
}

// IncrementOccurrence upserts on the fingerprint unique constraint: a
// fresh fingerprint inserts candidate as the first occurrence, a repeat
// bumps the counter and appends the newest sample, capped at maxSamples
// by trimming from the front in application code after the round trip
// (array-slicing inside SQL would need a stored procedure the rest of
// this schema doesn't otherwise use).
func (r *repoPG) IncrementOccurrence(ctx context.Context, candidate *ErrorRecord, maxSamples int, now time.Time, reset bool) (*ErrorRecord, bool, error) {
	if candidate.ID == uuid.Nil {
		candidate.ID = uuid.New()
	}

	var row pgx.Row
	if reset {
		samples := candidate.Samples
		if len(samples) > maxSamples {
			samples = samples[len(samples)-maxSamples:]
		}
		row = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO error_records (
				id, fingerprint, master_code, sub_code, message, endpoint, severity,
				first_seen, last_seen, occurrence_count, samples
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,1,$9)
			ON CONFLICT (fingerprint) DO UPDATE SET
				master_code = excluded.master_code,
				sub_code = excluded.sub_code,
				message = excluded.message,
				endpoint = excluded.endpoint,
				severity = excluded.severity,
				first_seen = excluded.first_seen,
				last_seen = excluded.last_seen,
				occurrence_count = 1,
				samples = excluded.samples
			RETURNING `+errorRecordColumns+`, true AS inserted`,
			candidate.ID, candidate.Fingerprint, candidate.MasterCode, candidate.SubCode,
			candidate.Message, candidate.Endpoint, candidate.Severity, now, samples,
		)
	} else {
		row = r.conn(ctx).QueryRow(ctx, `
			INSERT INTO error_records (
				id, fingerprint, master_code, sub_code, message, endpoint, severity,
				first_seen, last_seen, occurrence_count, samples
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$8,1,$9)
			ON CONFLICT (fingerprint) DO UPDATE SET
				occurrence_count = error_records.occurrence_count + 1,
				last_seen = $8,
				samples = error_records.samples || $9
			RETURNING `+errorRecordColumns+`, (xmax = 0) AS inserted`,
			candidate.ID, candidate.Fingerprint, candidate.MasterCode, candidate.SubCode,
			candidate.Message, candidate.Endpoint, candidate.Severity, now, candidate.Samples,
		)
	}

	var e ErrorRecord
	var inserted bool
	err := row.Scan(
		&e.ID, &e.Fingerprint, &e.MasterCode, &e.SubCode, &e.Message, &e.Endpoint, &e.Severity,
		&e.FirstSeen, &e.LastSeen, &e.OccurrenceCount, &e.Samples, &inserted,
	)
	if err != nil {
		return nil, false, fmt.Errorf("upsert error record: %w", err)
	}
	if !reset && len(e.Samples) > maxSamples {
		e.Samples = e.Samples[len(e.Samples)-maxSamples:]
		if _, err := r.conn(ctx).Exec(ctx, `UPDATE error_records SET samples = $2 WHERE id = $1`, e.ID, e.Samples); err != nil {
			return nil, false, fmt.Errorf("trim error record samples: %w", err)
		}
	}
	return &e, inserted, nil
}

func (r *repoPG) ListBySeverity(ctx context.Context, sev Severity, limit int) ([]*ErrorRecord, error) {
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+errorRecordColumns+` FROM error_records
		WHERE severity = $1 ORDER BY last_seen DESC LIMIT $2`, sev, limit)
	if err != nil {
		return nil, fmt.Errorf("list error records by severity: %w", err)
	}
	defer rows.Close()
	return scanErrorRecords(rows)
}

func (r *repoPG) DeleteOlderThan(ctx context.Context, sev Severity, cutoff time.Time) (int64, error) {
	tag, err := r.conn(ctx).Exec(ctx, `DELETE FROM error_records WHERE severity = $1 AND last_seen < $2`, sev, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete expired error records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (r *repoPG) Stats(ctx context.Context) (StatsResult, error) {
	res := StatsResult{BySeverity: make(map[Severity]int64)}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT severity, count(*), coalesce(sum(occurrence_count), 0) FROM error_records GROUP BY severity`)
	if err != nil {
		return res, fmt.Errorf("error record stats: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sev Severity
		var count, occ int64
		if err := rows.Scan(&sev, &count, &occ); err != nil {
			return res, fmt.Errorf("scan error record stats row: %w", err)
		}
		res.BySeverity[sev] = count
		res.TotalRecords += count
		res.TotalOccurrences += occ
	}
	if err := rows.Err(); err != nil {
		return res, fmt.Errorf("iterate error record stats: %w", err)
	}
	return res, nil
}

func scanErrorRecord(row pgx.Row) (*ErrorRecord, error) {
	var e ErrorRecord
	err := row.Scan(
		&e.ID, &e.Fingerprint, &e.MasterCode, &e.SubCode, &e.Message, &e.Endpoint, &e.Severity,
		&e.FirstSeen, &e.LastSeen, &e.OccurrenceCount, &e.Samples,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan error record: %w", err)
	}
	return &e, nil
}

func scanErrorRecords(rows pgx.Rows) ([]*ErrorRecord, error) {
	var out []*ErrorRecord
	for rows.Next() {
		var e ErrorRecord
		if err := rows.Scan(
			&e.ID, &e.Fingerprint, &e.MasterCode, &e.SubCode, &e.Message, &e.Endpoint, &e.Severity,
			&e.FirstSeen, &e.LastSeen, &e.OccurrenceCount, &e.Samples,
		); err != nil {
			return nil, fmt.Errorf("scan error record row: %w", err)
		}
		out = append(out, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate error records: %w", err)
	}
	return out, nil
}
