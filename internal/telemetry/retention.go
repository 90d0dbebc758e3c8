package telemetry

import (
	"context"
	"time"

	"github.com/ehrcore/ehrcore/internal/domain/errorrecord"
)

// RetentionPolicy holds the per-severity age ceilings, in days, after
// which operational error records are purged. Compliance incidents are
// deliberately absent: they are never subject to retention-based
// deletion.
type RetentionPolicy struct {
	LowDays      int
	MediumDays   int
	HighDays     int
	CriticalDays int
}

// DefaultRetentionPolicy mirrors spec §4.6: LOW 30, MEDIUM 90, HIGH 180,
// CRITICAL 365.
func DefaultRetentionPolicy() RetentionPolicy {
	return RetentionPolicy{LowDays: 30, MediumDays: 90, HighDays: 180, CriticalDays: 365}
}

func (p RetentionPolicy) days(sev errorrecord.Severity) int {
	switch sev {
	case errorrecord.SeverityLow:
		return p.LowDays
	case errorrecord.SeverityMedium:
		return p.MediumDays
	case errorrecord.SeverityHigh:
		return p.HighDays
	case errorrecord.SeverityCritical:
		return p.CriticalDays
	}
	return 0
}

// PurgeExpired deletes operational records older than their severity's
// retention ceiling and returns the per-severity deletion counts. Run
// from the housekeeping cron (CLEANUP_SCHEDULE).
func (r *Router) PurgeExpired(ctx context.Context, policy RetentionPolicy) (map[errorrecord.Severity]int64, error) {
	now := r.now().UTC()
	out := make(map[errorrecord.Severity]int64, 4)
	for _, sev := range []errorrecord.Severity{
		errorrecord.SeverityLow, errorrecord.SeverityMedium,
		errorrecord.SeverityHigh, errorrecord.SeverityCritical,
	} {
		days := policy.days(sev)
		if days <= 0 {
			continue
		}
		cutoff := now.Add(-time.Duration(days) * 24 * time.Hour)
		n, err := r.errors.DeleteOlderThan(ctx, sev, cutoff)
		if err != nil {
			return out, err
		}
		if n > 0 {
			r.log.Info().Str("severity", string(sev)).Int64("deleted", n).Msg("retention purge")
		}
		out[sev] = n
	}
	return out, nil
}
