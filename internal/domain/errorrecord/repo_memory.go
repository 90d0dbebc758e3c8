package errorrecord

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrNotFound = errors.New("errorrecord: not found")

type InMemoryRepository struct {
	mu   sync.Mutex
	byFP map[string]*ErrorRecord
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{byFP: make(map[string]*ErrorRecord)}
}

func (r *InMemoryRepository) Create(_ context.Context, e *ErrorRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.FirstSeen.IsZero() {
		e.FirstSeen = time.Now().UTC()
	}
	if e.LastSeen.IsZero() {
		e.LastSeen = e.FirstSeen
	}
	if e.OccurrenceCount == 0 {
		e.OccurrenceCount = 1
	}
	cp := *e
	r.byFP[e.Fingerprint] = &cp
	return nil
}

func (r *InMemoryRepository) GetByFingerprint(_ context.Context, fingerprint string) (*ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byFP[fingerprint]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *InMemoryRepository) IncrementOccurrence(_ context.Context, candidate *ErrorRecord, maxSamples int, now time.Time, reset bool) (*ErrorRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byFP[candidate.Fingerprint]
	if !ok || reset {
		existingID := uuid.Nil
		if ok {
			existingID = e.ID
		}
		cp := *candidate
		if cp.ID == uuid.Nil {
			cp.ID = existingID
		}
		if cp.ID == uuid.Nil {
			cp.ID = uuid.New()
		}
		cp.FirstSeen = now
		cp.LastSeen = now
		cp.OccurrenceCount = 1
		if len(cp.Samples) > maxSamples {
			cp.Samples = cp.Samples[len(cp.Samples)-maxSamples:]
		}
		stored := cp
		r.byFP[candidate.Fingerprint] = &stored
		out := stored
		return &out, true, nil
	}
	e.OccurrenceCount++
	e.LastSeen = now
	for _, s := range candidate.Samples {
		e.AddSample(s, maxSamples)
	}
	cp := *e
	return &cp, false, nil
}

func (r *InMemoryRepository) ListBySeverity(_ context.Context, sev Severity, limit int) ([]*ErrorRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ErrorRecord
	for _, e := range r.byFP {
		if e.Severity == sev {
			cp := *e
			out = append(out, &cp)
		}
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepository) DeleteOlderThan(_ context.Context, sev Severity, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for fp, e := range r.byFP {
		if e.Severity == sev && e.LastSeen.Before(cutoff) {
			delete(r.byFP, fp)
			n++
		}
	}
	return n, nil
}

func (r *InMemoryRepository) Stats(_ context.Context) (StatsResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := StatsResult{BySeverity: make(map[Severity]int64)}
	for _, e := range r.byFP {
		res.TotalRecords++
		res.TotalOccurrences += int64(e.OccurrenceCount)
		res.BySeverity[e.Severity]++
	}
	return res, nil
}
