package complianceincident

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrNotFound          = errors.New("complianceincident: not found")
	ErrIllegalTransition = errors.New("complianceincident: illegal status transition")
)

type InMemoryRepository struct {
	mu        sync.Mutex
	byID      map[uuid.UUID]*ComplianceIncident
	byNumber  map[string]uuid.UUID
	audit     map[uuid.UUID][]*AuditEntry
	seqByYear map[int]int
}

func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byID:      make(map[uuid.UUID]*ComplianceIncident),
		byNumber:  make(map[string]uuid.UUID),
		audit:     make(map[uuid.UUID][]*AuditEntry),
		seqByYear: make(map[int]int),
	}
}

func (r *InMemoryRepository) Create(_ context.Context, prefix string, c *ComplianceIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	c.UpdatedAt = c.CreatedAt
	if c.Status == "" {
		c.Status = StatusDetected
	}

	year := c.CreatedAt.Year()
	r.seqByYear[year]++
	c.Number = fmt.Sprintf("%s-%d-%04d", prefix, year, r.seqByYear[year])

	cp := *c
	r.byID[c.ID] = &cp
	r.byNumber[c.Number] = c.ID
	return nil
}

func (r *InMemoryRepository) GetByID(_ context.Context, id uuid.UUID) (*ComplianceIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *InMemoryRepository) GetByNumber(_ context.Context, number string) (*ComplianceIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.byNumber[number]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *r.byID[id]
	return &cp, nil
}

func (r *InMemoryRepository) List(_ context.Context, filter ListFilter) ([]*ComplianceIncident, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*ComplianceIncident
	for _, c := range r.byID {
		if filter.Status != "" && c.Status != filter.Status {
			continue
		}
		if filter.Category != "" && c.Category != filter.Category {
			continue
		}
		if filter.Severity != "" && c.Severity != filter.Severity {
			continue
		}
		cp := *c
		out = append(out, &cp)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (r *InMemoryRepository) UpdateStatus(_ context.Context, id uuid.UUID, next Status, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byID[id]
	if !ok {
		return ErrNotFound
	}
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, c.Status, next)
	}
	c.Status = next
	c.UpdatedAt = now
	return nil
}

func (r *InMemoryRepository) Update(_ context.Context, c *ComplianceIncident) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[c.ID]; !ok {
		return ErrNotFound
	}
	cp := *c
	r.byID[c.ID] = &cp
	return nil
}

func (r *InMemoryRepository) AppendAudit(_ context.Context, incidentID uuid.UUID, entry *AuditEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[incidentID]; !ok {
		return ErrNotFound
	}
	if entry.ID == uuid.Nil {
		entry.ID = uuid.New()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	cp := *entry
	r.audit[incidentID] = append(r.audit[incidentID], &cp)
	return nil
}

func (r *InMemoryRepository) ListAudit(_ context.Context, incidentID uuid.UUID) ([]*AuditEntry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*AuditEntry, len(r.audit[incidentID]))
	copy(out, r.audit[incidentID])
	return out, nil
}
