package bulkexport

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

var ErrProgressNotFound = errors.New("bulkexport: file progress not found")

// FileProgress tracks ingestion of one NDJSON output file from a bulk
// export manifest. LineOffset is the number of lines already ingested
// and durably applied, so a crash mid-file resumes from that line
// rather than re-ingesting from the start.
type FileProgress struct {
	ID           uuid.UUID
	JobID        uuid.UUID
	FileURL      string
	ResourceType string
	LineOffset   int
	Completed    bool
	Failed       bool
	LastError    *string
	UpdatedAt    time.Time
}

// ProgressStore persists FileProgress rows keyed by (job, file URL).
type ProgressStore interface {
	Upsert(ctx context.Context, p *FileProgress) error
	Get(ctx context.Context, jobID uuid.UUID, fileURL string) (*FileProgress, error)
	ListByJob(ctx context.Context, jobID uuid.UUID) ([]*FileProgress, error)
}

type progressKey struct {
	jobID uuid.UUID
	url   string
}

// InMemoryProgressStore backs tests and single-process runs.
type InMemoryProgressStore struct {
	mu   sync.Mutex
	rows map[progressKey]*FileProgress
}

func NewInMemoryProgressStore() *InMemoryProgressStore {
	return &InMemoryProgressStore{rows: make(map[progressKey]*FileProgress)}
}

func (s *InMemoryProgressStore) Upsert(_ context.Context, p *FileProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	p.UpdatedAt = time.Now().UTC()
	cp := *p
	s.rows[progressKey{p.JobID, p.FileURL}] = &cp
	return nil
}

func (s *InMemoryProgressStore) Get(_ context.Context, jobID uuid.UUID, fileURL string) (*FileProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.rows[progressKey{jobID, fileURL}]
	if !ok {
		return nil, ErrProgressNotFound
	}
	cp := *p
	return &cp, nil
}

func (s *InMemoryProgressStore) ListByJob(_ context.Context, jobID uuid.UUID) ([]*FileProgress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*FileProgress
	for k, p := range s.rows {
		if k.jobID == jobID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, nil
}
