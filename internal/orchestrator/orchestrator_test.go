package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/bulkexport"
	"github.com/ehrcore/ehrcore/internal/domain/conflict"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/rule"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/ingest"
	"github.com/ehrcore/ehrcore/internal/transform"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

// stubAdapter is a scriptable vendor.Adapter: it serves canned resources,
// fails the first N calls with a transient 503, records request counts
// and per-connection execution spans, and can block until released.
type stubAdapter struct {
	caps vendor.Capabilities

	mu            sync.Mutex
	failuresLeft  int
	requests      int64
	servedOrder   []uuid.UUID
	spans         map[uuid.UUID][][2]time.Time
	resources     map[string][]json.RawMessage
	blockUntilCtx bool
	perCallDelay  time.Duration
}

func newStubAdapter() *stubAdapter {
	return &stubAdapter{
		caps: vendor.Capabilities{
			Vendor:             connection.VendorEpic,
			ResourceTypes:      []string{"Patient"},
			MinRequestInterval: time.Millisecond,
			SupportsBulkExport: true,
		},
		spans:     make(map[uuid.UUID][][2]time.Time),
		resources: map[string][]json.RawMessage{},
	}
}

func (s *stubAdapter) Capabilities() vendor.Capabilities { return s.caps }

func (s *stubAdapter) touch(ctx context.Context, conn *connection.Connection) error {
	s.mu.Lock()
	atomic.AddInt64(&s.requests, 1)
	s.servedOrder = append(s.servedOrder, conn.ID)
	fail := s.failuresLeft > 0
	if fail {
		s.failuresLeft--
	}
	s.mu.Unlock()

	if s.blockUntilCtx {
		<-ctx.Done()
		return ctx.Err()
	}
	if s.perCallDelay > 0 {
		time.Sleep(s.perCallDelay)
	}
	if fail {
		return &vendor.Error{StatusCode: 503, Vendor: "epic", Transient: true}
	}
	return nil
}

func (s *stubAdapter) FetchPatient(ctx context.Context, conn *connection.Connection, patientID string) (json.RawMessage, error) {
	start := time.Now()
	if err := s.touch(ctx, conn); err != nil {
		return nil, err
	}
	s.recordSpan(conn.ID, start)
	return json.RawMessage(fmt.Sprintf(`{"resourceType":"Patient","id":%q}`, patientID)), nil
}

func (s *stubAdapter) recordSpan(connID uuid.UUID, start time.Time) {
	s.mu.Lock()
	s.spans[connID] = append(s.spans[connID], [2]time.Time{start, time.Now()})
	s.mu.Unlock()
}

func (s *stubAdapter) Search(ctx context.Context, conn *connection.Connection, resourceType string, _ vendor.SearchParams) <-chan vendor.SearchResult {
	out := make(chan vendor.SearchResult)
	go func() {
		defer close(out)
		start := time.Now()
		if err := s.touch(ctx, conn); err != nil {
			out <- vendor.SearchResult{Err: err}
			return
		}
		for _, raw := range s.resources[resourceType] {
			select {
			case out <- vendor.SearchResult{Resource: raw}:
			case <-ctx.Done():
				return
			}
		}
		s.recordSpan(conn.ID, start)
	}()
	return out
}

func (s *stubAdapter) FetchBinary(ctx context.Context, conn *connection.Connection, _ string) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubAdapter) StartBulkExport(context.Context, *connection.Connection, vendor.BulkExportParams) (string, error) {
	return "", fmt.Errorf("not implemented")
}

func (s *stubAdapter) PollBulkExport(context.Context, *connection.Connection, string) (*vendor.PollResult, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *stubAdapter) DownloadBulkFile(context.Context, *connection.Connection, string) (io.ReadCloser, error) {
	return nil, fmt.Errorf("not implemented")
}

type fixture struct {
	orch    *Orchestrator
	jobs    *syncjob.InMemoryRepository
	conns   *connection.InMemoryRepository
	adapter *stubAdapter
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	jobs := syncjob.NewInMemoryRepository()
	conns := connection.NewInMemoryRepository()
	resources := resource.NewInMemoryRepository()
	rules := rule.NewInMemoryRepository()
	conflicts := conflict.NewInMemoryRepository()

	adapter := newStubAdapter()
	registry := vendor.NewRegistry(nil, nil, vendor.RegistryOptions{})
	registry.Register(connection.VendorEpic, adapter)

	engine := transform.NewEngine(rules, transform.ModeLenient)
	proc := ingest.NewProcessor(engine, resources, conflicts)
	bulk := bulkexport.NewRunner(jobs, conns, registry, proc, bulkexport.NewInMemoryProgressStore(), zerolog.Nop())

	orch := New(cfg, Deps{
		Jobs:      jobs,
		Conns:     conns,
		Resources: resources,
		Registry:  registry,
		Processor: proc,
		Bulk:      bulk,
	}, zerolog.Nop())

	return &fixture{orch: orch, jobs: jobs, conns: conns, adapter: adapter}
}

func (f *fixture) activeConnection(t *testing.T) *connection.Connection {
	t.Helper()
	pid := "pat-1"
	c := &connection.Connection{
		ID:              uuid.New(),
		UserID:          "user-1",
		Vendor:          connection.VendorEpic,
		VendorPatientID: &pid,
		FHIRBaseURL:     "https://example.test/fhir",
		Status:          connection.StatusActive,
	}
	if err := f.conns.Create(context.Background(), c); err != nil {
		t.Fatal(err)
	}
	return c
}

func (f *fixture) patientConfig(c *connection.Connection) JobConfig {
	return JobConfig{
		JobType:      syncjob.JobTypePatient,
		Direction:    syncjob.DirectionInbound,
		Priority:     3,
		ConnectionID: c.ID,
		UserID:       c.UserID,
		Options:      syncjob.Options{MaxRetries: 3, RetryDelayMS: 1, TimeoutSeconds: 30},
	}
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestEnqueueValidation(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.activeConnection(t)
	ctx := context.Background()

	cases := []JobConfig{
		{Direction: syncjob.DirectionInbound, ConnectionID: conn.ID, UserID: "u"},                                  // missing type
		{JobType: syncjob.JobTypeFull, ConnectionID: conn.ID, UserID: "u"},                                         // missing direction
		{JobType: syncjob.JobTypeFull, Direction: syncjob.DirectionInbound, ConnectionID: conn.ID},                 // missing user
		{JobType: syncjob.JobTypeFull, Direction: syncjob.DirectionInbound, UserID: "u"},                           // missing connection
		{JobType: syncjob.JobTypeFull, Direction: syncjob.DirectionInbound, ConnectionID: uuid.New(), UserID: "u"}, // unknown connection
	}
	for i, cfg := range cases {
		if _, err := f.orch.Enqueue(ctx, cfg); err == nil {
			t.Errorf("case %d: expected validation error", i)
		} else if _, ok := err.(*ValidationError); !ok {
			t.Errorf("case %d: got %T, want *ValidationError", i, err)
		}
	}
}

func TestEnqueueQueueFull(t *testing.T) {
	f := newFixture(t, Config{QueueHighWater: 1})
	conn := f.activeConnection(t)
	ctx := context.Background()

	if _, err := f.orch.Enqueue(ctx, f.patientConfig(conn)); err != nil {
		t.Fatal(err)
	}
	if _, err := f.orch.Enqueue(ctx, f.patientConfig(conn)); err != ErrQueueFull {
		t.Errorf("got %v, want ErrQueueFull", err)
	}
}

func TestPriorityOrdering(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond})
	ctx := context.Background()

	var lowPriority, highPriority []uuid.UUID
	for i := 0; i < 5; i++ {
		conn := f.activeConnection(t)
		cfg := f.patientConfig(conn)
		cfg.Priority = 3
		id, err := f.orch.Enqueue(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		lowPriority = append(lowPriority, id)
	}
	highConns := make(map[uuid.UUID]bool)
	for i := 0; i < 5; i++ {
		conn := f.activeConnection(t)
		cfg := f.patientConfig(conn)
		cfg.Priority = 1
		id, err := f.orch.Enqueue(ctx, cfg)
		if err != nil {
			t.Fatal(err)
		}
		highPriority = append(highPriority, id)
		highConns[conn.ID] = true
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	allDone := func() bool {
		for _, id := range append(append([]uuid.UUID{}, lowPriority...), highPriority...) {
			j, err := f.jobs.GetByID(ctx, id)
			if err != nil || !syncjob.IsTerminal(j.Status) {
				return false
			}
		}
		return true
	}
	waitFor(t, 5*time.Second, allDone)

	f.adapter.mu.Lock()
	served := append([]uuid.UUID{}, f.adapter.servedOrder...)
	f.adapter.mu.Unlock()
	if len(served) < 10 {
		t.Fatalf("served %d jobs, want 10", len(served))
	}
	for i := 0; i < 5; i++ {
		if !highConns[served[i]] {
			t.Errorf("position %d served a priority-3 job before all priority-1 jobs", i)
		}
	}
}

func TestPerConnectionSerialization(t *testing.T) {
	f := newFixture(t, Config{Workers: 4, PollInterval: time.Millisecond})
	f.adapter.perCallDelay = 20 * time.Millisecond
	conn := f.activeConnection(t)
	ctx := context.Background()

	var ids []uuid.UUID
	for i := 0; i < 3; i++ {
		id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
		if err != nil {
			t.Fatal(err)
		}
		ids = append(ids, id)
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		for _, id := range ids {
			j, err := f.jobs.GetByID(ctx, id)
			if err != nil || j.Status != syncjob.StatusCompleted {
				return false
			}
		}
		return true
	})

	f.adapter.mu.Lock()
	spans := append([][2]time.Time{}, f.adapter.spans[conn.ID]...)
	f.adapter.mu.Unlock()
	if len(spans) != 3 {
		t.Fatalf("want 3 execution spans, got %d", len(spans))
	}
	for i := 1; i < len(spans); i++ {
		if spans[i][0].Before(spans[i-1][1]) {
			t.Errorf("span %d started %s before span %d ended %s: jobs overlapped on one connection",
				i, spans[i][0], i-1, spans[i-1][1])
		}
	}
}

func TestRetryTransientThenComplete(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond})
	f.adapter.failuresLeft = 2
	conn := f.activeConnection(t)
	ctx := context.Background()

	id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
	if err != nil {
		t.Fatal(err)
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && syncjob.IsTerminal(j.Status)
	})

	j, _ := f.jobs.GetByID(ctx, id)
	if j.Status != syncjob.StatusCompleted {
		t.Fatalf("status = %s, want COMPLETED (lastError=%v)", j.Status, j.LastError)
	}
	if j.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2", j.RetryCount)
	}
	if n := atomic.LoadInt64(&f.adapter.requests); n != 3 {
		t.Errorf("outbound requests = %d, want exactly 3", n)
	}
}

func TestTransientFailureExhaustsRetries(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond})
	f.adapter.failuresLeft = 10
	conn := f.activeConnection(t)
	ctx := context.Background()

	cfg := f.patientConfig(conn)
	cfg.Options.MaxRetries = 2
	id, err := f.orch.Enqueue(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && syncjob.IsTerminal(j.Status)
	})

	j, _ := f.jobs.GetByID(ctx, id)
	if j.Status != syncjob.StatusFailed {
		t.Errorf("status = %s, want FAILED", j.Status)
	}
	if j.RetryCount != 2 {
		t.Errorf("retryCount = %d, want 2 (bounded by maxRetries)", j.RetryCount)
	}
}

func TestCancelQueuedJob(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.activeConnection(t)
	ctx := context.Background()

	id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	j, _ := f.jobs.GetByID(ctx, id)
	if j.Status != syncjob.StatusCancelled {
		t.Errorf("status = %s, want CANCELLED", j.Status)
	}

	if err := f.orch.Cancel(ctx, id); err != ErrNotCancellable {
		t.Errorf("cancelling a terminal job: got %v, want ErrNotCancellable", err)
	}
}

func TestCancelProcessingJob(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond})
	f.adapter.blockUntilCtx = true
	conn := f.activeConnection(t)
	ctx := context.Background()

	id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
	if err != nil {
		t.Fatal(err)
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && j.Status == syncjob.StatusProcessing
	})
	if err := f.orch.Cancel(ctx, id); err != nil {
		t.Fatal(err)
	}
	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && j.Status == syncjob.StatusCancelled
	})
}

func TestJobTimeout(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond})
	f.adapter.blockUntilCtx = true
	conn := f.activeConnection(t)
	ctx := context.Background()

	cfg := f.patientConfig(conn)
	cfg.Options.TimeoutSeconds = 1
	id, err := f.orch.Enqueue(ctx, cfg)
	if err != nil {
		t.Fatal(err)
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && j.Status == syncjob.StatusFailed
	})
	j, _ := f.jobs.GetByID(ctx, id)
	if j.LastError == nil || *j.LastError != "JOB_TIMEOUT" {
		t.Errorf("lastError = %v, want JOB_TIMEOUT", j.LastError)
	}
}

func TestShutdownReleasesInFlightJobs(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond, ShutdownGrace: 2 * time.Second})
	f.adapter.blockUntilCtx = true
	conn := f.activeConnection(t)
	ctx := context.Background()

	id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
	if err != nil {
		t.Fatal(err)
	}

	f.orch.Start()
	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && j.Status == syncjob.StatusProcessing
	})

	if err := f.orch.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	j, _ := f.jobs.GetByID(ctx, id)
	if j.Status != syncjob.StatusQueued {
		t.Errorf("status after shutdown = %s, want QUEUED (released, not cancelled)", j.Status)
	}
	if j.RetryCount != 0 {
		t.Errorf("shutdown release must not increment retry count, got %d", j.RetryCount)
	}
}

func TestManualRetryOnlyFailedJobs(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.activeConnection(t)
	ctx := context.Background()

	id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
	if err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Retry(ctx, id); err != ErrNotRetryable {
		t.Errorf("retrying a QUEUED job: got %v, want ErrNotRetryable", err)
	}

	// Force it FAILED and retry.
	if err := f.jobs.UpdateStatus(ctx, id, syncjob.StatusProcessing); err != nil {
		t.Fatal(err)
	}
	if err := f.jobs.UpdateStatus(ctx, id, syncjob.StatusFailed); err != nil {
		t.Fatal(err)
	}
	if err := f.orch.Retry(ctx, id); err != nil {
		t.Fatal(err)
	}
	j, _ := f.jobs.GetByID(ctx, id)
	if j.Status != syncjob.StatusQueued {
		t.Errorf("status = %s, want QUEUED", j.Status)
	}
	if j.RetryCount != 1 {
		t.Errorf("retryCount = %d, want 1", j.RetryCount)
	}
}

func TestStateSequenceIsLegal(t *testing.T) {
	f := newFixture(t, Config{Workers: 1, PollInterval: time.Millisecond})
	conn := f.activeConnection(t)
	ctx := context.Background()

	id, err := f.orch.Enqueue(ctx, f.patientConfig(conn))
	if err != nil {
		t.Fatal(err)
	}

	f.orch.Start()
	defer f.orch.Shutdown(context.Background())

	waitFor(t, 5*time.Second, func() bool {
		j, _ := f.jobs.GetByID(ctx, id)
		return j != nil && syncjob.IsTerminal(j.Status)
	})

	j, _ := f.jobs.GetByID(ctx, id)
	if j.Status != syncjob.StatusCompleted {
		t.Fatalf("status = %s", j.Status)
	}
	if j.StartedAt == nil || j.CompletedAt == nil {
		t.Fatal("terminal job must carry both timestamps")
	}
	if j.Duration() < 0 {
		t.Error("duration must be non-negative")
	}
}

func TestSchedulerTicksCreateFreshJobs(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.activeConnection(t)

	sched := NewScheduler(f.orch, SingleProcessLease{})
	if err := sched.Schedule("nightly", "@every 50ms", f.patientConfig(conn)); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	waitFor(t, 3*time.Second, func() bool {
		jobs, _ := f.jobs.ListByConnection(context.Background(), conn.ID, 10, 0)
		return len(jobs) >= 2
	})

	jobs, _ := f.jobs.ListByConnection(context.Background(), conn.ID, 10, 0)
	seen := make(map[uuid.UUID]bool)
	for _, j := range jobs {
		if seen[j.ID] {
			t.Error("duplicate job id across ticks")
		}
		seen[j.ID] = true
	}
}

type deniedLease struct{}

func (deniedLease) TryAcquire(context.Context) (bool, error) { return false, nil }
func (deniedLease) Release(context.Context) error            { return nil }

func TestSchedulerNonLeaderDoesNotTick(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.activeConnection(t)

	sched := NewScheduler(f.orch, deniedLease{})
	if err := sched.Schedule("nightly", "@every 20ms", f.patientConfig(conn)); err != nil {
		t.Fatal(err)
	}
	sched.Start()
	defer sched.Stop(context.Background())

	time.Sleep(150 * time.Millisecond)
	jobs, _ := f.jobs.ListByConnection(context.Background(), conn.ID, 10, 0)
	if len(jobs) != 0 {
		t.Errorf("non-leader enqueued %d jobs, want 0", len(jobs))
	}
}

func TestDuplicateScheduleRejected(t *testing.T) {
	f := newFixture(t, Config{})
	conn := f.activeConnection(t)
	sched := NewScheduler(f.orch, nil)
	if err := sched.Schedule("s", "@every 1h", f.patientConfig(conn)); err != nil {
		t.Fatal(err)
	}
	if err := sched.Schedule("s", "@every 1h", f.patientConfig(conn)); err == nil {
		t.Error("expected duplicate schedule registration to fail")
	}
}
