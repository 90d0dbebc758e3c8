package bulkexport

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/domain/conflict"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/rule"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/ingest"
	"github.com/ehrcore/ehrcore/internal/transform"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

// exportStub scripts the vendor side of a $export exchange.
type exportStub struct {
	statusURL   string
	pollsBefore int32 // 202 responses to serve before the 200
	manifest    *vendor.ExportManifest
	files       map[string]string // url -> NDJSON body
	failFiles   map[string]bool   // url -> download fails
	polls       int32
	kickoffs    int32
}

func (s *exportStub) Capabilities() vendor.Capabilities {
	return vendor.Capabilities{
		Vendor:             connection.VendorEpic,
		ResourceTypes:      []string{"Patient", "Observation"},
		SupportsBulkExport: true,
	}
}

func (s *exportStub) FetchPatient(context.Context, *connection.Connection, string) (json.RawMessage, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *exportStub) Search(context.Context, *connection.Connection, string, vendor.SearchParams) <-chan vendor.SearchResult {
	ch := make(chan vendor.SearchResult)
	close(ch)
	return ch
}

func (s *exportStub) FetchBinary(context.Context, *connection.Connection, string) ([]byte, error) {
	return nil, fmt.Errorf("not implemented")
}

func (s *exportStub) StartBulkExport(_ context.Context, _ *connection.Connection, params vendor.BulkExportParams) (string, error) {
	atomic.AddInt32(&s.kickoffs, 1)
	return s.statusURL, nil
}

func (s *exportStub) PollBulkExport(_ context.Context, _ *connection.Connection, statusURL string) (*vendor.PollResult, error) {
	if statusURL != s.statusURL {
		return nil, fmt.Errorf("unknown status url %q", statusURL)
	}
	n := atomic.AddInt32(&s.polls, 1)
	if n <= s.pollsBefore {
		return &vendor.PollResult{Status: vendor.PollInProgress, Progress: fmt.Sprintf("%d%%", n*40)}, nil
	}
	return &vendor.PollResult{Status: vendor.PollComplete, Manifest: s.manifest}, nil
}

func (s *exportStub) DownloadBulkFile(_ context.Context, _ *connection.Connection, fileURL string) (io.ReadCloser, error) {
	if s.failFiles[fileURL] {
		return nil, &vendor.Error{StatusCode: 503, Vendor: "epic", Endpoint: fileURL, Transient: true}
	}
	body, ok := s.files[fileURL]
	if !ok {
		return nil, fmt.Errorf("no such file %q", fileURL)
	}
	return io.NopCloser(strings.NewReader(body)), nil
}

func ndjsonPatients(prefix string, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, `{"resourceType":"Patient","id":"%s-%d"}`+"\n", prefix, i)
	}
	return b.String()
}

type exportFixture struct {
	runner    *Runner
	jobs      *syncjob.InMemoryRepository
	resources *resource.InMemoryRepository
	progress  *InMemoryProgressStore
	stub      *exportStub
	conn      *connection.Connection
}

func newExportFixture(t *testing.T, stub *exportStub) *exportFixture {
	t.Helper()
	jobs := syncjob.NewInMemoryRepository()
	conns := connection.NewInMemoryRepository()
	resources := resource.NewInMemoryRepository()
	progress := NewInMemoryProgressStore()

	registry := vendor.NewRegistry(nil, nil, vendor.RegistryOptions{})
	registry.Register(connection.VendorEpic, stub)

	engine := transform.NewEngine(rule.NewInMemoryRepository(), transform.ModeLenient)
	proc := ingest.NewProcessor(engine, resources, conflict.NewInMemoryRepository())

	runner := NewRunner(jobs, conns, registry, proc, progress, zerolog.Nop())
	runner.pollInitial = time.Millisecond
	runner.pollCeiling = 2 * time.Millisecond
	runner.maxPollTime = time.Second

	conn := &connection.Connection{
		ID:          uuid.New(),
		UserID:      "user-1",
		Vendor:      connection.VendorEpic,
		FHIRBaseURL: "https://example.test/fhir",
		Status:      connection.StatusActive,
	}
	if err := conns.Create(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	return &exportFixture{runner: runner, jobs: jobs, resources: resources, progress: progress, stub: stub, conn: conn}
}

func (f *exportFixture) newJob(t *testing.T) *syncjob.SyncJob {
	t.Helper()
	job := &syncjob.SyncJob{
		JobType:      syncjob.JobTypeBulkExport,
		Direction:    syncjob.DirectionInbound,
		Priority:     3,
		Status:       syncjob.StatusProcessing,
		ConnectionID: f.conn.ID,
		Filter:       map[string]string{"exportType": "PATIENT"},
		Options:      syncjob.Options{BatchSize: 10, MaxRetries: 3, TimeoutSeconds: 60},
	}
	if err := f.jobs.Create(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestBulkExportEndToEnd(t *testing.T) {
	stub := &exportStub{
		statusURL:   "/status/X",
		pollsBefore: 2,
		manifest: &vendor.ExportManifest{
			Output: []vendor.ExportOutputFile{
				{ResourceType: "Patient", URL: "/files/a", Count: 10},
				{ResourceType: "Patient", URL: "/files/b", Count: 15},
			},
		},
		files: map[string]string{
			"/files/a": ndjsonPatients("a", 10),
			"/files/b": ndjsonPatients("b", 15),
		},
	}
	f := newExportFixture(t, stub)
	job := f.newJob(t)

	if err := f.runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if job.Counters.Processed != 25 {
		t.Errorf("recordsProcessed = %d, want 25", job.Counters.Processed)
	}
	if job.Summary.Created != 25 {
		t.Errorf("created = %d, want 25", job.Summary.Created)
	}
	if atomic.LoadInt32(&stub.polls) != 3 {
		t.Errorf("polls = %d, want 3 (two 202s then a 200)", stub.polls)
	}
	if atomic.LoadInt32(&stub.kickoffs) != 1 {
		t.Errorf("kickoffs = %d, want 1", stub.kickoffs)
	}

	// Canonical store holds exactly 25 new resources.
	total := 0
	for _, prefix := range []string{"a", "b"} {
		for i := 0; ; i++ {
			_, err := f.resources.GetByKey(context.Background(), resource.Key{
				ConnectionID:     f.conn.ID,
				VendorResourceID: fmt.Sprintf("%s-%d", prefix, i),
				ResourceType:     "Patient",
			})
			if err != nil {
				break
			}
			total++
		}
	}
	if total != 25 {
		t.Errorf("canonical store holds %d resources, want 25", total)
	}
}

func TestBulkExportIdempotentReRun(t *testing.T) {
	stub := &exportStub{
		statusURL: "/status/X",
		manifest: &vendor.ExportManifest{
			Output: []vendor.ExportOutputFile{{ResourceType: "Patient", URL: "/files/a", Count: 5}},
		},
		files: map[string]string{"/files/a": ndjsonPatients("a", 5)},
	}
	f := newExportFixture(t, stub)
	job := f.newJob(t)

	if err := f.runner.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Summary.Created != 5 {
		t.Fatalf("first run created %d, want 5", job.Summary.Created)
	}

	// Re-ingesting the identical file creates nothing and updates nothing.
	job2 := f.newJob(t)
	statusURL := "/status/X"
	job2.StatusPollURL = &statusURL
	if err := f.runner.Run(context.Background(), job2); err != nil {
		t.Fatal(err)
	}
	if job2.Summary.Created != 0 || job2.Summary.Updated != 0 {
		t.Errorf("re-run created %d / updated %d, want 0 / 0", job2.Summary.Created, job2.Summary.Updated)
	}
	if job2.Counters.Processed != 5 {
		t.Errorf("re-run processed %d, want 5", job2.Counters.Processed)
	}
}

func TestBulkExportResumesFromLineOffset(t *testing.T) {
	stub := &exportStub{
		statusURL: "/status/X",
		manifest: &vendor.ExportManifest{
			Output: []vendor.ExportOutputFile{{ResourceType: "Patient", URL: "/files/a", Count: 10}},
		},
		files: map[string]string{"/files/a": ndjsonPatients("a", 10)},
	}
	f := newExportFixture(t, stub)
	job := f.newJob(t)

	// Simulate a crash after 6 lines were durably applied.
	if err := f.progress.Upsert(context.Background(), &FileProgress{
		JobID:        job.ID,
		FileURL:      "/files/a",
		ResourceType: "Patient",
		LineOffset:   6,
	}); err != nil {
		t.Fatal(err)
	}
	statusURL := "/status/X"
	job.StatusPollURL = &statusURL

	if err := f.runner.Run(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	if job.Counters.Processed != 4 {
		t.Errorf("resumed run processed %d resources, want 4 (lines 7-10)", job.Counters.Processed)
	}

	p, err := f.progress.Get(context.Background(), job.ID, "/files/a")
	if err != nil {
		t.Fatal(err)
	}
	if !p.Completed || p.LineOffset != 10 {
		t.Errorf("progress = completed:%v offset:%d, want completed at offset 10", p.Completed, p.LineOffset)
	}
}

func TestBulkExportPartialFileFailure(t *testing.T) {
	stub := &exportStub{
		statusURL: "/status/X",
		manifest: &vendor.ExportManifest{
			Output: []vendor.ExportOutputFile{
				{ResourceType: "Patient", URL: "/files/good", Count: 5},
				{ResourceType: "Patient", URL: "/files/bad", Count: 5},
			},
		},
		files:     map[string]string{"/files/good": ndjsonPatients("g", 5), "/files/bad": ndjsonPatients("x", 5)},
		failFiles: map[string]bool{"/files/bad": true},
	}
	f := newExportFixture(t, stub)
	job := f.newJob(t)

	// One failed file does not fail the job.
	if err := f.runner.Run(context.Background(), job); err != nil {
		t.Fatalf("Run should tolerate a single failed file, got %v", err)
	}
	if job.Counters.Processed != 5 {
		t.Errorf("processed = %d, want 5 from the good file", job.Counters.Processed)
	}

	rows, _ := f.progress.ListByJob(context.Background(), job.ID)
	var failed *FileProgress
	for _, p := range rows {
		if p.FileURL == "/files/bad" {
			failed = p
		}
	}
	if failed == nil || !failed.Failed {
		t.Fatal("failed file must be recorded on its progress row")
	}

	// Manual retry re-attempts only the failed file.
	stub.failFiles = nil
	if err := f.runner.RetryFailed(context.Background(), job); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	if job.Counters.Processed != 10 {
		t.Errorf("processed after retry = %d, want 10", job.Counters.Processed)
	}
	p, _ := f.progress.Get(context.Background(), job.ID, "/files/bad")
	if p == nil || !p.Completed {
		t.Error("retried file should be completed")
	}
	good, _ := f.progress.Get(context.Background(), job.ID, "/files/good")
	if good == nil || !good.Completed {
		t.Error("good file stays completed")
	}
}

func TestBulkExportAllFilesFailedFailsJob(t *testing.T) {
	stub := &exportStub{
		statusURL: "/status/X",
		manifest: &vendor.ExportManifest{
			Output: []vendor.ExportOutputFile{{ResourceType: "Patient", URL: "/files/bad", Count: 5}},
		},
		files:     map[string]string{},
		failFiles: map[string]bool{"/files/bad": true},
	}
	f := newExportFixture(t, stub)
	job := f.newJob(t)

	if err := f.runner.Run(context.Background(), job); err == nil {
		t.Fatal("expected error when every file failed")
	}
}

func TestBulkExportPollGivesUpAfterMaxDuration(t *testing.T) {
	stub := &exportStub{
		statusURL:   "/status/X",
		pollsBefore: 1 << 30, // never completes
	}
	f := newExportFixture(t, stub)
	f.runner.maxPollTime = 10 * time.Millisecond
	job := f.newJob(t)

	if err := f.runner.Run(context.Background(), job); err == nil {
		t.Fatal("expected poll timeout error")
	}
}
