package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehrcore/ehrcore/internal/bulkexport"
	"github.com/ehrcore/ehrcore/internal/domain/complianceincident"
	"github.com/ehrcore/ehrcore/internal/domain/conflict"
	"github.com/ehrcore/ehrcore/internal/domain/connection"
	"github.com/ehrcore/ehrcore/internal/domain/errorrecord"
	"github.com/ehrcore/ehrcore/internal/domain/resource"
	"github.com/ehrcore/ehrcore/internal/domain/rule"
	"github.com/ehrcore/ehrcore/internal/domain/syncjob"
	"github.com/ehrcore/ehrcore/internal/ingest"
	"github.com/ehrcore/ehrcore/internal/orchestrator"
	"github.com/ehrcore/ehrcore/internal/platform/crypto"
	"github.com/ehrcore/ehrcore/internal/platform/notification"
	"github.com/ehrcore/ehrcore/internal/platform/webhook"
	"github.com/ehrcore/ehrcore/internal/smartauth"
	"github.com/ehrcore/ehrcore/internal/telemetry"
	"github.com/ehrcore/ehrcore/internal/transform"
	"github.com/ehrcore/ehrcore/internal/vendor"
)

const testWebhookSecret = "webhook-secret"

type apiFixture struct {
	e         *echo.Echo
	conns     *connection.InMemoryRepository
	jobs      *syncjob.InMemoryRepository
	incidents *complianceincident.InMemoryRepository
	errs      *errorrecord.InMemoryRepository
	notifier  *notification.MockDispatcher
	receipts  *webhook.InMemoryReceiptStore
}

func newAPIFixture(t *testing.T) *apiFixture {
	t.Helper()

	conns := connection.NewInMemoryRepository()
	jobs := syncjob.NewInMemoryRepository()
	resources := resource.NewInMemoryRepository()
	rules := rule.NewInMemoryRepository()
	conflicts := conflict.NewInMemoryRepository()
	errs := errorrecord.NewInMemoryRepository()
	incidents := complianceincident.NewInMemoryRepository()
	notifier := &notification.MockDispatcher{}
	receipts := webhook.NewInMemoryReceiptStore()

	sealer, err := crypto.NewSealer(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatal(err)
	}
	auth := smartauth.NewManager(conns, sealer)
	registry := vendor.NewRegistry(auth, nil, vendor.RegistryOptions{})
	engine := transform.NewEngine(rules, transform.ModeLenient)
	proc := ingest.NewProcessor(engine, resources, conflicts)
	bulk := bulkexport.NewRunner(jobs, conns, registry, proc, bulkexport.NewInMemoryProgressStore(), zerolog.Nop())
	router := telemetry.NewRouter(errs, incidents, notifier, zerolog.Nop(), telemetry.Options{IncidentPrefix: "CI"})

	orch := orchestrator.New(orchestrator.Config{}, orchestrator.Deps{
		Jobs:      jobs,
		Conns:     conns,
		Resources: resources,
		Registry:  registry,
		Processor: proc,
		Bulk:      bulk,
		Router:    router,
		Notifier:  notifier,
	}, zerolog.Nop())

	h := NewHandlers(HandlerDeps{
		Conns:         conns,
		Sealer:        sealer,
		Auth:          auth,
		Orch:          orch,
		Bulk:          bulk,
		Router:        router,
		Incidents:     incidents,
		Retention:     telemetry.DefaultRetentionPolicy(),
		Receipts:      receipts,
		Notifier:      notifier,
		WebhookSecret: testWebhookSecret,
	}, zerolog.Nop())

	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(zerolog.Nop())
	h.RegisterRoutes(e.Group(""), e.Group("/admin"))

	return &apiFixture{e: e, conns: conns, jobs: jobs, incidents: incidents, errs: errs, notifier: notifier, receipts: receipts}
}

func (f *apiFixture) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)
	return rec
}

// tokenServer stubs a vendor token endpoint for the authorization-code
// exchange.
func tokenServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if r.PostForm.Get("code") != "out-of-band-code" {
			w.WriteHeader(http.StatusBadRequest)
			fmt.Fprint(w, `{"error":"invalid_grant"}`)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	}))
}

func TestAuthCompletionScenario(t *testing.T) {
	f := newAPIFixture(t)
	ts := tokenServer(t)
	defer ts.Close()

	rec := f.do(t, http.MethodPost, "/ehr/connect", map[string]string{
		"userId":           "test-user",
		"vendor":           "epic",
		"fhirBaseUrl":      "https://fhir.epic.example/api/FHIR/R4",
		"authorizationUrl": "https://fhir.epic.example/oauth2/authorize",
		"tokenUrl":         ts.URL,
		"clientId":         "test-client",
		"redirectUri":      "https://app.example/callback",
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("connect returned %d: %s", rec.Code, rec.Body.String())
	}

	var connectResp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &connectResp)
	authURL := connectResp["authorizationUrl"]
	state := connectResp["state"]
	if state == "" {
		t.Fatal("missing state")
	}
	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("response_type") != "code" {
		t.Errorf("authorizationUrl missing response_type=code: %s", authURL)
	}
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("authorizationUrl missing code_challenge_method=S256: %s", authURL)
	}
	if q.Get("state") != state {
		t.Errorf("state in URL %q != returned state %q", q.Get("state"), state)
	}

	rec = f.do(t, http.MethodPost, "/ehr/authorize", map[string]string{
		"connectionId": connectResp["connectionId"],
		"code":         "out-of-band-code",
		"state":        state,
	}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("authorize returned %d: %s", rec.Code, rec.Body.String())
	}

	rec = f.do(t, http.MethodGet, "/ehr/connections?userId=test-user", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list returned %d", rec.Code)
	}
	var listResp struct {
		Connections []struct {
			ID     string `json:"id"`
			Status string `json:"status"`
		} `json:"connections"`
	}
	json.Unmarshal(rec.Body.Bytes(), &listResp)
	if len(listResp.Connections) != 1 || listResp.Connections[0].Status != "ACTIVE" {
		t.Errorf("want one ACTIVE connection, got %+v", listResp.Connections)
	}
}

func TestAuthorizeInvalidState(t *testing.T) {
	f := newAPIFixture(t)
	rec := f.do(t, http.MethodPost, "/ehr/authorize", map[string]string{
		"connectionId": "ignored",
		"code":         "c",
		"state":        "never-issued",
	}, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	var env Envelope
	json.Unmarshal(rec.Body.Bytes(), &env)
	if env.Error.Code != "INVALID_STATE" {
		t.Errorf("code = %q, want INVALID_STATE", env.Error.Code)
	}
	if env.Error.RequestID == "" || env.Error.Timestamp.IsZero() {
		t.Error("envelope must carry requestId and timestamp")
	}
}

func (f *apiFixture) activeConnection(t *testing.T, vendorTag connection.Vendor) *connection.Connection {
	t.Helper()
	conn := &connection.Connection{
		UserID:      "test-user",
		Vendor:      vendorTag,
		FHIRBaseURL: "https://fhir.example/R4",
		Status:      connection.StatusActive,
	}
	if err := f.conns.Create(context.Background(), conn); err != nil {
		t.Fatal(err)
	}
	return conn
}

func TestEnqueueSyncAndStatus(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.activeConnection(t, connection.VendorEpic)

	rec := f.do(t, http.MethodPost, "/ehr/sync", map[string]interface{}{
		"connectionId": conn.ID.String(),
		"syncType":     "INCREMENTAL",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("sync returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)

	rec = f.do(t, http.MethodGet, "/ehr/sync?syncId="+resp["syncId"], nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status returned %d", rec.Code)
	}
	var job syncjob.SyncJob
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.Status != syncjob.StatusQueued {
		t.Errorf("job status = %s, want QUEUED", job.Status)
	}

	rec = f.do(t, http.MethodGet, "/ehr/sync?connectionId="+conn.ID.String(), nil, nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), resp["syncId"]) {
		t.Errorf("history should include the job: %d %s", rec.Code, rec.Body.String())
	}
}

func TestBulkExportEndpointEnqueues(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.activeConnection(t, connection.VendorEpic)

	rec := f.do(t, http.MethodPost, "/ehr/epic/bulk-export", map[string]interface{}{
		"connectionId": conn.ID.String(),
		"exportType":   "PATIENT",
	}, nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("bulk-export returned %d: %s", rec.Code, rec.Body.String())
	}
	var resp map[string]string
	json.Unmarshal(rec.Body.Bytes(), &resp)

	rec = f.do(t, http.MethodGet, "/ehr/epic/bulk-export/"+resp["jobId"], nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("poll returned %d", rec.Code)
	}
	var job syncjob.SyncJob
	json.Unmarshal(rec.Body.Bytes(), &job)
	if job.JobType != syncjob.JobTypeBulkExport {
		t.Errorf("jobType = %s", job.JobType)
	}
	if job.Options.TimeoutSeconds != 7200 {
		t.Errorf("bulk export timeout = %d, want 7200", job.Options.TimeoutSeconds)
	}
}

func TestBulkExportVendorMismatch(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.activeConnection(t, connection.VendorCerner)
	rec := f.do(t, http.MethodPost, "/ehr/epic/bulk-export", map[string]interface{}{
		"connectionId": conn.ID.String(),
		"exportType":   "PATIENT",
	}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
}

func webhookBody(t *testing.T, connID string) []byte {
	t.Helper()
	raw, err := json.Marshal(map[string]interface{}{
		"eventType":    "resource.updated",
		"eventId":      "evt-1",
		"timestamp":    time.Now().UTC().Format(time.RFC3339),
		"resourceType": "Observation",
		"resourceId":   "obs-9",
		"action":       "update",
		"data":         map[string]string{"connectionId": connID},
	})
	if err != nil {
		t.Fatal(err)
	}
	return raw
}

func TestWebhookValidSignatureEnqueues(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.activeConnection(t, connection.VendorEpic)
	body := webhookBody(t, conn.ID.String())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/epic", bytes.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	req.Header.Set(webhook.DefaultSignatureHeader, webhook.Sign(body, testWebhookSecret, webhook.AlgoSHA256))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("webhook returned %d: %s", rec.Code, rec.Body.String())
	}

	jobs, _ := f.jobs.ListByConnection(context.Background(), conn.ID, 10, 0)
	if len(jobs) != 1 {
		t.Fatalf("want 1 enqueued job, got %d", len(jobs))
	}
	if jobs[0].JobType != syncjob.JobTypeWebhook || jobs[0].Priority != 2 {
		t.Errorf("job = %s priority %d, want WEBHOOK at priority 2", jobs[0].JobType, jobs[0].Priority)
	}

	receipts, _ := f.receipts.ListByVendor("epic", 10)
	if len(receipts) != 1 || receipts[0].Status != webhook.ReceiptProcessed {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestWebhookInvalidSignatureRecordsFailed(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.activeConnection(t, connection.VendorEpic)
	body := webhookBody(t, conn.ID.String())

	req := httptest.NewRequest(http.MethodPost, "/webhooks/epic", bytes.NewReader(body))
	req.Header.Set(webhook.DefaultSignatureHeader, "not-a-signature")
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	jobs, _ := f.jobs.ListByConnection(context.Background(), conn.ID, 10, 0)
	if len(jobs) != 0 {
		t.Errorf("invalid signature must enqueue nothing, got %d jobs", len(jobs))
	}
	receipts, _ := f.receipts.ListByVendor("epic", 10)
	if len(receipts) != 1 || receipts[0].Status != webhook.ReceiptFailed {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestWebhookUnknownEventTypeIgnored(t *testing.T) {
	f := newAPIFixture(t)
	body, _ := json.Marshal(map[string]string{"eventType": "patient.sneezed", "eventId": "e2"})

	req := httptest.NewRequest(http.MethodPost, "/webhooks/epic", bytes.NewReader(body))
	req.Header.Set(webhook.DefaultSignatureHeader, webhook.Sign(body, testWebhookSecret, webhook.AlgoSHA512))
	rec := httptest.NewRecorder()
	f.e.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	receipts, _ := f.receipts.ListByVendor("epic", 10)
	if len(receipts) != 1 || receipts[0].Status != webhook.ReceiptIgnored {
		t.Errorf("receipts = %+v", receipts)
	}
}

func TestComplianceIncidentAdminFlow(t *testing.T) {
	f := newAPIFixture(t)

	rec := f.do(t, http.MethodPost, "/admin/compliance/incidents", map[string]interface{}{
		"category":    "PHI_DISCLOSURE",
		"severity":    "CRITICAL",
		"description": "protected health information attached to wrong chart",
		"dataExposed": true,
	}, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create returned %d: %s", rec.Code, rec.Body.String())
	}
	var incident complianceincident.ComplianceIncident
	json.Unmarshal(rec.Body.Bytes(), &incident)
	if incident.Number == "" {
		t.Fatal("incident number not assigned")
	}

	// Addressable by number.
	rec = f.do(t, http.MethodGet, "/admin/compliance/incidents/"+incident.Number, nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("get by number returned %d", rec.Code)
	}

	// Forward-only transition appends audit.
	rec = f.do(t, http.MethodPost, "/admin/compliance/incidents/"+incident.ID.String()+"/status",
		map[string]string{"status": "ACKNOWLEDGED"}, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("transition returned %d: %s", rec.Code, rec.Body.String())
	}

	// Illegal transition rejected.
	rec = f.do(t, http.MethodPost, "/admin/compliance/incidents/"+incident.ID.String()+"/status",
		map[string]string{"status": "CLOSED"}, nil)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("illegal transition returned %d, want 422", rec.Code)
	}

	rec = f.do(t, http.MethodGet, "/admin/compliance/incidents/"+incident.ID.String()+"/audit", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("audit returned %d", rec.Code)
	}
	var auditResp struct {
		Audit []complianceincident.AuditEntry `json:"audit"`
	}
	json.Unmarshal(rec.Body.Bytes(), &auditResp)
	// DETECTED from creation plus ACKNOWLEDGED from the transition.
	if len(auditResp.Audit) != 2 {
		t.Errorf("audit entries = %d, want 2", len(auditResp.Audit))
	}

	// One notification from creation.
	if n := len(f.notifier.Events()); n != 1 {
		t.Errorf("notifications = %d, want 1", n)
	}
}

func TestAdminLogStatsAndDedup(t *testing.T) {
	f := newAPIFixture(t)

	// Seed some operational error records directly in the store.
	for i := 0; i < 3; i++ {
		f.errs.Create(context.Background(), &errorrecord.ErrorRecord{
			Fingerprint:     fmt.Sprintf("fp-%d", i%2),
			MasterCode:      "NETWORK_ERROR",
			Severity:        errorrecord.SeverityLow,
			OccurrenceCount: i + 1,
		})
	}

	rec := f.do(t, http.MethodGet, "/admin/logs/stats", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("stats returned %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/admin/logs/dedup", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("dedup returned %d", rec.Code)
	}
	rec = f.do(t, http.MethodPost, "/admin/logs/cleanup", nil, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("cleanup returned %d", rec.Code)
	}
}

func TestRevokeConnectionIsTerminal(t *testing.T) {
	f := newAPIFixture(t)
	conn := f.activeConnection(t, connection.VendorEpic)

	rec := f.do(t, http.MethodDelete, "/ehr/connections?connectionId="+conn.ID.String(), nil, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("revoke returned %d", rec.Code)
	}
	rec = f.do(t, http.MethodDelete, "/ehr/connections?connectionId="+conn.ID.String(), nil, nil)
	if rec.Code != http.StatusConflict {
		t.Errorf("second revoke returned %d, want 409", rec.Code)
	}
}
