package notification

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTemplateEngineRender(t *testing.T) {
	e := NewTemplateEngine()
	body, err := e.Render(KindSyncCompleted, map[string]string{
		"jobId":        "j1",
		"connectionId": "c1",
		"processed":    "10",
		"failed":       "0",
	})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if !strings.Contains(body, "Sync j1 for connection c1 completed") {
		t.Errorf("unexpected body %q", body)
	}
	if !strings.Contains(body, "10 processed, 0 failed") {
		t.Errorf("counters not substituted: %q", body)
	}
}

func TestTemplateEngineUnknownKind(t *testing.T) {
	e := NewTemplateEngine()
	if _, err := e.Render(Kind("no-such-kind"), nil); err == nil {
		t.Fatal("expected error for unregistered kind")
	}
}

func TestTemplateEngineLeavesUnknownPlaceholders(t *testing.T) {
	e := NewTemplateEngine()
	e.Register(Kind("k"), "hello {{name}} and {{other}}")
	body, err := e.Render(Kind("k"), map[string]string{"name": "world"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if body != "hello world and {{other}}" {
		t.Errorf("got %q", body)
	}
}

func TestWebhookDispatcherPostsJSON(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL, srv.Client())
	err := d.Dispatch(context.Background(), Event{
		Kind:    KindComplianceIncident,
		Subject: "incident CI-2026-0001",
		Body:    "details",
	})
	if err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	text, _ := got["text"].(string)
	if !strings.Contains(text, "compliance.incident") || !strings.Contains(text, "CI-2026-0001") {
		t.Errorf("unexpected text payload %q", text)
	}
}

func TestWebhookDispatcherNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	d := NewWebhookDispatcher(srv.URL, srv.Client())
	if err := d.Dispatch(context.Background(), Event{Kind: KindSyncFailed}); err == nil {
		t.Fatal("expected error on 502 response")
	}
}

func TestWebhookDispatcherEmptyURLIsNoop(t *testing.T) {
	d := NewWebhookDispatcher("", nil)
	if err := d.Dispatch(context.Background(), Event{Kind: KindSyncCompleted}); err != nil {
		t.Fatalf("expected nil for unconfigured dispatcher, got %v", err)
	}
}

func TestMultiDispatcherFansOutAndReportsFirstError(t *testing.T) {
	ok := &MockDispatcher{}
	failing := &MockDispatcher{ShouldFail: true}
	trailing := &MockDispatcher{}

	m := NewMultiDispatcher(ok, failing, trailing, nil)
	err := m.Dispatch(context.Background(), Event{Kind: KindSyncCompleted, Subject: "s"})
	if err == nil {
		t.Fatal("expected the failing dispatcher's error to surface")
	}
	for i, d := range []*MockDispatcher{ok, failing, trailing} {
		if len(d.Events()) != 1 {
			t.Errorf("dispatcher %d received %d events, want 1", i, len(d.Events()))
		}
	}
}
