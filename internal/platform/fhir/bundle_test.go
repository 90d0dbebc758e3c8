package fhir

import (
	"encoding/json"
	"testing"
)

func TestParseBundle(t *testing.T) {
	body := []byte(`{
		"resourceType": "Bundle",
		"type": "searchset",
		"total": 2,
		"link": [
			{"relation": "self", "url": "https://fhir.example/Patient?_count=2"},
			{"relation": "next", "url": "https://fhir.example/Patient?_count=2&page=2"}
		],
		"entry": [
			{"resource": {"resourceType": "Patient", "id": "p1"}},
			{"resource": {"resourceType": "Patient", "id": "p2"}}
		]
	}`)

	b, err := ParseBundle(body)
	if err != nil {
		t.Fatalf("ParseBundle: %v", err)
	}
	if len(b.Entry) != 2 {
		t.Fatalf("entries = %d, want 2", len(b.Entry))
	}
	if b.Total == nil || *b.Total != 2 {
		t.Errorf("total = %v, want 2", b.Total)
	}

	var first struct {
		ResourceType string `json:"resourceType"`
		ID           string `json:"id"`
	}
	if err := json.Unmarshal(b.Entry[0].Resource, &first); err != nil {
		t.Fatal(err)
	}
	if first.ResourceType != "Patient" || first.ID != "p1" {
		t.Errorf("entry[0] = %+v", first)
	}
}

func TestParseBundleRejectsNonBundle(t *testing.T) {
	if _, err := ParseBundle([]byte(`{"resourceType":"Patient","id":"p1"}`)); err == nil {
		t.Error("a Patient document is not a Bundle")
	}
	if _, err := ParseBundle([]byte(`garbage`)); err == nil {
		t.Error("garbage is not a Bundle")
	}
}

func TestNextLink(t *testing.T) {
	withNext := &Bundle{Link: []BundleLink{
		{Relation: "self", URL: "https://fhir.example/Observation"},
		{Relation: "next", URL: "https://fhir.example/Observation?page=2"},
	}}
	if got := withNext.NextLink(); got != "https://fhir.example/Observation?page=2" {
		t.Errorf("NextLink = %q", got)
	}

	lastPage := &Bundle{Link: []BundleLink{{Relation: "self", URL: "https://fhir.example/Observation?page=9"}}}
	if got := lastPage.NextLink(); got != "" {
		t.Errorf("last page NextLink = %q, want empty", got)
	}
}

func TestFormatAndParseReference(t *testing.T) {
	ref := FormatReference("Patient", "p1")
	if ref != "Patient/p1" {
		t.Fatalf("FormatReference = %q", ref)
	}
	rt, id, ok := ParseReference(ref)
	if !ok || rt != "Patient" || id != "p1" {
		t.Errorf("ParseReference = %q/%q/%v", rt, id, ok)
	}

	for _, bad := range []string{"", "#contained", "https://fhir.example/Patient/p1", "Patient", "Patient/p1/history"} {
		if _, _, ok := ParseReference(bad); ok {
			t.Errorf("ParseReference(%q) should fail", bad)
		}
	}
}
